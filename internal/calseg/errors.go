package calseg

import "errors"

// Sentinel errors returned by Segment and Engine operations, wrapped with
// fmt.Errorf and %w so callers can match with errors.Is.
var (
	// ErrAccessDenied is returned when a read or write falls outside the
	// segment's byte range.
	ErrAccessDenied = errors.New("calseg: access denied")
	// ErrSegmentNotValid is returned by Engine lookups for an unknown
	// segment name or index.
	ErrSegmentNotValid = errors.New("calseg: segment not valid")
	// ErrDuplicate is returned when Engine.Create is called twice with the
	// same segment name.
	ErrDuplicate = errors.New("calseg: duplicate segment")
)
