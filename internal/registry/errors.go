package registry

import "errors"

// Sentinel errors returned by Registry operations. Wrap with fmt.Errorf and
// %w so callers can match with errors.Is while still getting a descriptive
// message.
var (
	// ErrDuplicate is returned when an add_* call collides with an
	// existing name, index, or id.
	ErrDuplicate = errors.New("registry: duplicate")
	// ErrNotFound is returned when a lookup or a field/typedef reference
	// cannot be resolved.
	ErrNotFound = errors.New("registry: not found")
	// ErrClosedRegistry is returned by any add/mutate call made after
	// Freeze.
	ErrClosedRegistry = errors.New("registry: closed")
	// ErrOverlap is returned when AddInstance would place two instances at
	// overlapping byte ranges within the same calibration segment without
	// one being a sub-field of the other's typedef.
	ErrOverlap = errors.New("registry: overlapping instance addresses")
)
