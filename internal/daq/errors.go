package daq

import "errors"

// Sentinel errors returned by Event and Config operations.
var (
	// ErrCaptureFull is returned by Event.AddCapture/Capture when the
	// event's fixed-capacity capture buffer cannot serve the request.
	ErrCaptureFull = errors.New("daq: capture buffer exhausted")
	// ErrDaqConfig is returned for any DAQ configuration sub-protocol
	// violation: size overflow, unknown event, index out of range.
	ErrDaqConfig = errors.New("daq: configuration error")
)
