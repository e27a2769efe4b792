package dtoring

import "errors"

var (
	// ErrFrameTooLarge is returned by Push when data exceeds the ring's
	// configured maximum frame size.
	ErrFrameTooLarge = errors.New("dtoring: frame exceeds max frame size")
)
