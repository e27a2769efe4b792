// Package registry is the canonical, process-wide description of a running
// application's measurement and calibration objects: events, calibration
// segments, typedefs, and the measurement/characteristic/axis instances
// that tie a name to an address and a type. It is the source of truth the
// XCP state machine consults to resolve wire addresses and to emit the
// description the calibration tool uploads via GET_ID.
package registry

import "sync"

// Identifier is a short, process-wide-interned name used for events,
// segments, typedefs, and instances. Interning means two Identifiers built
// from equal strings compare equal and share the same backing string, which
// keeps registry lookups and sorting cheap even when the same name is
// formatted repeatedly (e.g. mangled typedef field names).
type Identifier string

var internTable sync.Map // map[string]string

// Intern returns the canonical Identifier for s. Repeated calls with an
// equal string return an Identifier backed by the same underlying string.
func Intern(s string) Identifier {
	if v, ok := internTable.Load(s); ok {
		return Identifier(v.(string))
	}
	actual, _ := internTable.LoadOrStore(s, s)
	return Identifier(actual.(string))
}

// String returns the identifier's text.
func (id Identifier) String() string { return string(id) }

// IsEmpty reports whether the identifier has no text.
func (id Identifier) IsEmpty() bool { return id == "" }
