package registry

import "github.com/xcplite/mccore/internal/mcaddr"

// ObjectKind is the role a named, addressable instance plays for the tool.
type ObjectKind uint8

const (
	Measurement ObjectKind = iota
	Characteristic
	Axis
)

// Instance is one addressable measurement, characteristic, or axis object:
// a name, its dimensioned type, the kind of object it is, the resolved
// address it lives at, and tool-facing support data. Instances reference
// events and calibration segments by name/id, never by owning pointer, so
// the whole registry can be serialized as a flat structure (spec §9).
type Instance struct {
	Name    Identifier
	Dim     DimType
	Kind    ObjectKind
	Address mcaddr.Address
	Support SupportData
}
