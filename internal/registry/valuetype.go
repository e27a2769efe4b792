package registry

import "fmt"

// Kind is the closed set of basic value categories a ValueType may hold.
type Kind uint8

const (
	KindBool Kind = iota
	KindU8
	KindU16
	KindU32
	KindU64
	KindI8
	KindI16
	KindI32
	KindI64
	KindFloat32
	KindFloat64
	KindBlob    // opaque, size carried by IDL text, not computable
	KindTypeDef // named reference to a TypeDef
)

// ValueType is the closed set of scalar types a measurement or calibration
// value may hold: the fixed-width numeric kinds, Blob (an opaque region
// described by IDL text, size not derivable from the type alone), and
// TypeDef (a named reference into the registry's typedef list).
type ValueType struct {
	Kind     Kind
	Blob     string     // IDL text, set iff Kind == KindBlob
	TypeDef  Identifier // referenced typedef name, set iff Kind == KindTypeDef
}

// Basic scalar value types. Use these directly; Blob and TypeDef values are
// built with NewBlob and NewTypeDef since they carry associated data.
var (
	Bool    = ValueType{Kind: KindBool}
	U8      = ValueType{Kind: KindU8}
	U16     = ValueType{Kind: KindU16}
	U32     = ValueType{Kind: KindU32}
	U64     = ValueType{Kind: KindU64}
	I8      = ValueType{Kind: KindI8}
	I16     = ValueType{Kind: KindI16}
	I32     = ValueType{Kind: KindI32}
	I64     = ValueType{Kind: KindI64}
	Float32 = ValueType{Kind: KindFloat32}
	Float64 = ValueType{Kind: KindFloat64}
)

// NewBlob returns a Blob value type carrying the given IDL description text.
func NewBlob(idl string) ValueType { return ValueType{Kind: KindBlob, Blob: idl} }

// NewTypeDef returns a value type referencing the named typedef.
func NewTypeDef(name Identifier) ValueType { return ValueType{Kind: KindTypeDef, TypeDef: name} }

// IsBasic reports whether the type is a fixed-size scalar (not Blob or
// TypeDef, whose size requires a typedef lookup or is unknown).
func (v ValueType) IsBasic() bool { return v.Kind != KindBlob && v.Kind != KindTypeDef }

// Size returns the byte size of one scalar instance of v. It panics for
// Blob and TypeDef, whose size is not derivable from the value type alone
// (use DimType.Size with a typedef resolver instead).
func (v ValueType) Size() uint32 {
	switch v.Kind {
	case KindBool, KindU8, KindI8:
		return 1
	case KindU16, KindI16:
		return 2
	case KindU32, KindI32, KindFloat32:
		return 4
	case KindU64, KindI64, KindFloat64:
		return 8
	default:
		panic(fmt.Sprintf("registry: Size() undefined for value kind %v", v.Kind))
	}
}

// DimType is a value type with optional array/matrix dimensions: scalar
// (XDim, YDim both <=1), a 1-D array (YDim<=1), or a 2-D matrix.
type DimType struct {
	Value ValueType
	XDim  uint16 // 0 or 1 means scalar in this dimension
	YDim  uint16
}

// NewDimType builds a DimType, normalizing dimensions <=1 to scalar (0).
func NewDimType(v ValueType, xDim, yDim uint16) DimType {
	if xDim <= 1 {
		xDim = 0
	}
	if yDim <= 1 {
		yDim = 0
	}
	return DimType{Value: v, XDim: xDim, YDim: yDim}
}

// Dim returns the effective [x,y] dimensions, substituting 1 for unset.
func (d DimType) Dim() [2]uint16 {
	x, y := d.XDim, d.YDim
	if x == 0 {
		x = 1
	}
	if y == 0 {
		y = 1
	}
	return [2]uint16{x, y}
}

// IsScalar, IsArray, and IsMatrix categorize the dimensionality of d.
func (d DimType) IsScalar() bool { dim := d.Dim(); return dim[0] <= 1 && dim[1] <= 1 }
func (d DimType) IsArray() bool  { dim := d.Dim(); return dim[0] > 1 && dim[1] <= 1 }
func (d DimType) IsMatrix() bool { dim := d.Dim(); return dim[0] > 1 && dim[1] > 1 }

// TypeDefSizer resolves the total byte size of a named typedef. The
// registry implements this; it is taken as a parameter here to avoid an
// import cycle between DimType and Registry.
type TypeDefSizer interface {
	TypeDefSize(name Identifier) (uint32, bool)
}

// Size returns the byte size of d: value size times x times y. For a
// TypeDef value type, sizer resolves the element size; Size returns an
// error if sizer is nil, the typedef is unknown, or the value type is Blob
// (whose size cannot be derived).
func (d DimType) Size(sizer TypeDefSizer) (uint32, error) {
	var elemSize uint32
	switch d.Value.Kind {
	case KindBlob:
		return 0, fmt.Errorf("registry: blob %q has no derivable size", d.Value.Blob)
	case KindTypeDef:
		if sizer == nil {
			return 0, fmt.Errorf("registry: cannot resolve size of typedef %q without a sizer", d.Value.TypeDef)
		}
		size, ok := sizer.TypeDefSize(d.Value.TypeDef)
		if !ok {
			return 0, fmt.Errorf("registry: typedef %q not found", d.Value.TypeDef)
		}
		elemSize = size
	default:
		elemSize = d.Value.Size()
	}
	dim := d.Dim()
	return elemSize * uint32(dim[0]) * uint32(dim[1]), nil
}
