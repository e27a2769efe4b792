package registry

import "fmt"

// TypeDefField is one named, ordered member of a TypeDef.
type TypeDefField struct {
	Name       Identifier
	Dim        DimType
	ByteOffset uint16
	Support    SupportData
}

// TypeDef is a named, ordered sequence of fields with a fixed total byte
// size. Fields may reference other typedefs by name (ValueType.TypeDef),
// letting typedefs nest without any cyclic ownership: the registry looks
// referenced typedefs up by name, never by pointer.
type TypeDef struct {
	Name   Identifier
	Size   uint32
	Fields []TypeDefField
}

// FindField returns the field named name, or false if none matches.
func (t *TypeDef) FindField(name Identifier) (TypeDefField, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return TypeDefField{}, false
}

// addField appends a field, rejecting a duplicate field name within this
// typedef.
func (t *TypeDef) addField(field TypeDefField) error {
	if _, ok := t.FindField(field.Name); ok {
		return fmt.Errorf("%w: field %s.%s", ErrDuplicate, t.Name, field.Name)
	}
	t.Fields = append(t.Fields, field)
	return nil
}
