package metamodel

import (
	"encoding/base64"
	"fmt"
	"sort"
	"time"
)

// Model is the read-only index of managed types built from SDL.
// It is populated once by Load and safe for concurrent readers afterwards.
type Model struct {
	Types   map[string]*Type
	Scalars map[string]*Scalar

	attributes map[[2]string]*Attribute
}

// Type is a managed type: an entity, an embeddable or a mapped superclass.
type Type struct {
	Name        string
	Kind        TypeKind
	Description string
	Supertype   string
	Identifier  *Attribute
	// Attributes lists inherited attributes first, then own attributes, each
	// group in declaration order.
	Attributes []*Attribute
}

type TypeKind string

const (
	TypeKindEntity           TypeKind = "ENTITY"
	TypeKindEmbeddable       TypeKind = "EMBEDDABLE"
	TypeKindMappedSuperclass TypeKind = "MAPPED_SUPERCLASS"
)

// Attribute describes one named attribute of one owning type.
type Attribute struct {
	Owner       string
	Name        string
	Kind        Kind
	Description string
}

func (a *Attribute) String() string { return a.Owner + "." + a.Name }

// Scalar is a basic value type. Enum scalars carry their values.
type Scalar struct {
	Name        string
	Description string
	Values      []string
	Converter   Converter
}

// Converter renders a basic value as text.
type Converter func(v any) string

// DefaultConverter formats strings verbatim, times as RFC 3339 and bytes as
// base64; everything else goes through fmt.
func DefaultConverter(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case []byte:
		return base64.StdEncoding.EncodeToString(v)
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprint(v)
}

// Type returns the managed type with the given name, or nil.
func (m *Model) Type(name string) *Type { return m.Types[name] }

// IsEntity reports whether name is an entity type.
func (m *Model) IsEntity(name string) bool {
	t := m.Types[name]
	return t != nil && t.Kind == TypeKindEntity
}

// DescribeAttribute resolves the attribute name on the owner type.
func (m *Model) DescribeAttribute(owner, name string) (*Attribute, bool) {
	a, ok := m.attributes[[2]string{owner, name}]
	return a, ok
}

// DescribeCollectionFacet resolves element, value, key or index of a plural
// attribute. It reports false when the attribute is not a collection or the
// facet does not apply to its nature.
func (m *Model) DescribeCollectionFacet(owner, name, facet string) (*Attribute, bool) {
	a, ok := m.attributes[[2]string{owner, name}]
	if !ok {
		return nil, false
	}
	coll, ok := a.Kind.(Collection)
	if !ok {
		return nil, false
	}
	var kind Kind
	switch facet {
	case "element", "value":
		kind = coll.Element
	case "key", "index":
		switch {
		case coll.Nature.Keyed():
			kind = coll.Key
		case coll.Nature == List:
			kind = Basic{Scalar: "Int"}
		default:
			return nil, false
		}
	default:
		return nil, false
	}
	return &Attribute{Owner: owner, Name: facet + "(" + name + ")", Kind: kind}, true
}

// IdentifierAttributeOf returns the identifier of an entity or mapped superclass.
func (m *Model) IdentifierAttributeOf(entity string) (*Attribute, bool) {
	t := m.Types[entity]
	if t == nil || t.Identifier == nil {
		return nil, false
	}
	return t.Identifier, true
}

// AttributesOf returns all attributes of a managed type, inherited first.
func (m *Model) AttributesOf(typeName string) []*Attribute {
	t := m.Types[typeName]
	if t == nil {
		return nil
	}
	return t.Attributes
}

// Converter returns the converter registered for a scalar, falling back to
// DefaultConverter.
func (m *Model) Converter(scalar string) Converter {
	if s := m.Scalars[scalar]; s != nil && s.Converter != nil {
		return s.Converter
	}
	return DefaultConverter
}

// TypeNames returns managed type names in lexical order.
func (m *Model) TypeNames() []string {
	names := make([]string, 0, len(m.Types))
	for name := range m.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
