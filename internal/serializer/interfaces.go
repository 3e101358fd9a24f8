package serializer

import (
	metamodel "github.com/hanpama/modelquery/internal/metamodel"
)

// Registry is the metadata consumed by the serializer. Lookups must be safe
// for concurrent use; the serializer never mutates it.
type Registry interface {
	DescribeAttribute(owner, name string) (*metamodel.Attribute, bool)
	DescribeCollectionFacet(owner, name, facet string) (*metamodel.Attribute, bool)
	IdentifierAttributeOf(entity string) (*metamodel.Attribute, bool)
	AttributesOf(typeName string) []*metamodel.Attribute
	Converter(scalar string) metamodel.Converter
}

var _ Registry = (*metamodel.Model)(nil)

// Accessor reads the caller's object representation.
//
// Attribute returns Uninitialized for attributes that were not fetched.
// Elements and Entries report false when the value is not a collection of
// the requested form.
type Accessor interface {
	Attribute(value any, typeName, name string) (any, error)
	Elements(value any) ([]any, bool)
	Entries(value any) ([]Entry, bool)
}

// Entry is one key/value pair of a keyed collection.
type Entry struct {
	Key   any
	Value any
}

// Lazy is implemented by values that may not have been fetched. Peek must
// not fetch: it returns the loaded value and true, or false.
type Lazy interface {
	Peek() (any, bool)
}

type uninitialized struct{}

// Uninitialized stands for a value whose storage has not been fetched.
var Uninitialized any = uninitialized{}

// Proxy is a ready-made Lazy holder.
type Proxy struct {
	Value  any
	Loaded bool
}

func (p *Proxy) Peek() (any, bool) { return p.Value, p.Loaded }

// Loaded wraps a fetched value in a Proxy.
func Loaded(v any) *Proxy { return &Proxy{Value: v, Loaded: true} }

// Unloaded returns a Proxy that has not been fetched.
func Unloaded() *Proxy { return &Proxy{} }
