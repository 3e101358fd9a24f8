package metamodel

import (
	"fmt"
	"os"
	"sort"
	"strings"

	language "github.com/hanpama/modelquery/internal/language"
)

// Prelude declares the mapping directives understood by Load. It is parsed
// ahead of every model so the directives are always known.
const Prelude = `
directive @entity on OBJECT
directive @embeddable on OBJECT
directive @mappedSuperclass on INTERFACE
directive @id on FIELD_DEFINITION
directive @collection(kind: CollectionKind = LIST, key: String = "String") on FIELD_DEFINITION

enum CollectionKind {
  LIST
  SET
  MAP
  SORTED_MAP
}
`

type Option func(*options)

type options struct {
	converters map[string]Converter
}

// WithConverter registers the text conversion used for values of a scalar.
func WithConverter(scalar string, c Converter) Option {
	return func(o *options) {
		if o.converters == nil {
			o.converters = map[string]Converter{}
		}
		o.converters[scalar] = c
	}
}

// LoadFiles reads SDL files and builds a model from them.
func LoadFiles(paths []string, opts ...Option) (*Model, error) {
	sources := make([]*language.Source, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		sources = append(sources, &language.Source{Name: p, Input: string(data)})
	}
	return Load(sources, opts...)
}

// LoadString builds a model from a single SDL document.
func LoadString(name, sdl string, opts ...Option) (*Model, error) {
	return Load([]*language.Source{{Name: name, Input: sdl}}, opts...)
}

// Load parses the SDL sources and builds the model. Mapping problems are
// collected and returned together as a ValidationError.
func Load(sources []*language.Source, opts ...Option) (*Model, error) {
	all := make([]*language.Source, 0, len(sources)+1)
	all = append(all, &language.Source{Name: "prelude.graphql", Input: Prelude, BuiltIn: true})
	all = append(all, sources...)
	doc, err := language.ParseSchemas(all...)
	if err != nil {
		return nil, err
	}

	o := options{}
	for _, f := range opts {
		f(&o)
	}

	b := &builder{
		model: &Model{
			Types:      map[string]*Type{},
			Scalars:    map[string]*Scalar{},
			attributes: map[[2]string]*Attribute{},
		},
		defs:  map[string]*language.Definition{},
		state: map[string]int{},
	}
	b.collect(doc)
	b.classify()
	for name, c := range o.converters {
		s := b.model.Scalars[name]
		if s == nil {
			b.addViolation(violationTypeNotFound(name, nil))
			continue
		}
		s.Converter = c
	}
	for _, name := range b.model.TypeNames() {
		b.resolveType(name)
	}
	if len(b.violations) > 0 {
		return nil, b.violations
	}
	return b.model, nil
}

const (
	unvisited = iota
	visiting
	resolved
)

type builder struct {
	model      *Model
	defs       map[string]*language.Definition
	order      []string
	state      map[string]int
	violations ValidationError
}

func (b *builder) addViolation(v ...*Violation) {
	b.violations = append(b.violations, v...)
}

func (b *builder) collect(doc *language.SchemaDocument) {
	for _, name := range []string{"String", "Int", "Float", "Boolean", "ID"} {
		b.model.Scalars[name] = &Scalar{Name: name}
	}
	for _, def := range doc.Definitions {
		if builtIn(def) {
			continue
		}
		b.defs[def.Name] = def
		b.order = append(b.order, def.Name)
	}
	for _, ext := range doc.Extensions {
		def := b.defs[ext.Name]
		if def == nil {
			b.addViolation(violationTypeNotFound(ext.Name, ext.Position))
			continue
		}
		def.Directives = append(def.Directives, ext.Directives...)
		def.Interfaces = append(def.Interfaces, ext.Interfaces...)
		def.Fields = append(def.Fields, ext.Fields...)
		def.EnumValues = append(def.EnumValues, ext.EnumValues...)
	}
}

func (b *builder) classify() {
	for _, name := range b.order {
		def := b.defs[name]
		switch def.Kind {
		case language.Scalar:
			b.model.Scalars[name] = &Scalar{Name: name, Description: def.Description}
		case language.Enum:
			s := &Scalar{Name: name, Description: def.Description}
			for _, v := range def.EnumValues {
				s.Values = append(s.Values, v.Name)
			}
			b.model.Scalars[name] = s
		case language.Object, language.Interface:
			kind, ok := typeKindOf(def)
			if !ok {
				b.addViolation(violationUnmappedType(def.Kind, name, def.Position))
				continue
			}
			b.model.Types[name] = &Type{Name: name, Kind: kind, Description: def.Description}
		default:
			b.addViolation(violationUnsupportedDefinition(def.Kind, name, def.Position))
		}
	}
}

func typeKindOf(def *language.Definition) (TypeKind, bool) {
	switch {
	case def.Directives.ForName("entity") != nil:
		return TypeKindEntity, true
	case def.Directives.ForName("embeddable") != nil:
		return TypeKindEmbeddable, true
	case def.Directives.ForName("mappedSuperclass") != nil, def.Kind == language.Interface:
		return TypeKindMappedSuperclass, true
	}
	return "", false
}

func (b *builder) resolveType(name string) {
	switch b.state[name] {
	case resolved:
		return
	case visiting:
		b.addViolation(violationInheritanceCycle(name, b.defs[name].Position))
		return
	}
	b.state[name] = visiting
	defer func() { b.state[name] = resolved }()

	def := b.defs[name]
	typ := b.model.Types[name]

	for _, iface := range def.Interfaces {
		st := b.model.Types[iface]
		if st == nil {
			if b.defs[iface] == nil {
				b.addViolation(violationTypeNotFound(iface, def.Position))
			}
			continue
		}
		if st.Kind != TypeKindMappedSuperclass {
			continue
		}
		if typ.Supertype != "" {
			b.addViolation(violationMultipleSupertypes(name, def.Position))
			continue
		}
		typ.Supertype = iface
	}
	if typ.Supertype != "" {
		b.resolveType(typ.Supertype)
		st := b.model.Types[typ.Supertype]
		for _, a := range st.Attributes {
			inherited := &Attribute{Owner: name, Name: a.Name, Kind: a.Kind, Description: a.Description}
			b.addAttribute(typ, inherited)
			if st.Identifier != nil && st.Identifier.Name == a.Name {
				typ.Identifier = inherited
			}
		}
	}

	for _, f := range def.Fields {
		if strings.HasPrefix(f.Name, "_") {
			continue
		}
		attr, inherited := b.model.attributes[[2]string{name, f.Name}]
		if !inherited {
			kind, ok := b.resolveKind(name, f)
			if !ok {
				continue
			}
			attr = &Attribute{Owner: name, Name: f.Name, Kind: kind, Description: f.Description}
			b.addAttribute(typ, attr)
		}
		if f.Directives.ForName("id") == nil {
			continue
		}
		switch {
		case typ.Kind == TypeKindEmbeddable:
			b.addViolation(violationEmbeddableIdentifier(name, f.Position))
		case typ.Identifier != nil && typ.Identifier.Name != f.Name:
			b.addViolation(violationDuplicateIdentifier(name, f.Name, f.Position))
		default:
			switch attr.Kind.(type) {
			case Basic, Embedded:
				typ.Identifier = attr
			default:
				b.addViolation(violationInvalidIdentifierKind(name, f.Name, f.Position))
			}
		}
	}

	if typ.Kind == TypeKindEntity && typ.Identifier == nil {
		b.addViolation(violationMissingIdentifier(name, def.Position))
	}
}

func (b *builder) addAttribute(typ *Type, a *Attribute) {
	typ.Attributes = append(typ.Attributes, a)
	b.model.attributes[[2]string{typ.Name, a.Name}] = a
}

func (b *builder) resolveKind(owner string, f *language.FieldDefinition) (Kind, bool) {
	t := f.Type
	coll := f.Directives.ForName("collection")
	if t.Elem == nil {
		if coll != nil {
			b.addViolation(violationCollectionNotList(owner, f.Name, f.Position))
			return nil, false
		}
		return b.namedKind(owner, f, t.NamedType)
	}
	if t.Elem.Elem != nil {
		b.addViolation(violationNestedList(owner, f.Name, f.Position))
		return nil, false
	}
	elem, ok := b.namedKind(owner, f, t.Elem.NamedType)
	if !ok {
		return nil, false
	}

	out := Collection{Nature: List, Element: elem}
	if coll == nil {
		return out, true
	}
	if arg := coll.Arguments.ForName("kind"); arg != nil && arg.Value != nil {
		switch arg.Value.Raw {
		case "LIST":
		case "SET":
			out.Nature = Set
		case "MAP":
			out.Nature = Map
		case "SORTED_MAP":
			out.Nature = SortedMap
		default:
			b.addViolation(violationUnknownCollectionKind(arg.Value.Raw, owner, f.Name, f.Position))
			return nil, false
		}
	}
	if out.Nature.Keyed() {
		key := "String"
		if arg := coll.Arguments.ForName("key"); arg != nil && arg.Value != nil {
			key = arg.Value.Raw
		}
		if _, ok := b.model.Scalars[key]; !ok {
			b.addViolation(violationKeyNotScalar(key, owner, f.Name, f.Position))
			return nil, false
		}
		out.Key = Basic{Scalar: key}
	}
	return out, true
}

func (b *builder) namedKind(owner string, f *language.FieldDefinition, name string) (Kind, bool) {
	if _, ok := b.model.Scalars[name]; ok {
		return Basic{Scalar: name}, true
	}
	t := b.model.Types[name]
	if t == nil {
		b.addViolation(violationTypeNotFound(name, f.Position))
		return nil, false
	}
	switch t.Kind {
	case TypeKindEntity:
		return EntityRef{Entity: name}, true
	case TypeKindEmbeddable:
		return Embedded{Type: name}, true
	}
	b.addViolation(violationSuperclassReference(name, owner, f.Name, f.Position))
	return nil, false
}

func builtIn(def *language.Definition) bool {
	if def.BuiltIn {
		return true
	}
	return def.Position != nil && def.Position.Src != nil && def.Position.Src.BuiltIn
}

// sortedScalarNames lists user scalars and enums in lexical order.
func (m *Model) sortedScalarNames() []string {
	names := make([]string, 0, len(m.Scalars))
	for name := range m.Scalars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
