// Package protoaccess maps a metamodel onto protobuf messages and reads
// protobuf rows for the serializer.
package protoaccess

import (
	"fmt"
	"sort"
	"strings"

	metamodel "github.com/hanpama/modelquery/internal/metamodel"
	"github.com/jhump/protoreflect/v2/protobuilder"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// DefaultPackage is the proto package used when none is given.
const DefaultPackage = "modelquery.model"

var defaultScalarKinds = map[string]protoreflect.Kind{
	"String":  protoreflect.StringKind,
	"ID":      protoreflect.StringKind,
	"Int":     protoreflect.Int32Kind,
	"Float":   protoreflect.DoubleKind,
	"Boolean": protoreflect.BoolKind,
}

type Option func(*builder)

// WithPackage sets the proto package of the generated file.
func WithPackage(pkg string) Option {
	return func(b *builder) { b.pkg = pkg }
}

// WithScalarKind maps a custom scalar to a proto scalar kind. Unmapped
// custom scalars are carried as strings.
func WithScalarKind(scalar string, kind protoreflect.Kind) Option {
	return func(b *builder) { b.scalarKinds[scalar] = kind }
}

type builder struct {
	model       *metamodel.Model
	pkg         string
	scalarKinds map[string]protoreflect.Kind

	messageBuilders map[string]*protobuilder.MessageBuilder
	enumBuilders    map[string]*protobuilder.EnumBuilder
	// [message, field] -> [type, attribute]
	fieldMap map[[2]protoreflect.Name][2]string
	// [enum, value] -> model enum value
	enumValueMap map[[2]protoreflect.Name]string
}

// Build creates one proto3 message per entity and embeddable type of the
// model, plus one enum per enumerated scalar. Mapped superclasses have no
// message of their own; their attributes appear on every subtype.
func Build(m *metamodel.Model, opts ...Option) (*Registry, error) {
	b := &builder{
		model:           m,
		pkg:             DefaultPackage,
		scalarKinds:     map[string]protoreflect.Kind{},
		messageBuilders: map[string]*protobuilder.MessageBuilder{},
		enumBuilders:    map[string]*protobuilder.EnumBuilder{},
		fieldMap:        map[[2]protoreflect.Name][2]string{},
		enumValueMap:    map[[2]protoreflect.Name]string{},
	}
	for k, v := range defaultScalarKinds {
		b.scalarKinds[k] = v
	}
	for _, f := range opts {
		f(b)
	}

	fb := protobuilder.NewFile(strings.ReplaceAll(b.pkg, ".", "/") + "/model.proto")
	fb.SetPackageName(protoreflect.FullName(b.pkg))
	fb.SetSyntax(protoreflect.Proto3)

	// Pass 1: enums
	for _, name := range scalarNames(m) {
		if s := m.Scalars[name]; len(s.Values) > 0 {
			fb.AddEnum(b.addEnum(s))
		}
	}

	// Pass 2: one message per instantiable type
	typeNames := m.TypeNames()
	for _, name := range typeNames {
		t := m.Type(name)
		if t.Kind == metamodel.TypeKindMappedSuperclass {
			continue
		}
		mb := protobuilder.NewMessage(nameMessage(name))
		mb.SetComments(comment(t.Description))
		b.messageBuilders[name] = mb
		fb.AddMessage(mb)
	}

	// Pass 3: fields, once every message can be referenced
	for _, name := range typeNames {
		if mb, ok := b.messageBuilders[name]; ok {
			if err := b.addFields(m.Type(name), mb); err != nil {
				return nil, err
			}
		}
	}

	fd, err := fb.Build()
	if err != nil {
		return nil, fmt.Errorf("build proto file: %w", err)
	}
	return b.registry(fd), nil
}

func scalarNames(m *metamodel.Model) []string {
	names := make([]string, 0, len(m.Scalars))
	for name := range m.Scalars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *builder) addEnum(s *metamodel.Scalar) *protobuilder.EnumBuilder {
	eb := protobuilder.NewEnum(protoreflect.Name(s.Name))
	eb.SetComments(comment(s.Description))
	b.enumBuilders[s.Name] = eb

	// Zero value: <ENUM>_UNSPECIFIED = 0
	zero := protobuilder.NewEnumValue(nameEnumValue(s.Name, "UNSPECIFIED"))
	zero.SetNumber(0)
	eb.AddValue(zero)

	values := make([]*protobuilder.EnumValueBuilder, 0, len(s.Values))
	for _, v := range s.Values {
		if strings.ToUpper(v) == "UNSPECIFIED" {
			continue
		}
		evb := protobuilder.NewEnumValue(nameEnumValue(s.Name, v))
		eb.AddValue(evb)
		values = append(values, evb)
		b.enumValueMap[[2]protoreflect.Name{eb.Name(), evb.Name()}] = v
	}
	allocateEnumValueNumbers(values)
	return eb
}

func (b *builder) addFields(t *metamodel.Type, mb *protobuilder.MessageBuilder) error {
	fields := make([]*protobuilder.FieldBuilder, 0, len(t.Attributes))
	for _, a := range t.Attributes {
		fb, err := b.field(a)
		if err != nil {
			return err
		}
		fb.SetComments(comment(a.Description))
		mb.AddField(fb)
		fields = append(fields, fb)
		b.fieldMap[[2]protoreflect.Name{mb.Name(), fb.Name()}] = [2]string{t.Name, a.Name}
	}
	allocateFieldNumbers(fields)
	return nil
}

func (b *builder) field(a *metamodel.Attribute) (*protobuilder.FieldBuilder, error) {
	name := nameField(a.Name)
	coll, plural := a.Kind.(metamodel.Collection)
	if !plural {
		ft, err := b.fieldType(a, a.Kind)
		if err != nil {
			return nil, err
		}
		fb := protobuilder.NewField(name, ft)
		fb.SetOptional()
		if _, basic := a.Kind.(metamodel.Basic); basic {
			fb.SetProto3Optional(true)
		}
		return fb, nil
	}

	elem, err := b.fieldType(a, coll.Element)
	if err != nil {
		return nil, err
	}
	if !coll.Nature.Keyed() {
		fb := protobuilder.NewField(name, elem)
		fb.SetRepeated()
		return fb, nil
	}
	return protobuilder.NewMapField(name, b.mapKeyType(coll.Key), elem), nil
}

func (b *builder) fieldType(a *metamodel.Attribute, k metamodel.Kind) (*protobuilder.FieldType, error) {
	switch k := k.(type) {
	case metamodel.Basic:
		if eb, ok := b.enumBuilders[k.Scalar]; ok {
			return protobuilder.FieldTypeEnum(eb), nil
		}
		return protobuilder.FieldTypeScalar(b.scalarKind(k.Scalar)), nil
	case metamodel.Embedded, metamodel.EntityRef:
		if mb, ok := b.messageBuilders[metamodel.TypeName(k)]; ok {
			return protobuilder.FieldTypeMessage(mb), nil
		}
	}
	return nil, fmt.Errorf("attribute %s of kind %v has no proto mapping", a, a.Kind)
}

func (b *builder) scalarKind(scalar string) protoreflect.Kind {
	if kind, ok := b.scalarKinds[scalar]; ok {
		return kind
	}
	return protoreflect.StringKind
}

// mapKeyType narrows a map key to a kind proto allows as a key.
func (b *builder) mapKeyType(k metamodel.Kind) *protobuilder.FieldType {
	if basic, ok := k.(metamodel.Basic); ok {
		if _, isEnum := b.enumBuilders[basic.Scalar]; !isEnum {
			switch kind := b.scalarKind(basic.Scalar); kind {
			case protoreflect.FloatKind, protoreflect.DoubleKind, protoreflect.BytesKind:
			default:
				return protobuilder.FieldTypeScalar(kind)
			}
		}
	}
	return protobuilder.FieldTypeScalar(protoreflect.StringKind)
}

func (b *builder) registry(fd protoreflect.FileDescriptor) *Registry {
	r := &Registry{
		file:       fd,
		messages:   map[string]protoreflect.MessageDescriptor{},
		fields:     map[[2]string]protoreflect.FieldDescriptor{},
		enumValues: map[protoreflect.FullName]string{},
	}
	messages := fd.Messages()
	for i := 0; i < messages.Len(); i++ {
		md := messages.Get(i)
		r.messages[string(md.Name())] = md
		fields := md.Fields()
		for j := 0; j < fields.Len(); j++ {
			field := fields.Get(j)
			if names, ok := b.fieldMap[[2]protoreflect.Name{md.Name(), field.Name()}]; ok {
				r.fields[names] = field
			}
		}
	}
	enums := fd.Enums()
	for i := 0; i < enums.Len(); i++ {
		ed := enums.Get(i)
		values := ed.Values()
		for j := 0; j < values.Len(); j++ {
			ev := values.Get(j)
			if v, ok := b.enumValueMap[[2]protoreflect.Name{ed.Name(), ev.Name()}]; ok {
				r.enumValues[ev.FullName()] = v
			}
		}
	}
	return r
}
