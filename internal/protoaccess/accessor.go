package protoaccess

import (
	"fmt"

	serializer "github.com/hanpama/modelquery/internal/serializer"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Accessor reads protobuf messages for the serializer. Fields are found
// through the registry, or by their snake_case name for messages built
// elsewhere. Unset singular fields read as null.
type Accessor struct {
	reg *Registry
}

var _ serializer.Accessor = (*Accessor)(nil)

// NewAccessor returns an Accessor. reg may be nil.
func NewAccessor(reg *Registry) *Accessor {
	return &Accessor{reg: reg}
}

func (a *Accessor) Attribute(value any, typeName, name string) (any, error) {
	msg, ok := asMessage(value)
	if !ok {
		return serializer.ReflectAccessor{}.Attribute(value, typeName, name)
	}
	fd := a.field(msg.Descriptor(), typeName, name)
	if fd == nil {
		return nil, fmt.Errorf("%w: message %s has no field for %s.%s", serializer.ErrUnexpectedValue, msg.Descriptor().FullName(), typeName, name)
	}

	switch {
	case fd.IsList():
		l := msg.Get(fd).List()
		out := make([]any, l.Len())
		for i := range out {
			out[i] = a.handleValue(fd, l.Get(i))
		}
		return out, nil
	case fd.IsMap():
		m := msg.Get(fd).Map()
		out := make([]serializer.Entry, 0, m.Len())
		m.Range(func(k protoreflect.MapKey, v protoreflect.Value) bool {
			out = append(out, serializer.Entry{Key: k.Interface(), Value: a.handleValue(fd.MapValue(), v)})
			return true
		})
		return out, nil
	case fd.HasPresence() && !msg.Has(fd):
		return nil, nil
	}
	return a.handleValue(fd, msg.Get(fd)), nil
}

func (a *Accessor) field(md protoreflect.MessageDescriptor, typeName, name string) protoreflect.FieldDescriptor {
	if a.reg != nil {
		if fd := a.reg.FieldDescriptor(typeName, name); fd != nil && fd.ContainingMessage().FullName() == md.FullName() {
			return fd
		}
	}
	return md.Fields().ByName(nameField(name))
}

func (a *Accessor) Elements(value any) ([]any, bool) {
	if _, ok := asMessage(value); ok {
		return nil, false
	}
	return serializer.ReflectAccessor{}.Elements(value)
}

func (a *Accessor) Entries(value any) ([]serializer.Entry, bool) {
	if _, ok := asMessage(value); ok {
		return nil, false
	}
	return serializer.ReflectAccessor{}.Entries(value)
}

// handleValue converts a protobuf field value to a plain Go value. Messages
// stay messages so nested reads go through the same accessor.
func (a *Accessor) handleValue(fd protoreflect.FieldDescriptor, v protoreflect.Value) any {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		return v.Bool()
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		return int32(v.Int())
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		return v.Int()
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		return uint32(v.Uint())
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		return v.Uint()
	case protoreflect.FloatKind:
		return float32(v.Float())
	case protoreflect.DoubleKind:
		return v.Float()
	case protoreflect.StringKind:
		return v.String()
	case protoreflect.BytesKind:
		return v.Bytes()
	case protoreflect.EnumKind:
		ev := fd.Enum().Values().ByNumber(v.Enum())
		if ev == nil {
			return int32(v.Enum())
		}
		if a.reg != nil {
			if name, ok := a.reg.enumValues[ev.FullName()]; ok {
				return name
			}
		}
		return string(ev.Name())
	case protoreflect.MessageKind, protoreflect.GroupKind:
		return v.Message()
	}
	return v.Interface()
}

func asMessage(value any) (protoreflect.Message, bool) {
	switch v := value.(type) {
	case protoreflect.Message:
		return v, v.IsValid()
	case protoreflect.ProtoMessage:
		return v.ProtoReflect(), true
	}
	return nil, false
}
