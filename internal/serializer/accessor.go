package serializer

import (
	"fmt"
	"reflect"
	"strings"
)

// ReflectAccessor reads plain Go values: maps keyed by attribute name, such
// as decoded JSON objects, and structs.
//
// A missing map key is an attribute that was not fetched. Struct fields match
// the attribute name through the Tag (default "json") or, failing that, the
// field name ignoring case.
type ReflectAccessor struct {
	Tag string
}

var _ Accessor = ReflectAccessor{}

func (a ReflectAccessor) Attribute(value any, typeName, name string) (any, error) {
	if m, ok := value.(map[string]any); ok {
		v, ok := m[name]
		if !ok {
			return Uninitialized, nil
		}
		return v, nil
	}

	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		v := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return Uninitialized, nil
		}
		return v.Interface(), nil
	case reflect.Struct:
		if f, ok := a.field(rv, name); ok {
			return f.Interface(), nil
		}
		return nil, fmt.Errorf("%w: %s has no field for %s.%s", ErrUnexpectedValue, rv.Type(), typeName, name)
	}
	return nil, fmt.Errorf("%w: cannot read %s.%s from %T", ErrUnexpectedValue, typeName, name, value)
}

func (a ReflectAccessor) field(rv reflect.Value, name string) (reflect.Value, bool) {
	tag := a.Tag
	if tag == "" {
		tag = "json"
	}
	t := rv.Type()
	byName := -1
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		if tv, ok := sf.Tag.Lookup(tag); ok {
			if tn, _, _ := strings.Cut(tv, ","); tn == name {
				return rv.Field(i), true
			}
		}
		if byName < 0 && strings.EqualFold(sf.Name, name) {
			byName = i
		}
	}
	if byName >= 0 {
		return rv.Field(byName), true
	}
	return reflect.Value{}, false
}

func (ReflectAccessor) Elements(value any) ([]any, bool) {
	if items, ok := value.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, false
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	}
	return nil, false
}

func (ReflectAccessor) Entries(value any) ([]Entry, bool) {
	if entries, ok := value.([]Entry); ok {
		return entries, true
	}
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Map {
		return nil, false
	}
	out := make([]Entry, 0, rv.Len())
	it := rv.MapRange()
	for it.Next() {
		out = append(out, Entry{Key: it.Key().Interface(), Value: it.Value().Interface()})
	}
	return out, true
}

// tupleValues reads the components of a tuple row value.
func tupleValues(value any) ([]any, bool) {
	if items, ok := value.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, false
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	}
	return nil, false
}
