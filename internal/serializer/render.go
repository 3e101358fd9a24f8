package serializer

import (
	"bytes"
	"cmp"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	metamodel "github.com/hanpama/modelquery/internal/metamodel"
	selection "github.com/hanpama/modelquery/internal/selection"
)

type resolution struct {
	attr *metamodel.Attribute
	err  error
}

// renderState is the per-call state of Serialize.
type renderState struct {
	s        *Serializer
	buf      *strings.Builder
	tracker  tracker
	segments []string
	resolved map[*selection.Path]resolution
}

func newRenderState(s *Serializer) *renderState {
	return &renderState{
		s:        s,
		buf:      &strings.Builder{},
		resolved: map[*selection.Path]resolution{},
	}
}

func (st *renderState) push(seg string) { st.segments = append(st.segments, seg) }
func (st *renderState) pop()            { st.segments = st.segments[:len(st.segments)-1] }

func (st *renderState) fail(err error) error {
	var re *RenderError
	if errors.As(err, &re) {
		return err
	}
	return &RenderError{Path: strings.TrimPrefix(st.path(), "."), Err: err}
}

// capture renders fn into a separate buffer and returns its text.
func (st *renderState) capture(fn func() error) (string, error) {
	saved := st.buf
	b := &strings.Builder{}
	st.buf = b
	err := fn()
	st.buf = saved
	return b.String(), err
}

func (st *renderState) resolve(p *selection.Path) (*metamodel.Attribute, error) {
	if r, ok := st.resolved[p]; ok {
		return r.attr, r.err
	}
	attr, err := st.s.Resolve(p)
	st.resolved[p] = resolution{attr, err}
	return attr, err
}

func (st *renderState) renderColumn(v any, node selection.Node) error {
	switch n := node.(type) {
	case *selection.Root:
		attr := &metamodel.Attribute{Owner: n.Type, Name: n.String(), Kind: metamodel.EntityRef{Entity: n.Type}}
		return st.renderValue(v, attr)
	case *selection.Path:
		attr, err := st.resolve(n)
		if errors.Is(err, ErrUnresolvedPath) {
			st.s.log.Debug("rendering unresolved column", "path", n.String(), "err", err)
			st.bestEffort(v)
			return nil
		}
		if err != nil {
			return st.fail(err)
		}
		return st.renderValue(v, st.columnAttribute(v, attr))
	case *selection.Tuple:
		values, ok := tupleValues(v)
		if !ok {
			return st.fail(fmt.Errorf("%w: tuple column %s is %T", ErrTupleIndexOutOfRange, n, v))
		}
		return st.renderTuple(values, n.Items)
	case *selection.Opaque:
		st.bestEffort(v)
		return nil
	}
	return st.fail(fmt.Errorf("%w: column %T", ErrUnsupportedAttributeKind, node))
}

// columnAttribute narrows a plural column to its element kind. Result rows
// of a plural path are flattened per element, unless the row still holds the
// whole list or set.
func (st *renderState) columnAttribute(v any, attr *metamodel.Attribute) *metamodel.Attribute {
	coll, ok := attr.Kind.(metamodel.Collection)
	if !ok {
		return attr
	}
	if val, loaded := peek(v); loaded && !isNull(val) {
		if coll.Nature.Keyed() {
			// A keyed element row cannot be told apart from a whole map of
			// entity values, so only basic-valued maps stay whole.
			if _, isEntries := val.([]Entry); isEntries {
				return attr
			}
			if _, basic := coll.Element.(metamodel.Basic); basic {
				if _, isMap := st.s.acc.Entries(val); isMap {
					return attr
				}
			}
		} else if _, isColl := st.s.acc.Elements(val); isColl {
			return attr
		}
	}
	return &metamodel.Attribute{Owner: attr.Owner, Name: attr.Name, Kind: coll.Element, Description: attr.Description}
}

func (st *renderState) renderValue(v any, attr *metamodel.Attribute) error {
	if isNull(v) {
		st.buf.WriteString("null")
		return nil
	}
	v, loaded := peek(v)
	if !loaded {
		st.buf.WriteString(quote(UninitializedToken))
		return nil
	}
	if isNull(v) {
		st.buf.WriteString("null")
		return nil
	}

	switch k := attr.Kind.(type) {
	case metamodel.Basic:
		st.renderBasic(v, k)
		return nil
	case metamodel.Embedded:
		return st.renderEmbedded(v, k.Type)
	case metamodel.EntityRef:
		return st.renderEntity(v, k.Entity)
	case metamodel.Collection:
		return st.renderCollection(v, attr, k)
	}
	return st.fail(fmt.Errorf("%w: %s is %v", ErrUnsupportedAttributeKind, attr, attr.Kind))
}

func (st *renderState) renderBasic(v any, k metamodel.Basic) {
	if text, ok := numberText(v); ok {
		st.buf.WriteString(text)
		return
	}
	st.buf.WriteString(quote(st.s.reg.Converter(k.Scalar)(v)))
}

func (st *renderState) renderEntity(v any, entity string) error {
	idAttr, hasID := st.s.reg.IdentifierAttributeOf(entity)
	var idVal any
	if hasID {
		val, err := st.read(v, entity, idAttr.Name)
		if err != nil {
			return err
		}
		idVal = val
	} else {
		idAttr = nil
	}

	key, keyed := st.identityOf(v, idVal, idAttr)
	if keyed {
		if st.tracker.enter(entity, key) {
			ref := key.id
			if ref == "" {
				ref = "null"
			}
			st.buf.WriteString(quote(entity + "#" + ref))
			return nil
		}
		defer st.tracker.leave(entity, key)
	}
	return st.renderObject(v, entity, idAttr, idVal)
}

// renderEmbedded expands an embedded value. Shared values are tracked by
// address so that a value reaching itself fails instead of recursing.
func (st *renderState) renderEmbedded(v any, typeName string) error {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		key := identity{ptr: rv.Pointer()}
		if st.tracker.enter(typeName, key) {
			return st.fail(fmt.Errorf("%w: %s", ErrCyclicEmbeddable, typeName))
		}
		defer st.tracker.leave(typeName, key)
	}
	return st.renderObject(v, typeName, nil, nil)
}

// identityOf keys an entity by its identifier text, or by address when the
// identifier is missing. Plain struct values without an identifier cannot be
// keyed.
func (st *renderState) identityOf(v, idVal any, idAttr *metamodel.Attribute) (identity, bool) {
	if idAttr != nil && !isNull(idVal) {
		if val, loaded := peek(idVal); loaded && !isNull(val) {
			return identity{id: st.idText(val, idAttr)}, true
		}
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		return identity{ptr: rv.Pointer()}, true
	}
	return identity{}, false
}

func (st *renderState) idText(v any, idAttr *metamodel.Attribute) string {
	if text, ok := numberText(v); ok {
		return text
	}
	if b, ok := idAttr.Kind.(metamodel.Basic); ok {
		return st.s.reg.Converter(b.Scalar)(v)
	}
	text, _ := st.capture(func() error {
		st.bestEffort(v)
		return nil
	})
	return text
}

// renderObject writes the attributes of typeName in declaration order, the
// identifier first. Attributes starting with "_" are internal and skipped.
func (st *renderState) renderObject(v any, typeName string, idAttr *metamodel.Attribute, idVal any) error {
	st.buf.WriteByte('{')
	first := true
	member := func(a *metamodel.Attribute, val any) error {
		if !first {
			st.buf.WriteByte(',')
		}
		first = false
		st.buf.WriteString(quote(a.Name))
		st.buf.WriteByte(':')
		st.push("." + a.Name)
		defer st.pop()
		return st.renderValue(val, a)
	}

	if idAttr != nil {
		if err := member(idAttr, idVal); err != nil {
			return err
		}
	}
	for _, a := range st.s.reg.AttributesOf(typeName) {
		if (idAttr != nil && a.Name == idAttr.Name) || strings.HasPrefix(a.Name, "_") {
			continue
		}
		val, err := st.read(v, typeName, a.Name)
		if err != nil {
			return err
		}
		if err := member(a, val); err != nil {
			return err
		}
	}
	st.buf.WriteByte('}')
	return nil
}

// read fetches one attribute through the accessor. Failures carry the
// attribute's response path.
func (st *renderState) read(v any, typeName, name string) (any, error) {
	st.push("." + name)
	defer st.pop()
	val, err := st.s.acc.Attribute(v, typeName, name)
	if err != nil {
		return nil, st.fail(err)
	}
	return val, nil
}

func (st *renderState) renderCollection(v any, attr *metamodel.Attribute, k metamodel.Collection) error {
	elem := &metamodel.Attribute{Owner: attr.Owner, Name: attr.Name, Kind: k.Element}
	if k.Nature.Keyed() {
		entries, ok := st.s.acc.Entries(v)
		if !ok {
			return st.fail(fmt.Errorf("%w: %s expects a keyed collection, got %T", ErrUnexpectedValue, attr, v))
		}
		return st.renderEntries(entries, k, elem)
	}

	items, ok := st.s.acc.Elements(v)
	if !ok {
		return st.fail(fmt.Errorf("%w: %s expects a collection, got %T", ErrUnexpectedValue, attr, v))
	}
	if k.Nature == metamodel.List {
		st.buf.WriteByte('[')
		for i, item := range items {
			if i > 0 {
				st.buf.WriteByte(',')
			}
			st.push(fmt.Sprintf("[%d]", i))
			err := st.renderValue(item, elem)
			st.pop()
			if err != nil {
				return err
			}
		}
		st.buf.WriteByte(']')
		return nil
	}

	parts := make([]string, len(items))
	for i, item := range items {
		st.push(fmt.Sprintf("[%d]", i))
		text, err := st.capture(func() error { return st.renderValue(item, elem) })
		st.pop()
		if err != nil {
			return err
		}
		parts[i] = text
	}
	slices.Sort(parts)
	st.buf.WriteByte('[')
	st.buf.WriteString(strings.Join(parts, ","))
	st.buf.WriteByte(']')
	return nil
}

type renderedEntry struct {
	key     any
	keyText string
	value   string
}

func (st *renderState) renderEntries(entries []Entry, k metamodel.Collection, elem *metamodel.Attribute) error {
	out := make([]renderedEntry, len(entries))
	for i, e := range entries {
		keyText := st.keyText(e.Key, k.Key)
		st.push("[" + keyText + "]")
		text, err := st.capture(func() error { return st.renderValue(e.Value, elem) })
		st.pop()
		if err != nil {
			return err
		}
		out[i] = renderedEntry{key: e.Key, keyText: keyText, value: text}
	}

	if k.Nature == metamodel.SortedMap {
		slices.SortStableFunc(out, compareKeys)
	} else {
		slices.SortStableFunc(out, func(a, b renderedEntry) int { return strings.Compare(a.keyText, b.keyText) })
	}

	st.buf.WriteByte('{')
	for i, e := range out {
		if i > 0 {
			st.buf.WriteByte(',')
		}
		st.buf.WriteString(quote(e.keyText))
		st.buf.WriteByte(':')
		st.buf.WriteString(e.value)
	}
	st.buf.WriteByte('}')
	return nil
}

func (st *renderState) keyText(key any, kind metamodel.Kind) string {
	if isNull(key) {
		return "null"
	}
	if text, ok := numberText(key); ok {
		return text
	}
	if b, ok := kind.(metamodel.Basic); ok {
		return st.s.reg.Converter(b.Scalar)(key)
	}
	return metamodel.DefaultConverter(key)
}

// compareKeys orders sorted map keys naturally: numbers numerically, strings
// and times chronologically or lexically, anything else by key text.
func compareKeys(a, b renderedEntry) int {
	if fa, ok := toFloat(a.key); ok {
		if fb, ok := toFloat(b.key); ok {
			return cmp.Compare(fa, fb)
		}
	}
	if ta, ok := a.key.(time.Time); ok {
		if tb, ok := b.key.(time.Time); ok {
			return ta.Compare(tb)
		}
	}
	if sa, ok := a.key.(string); ok {
		if sb, ok := b.key.(string); ok {
			return strings.Compare(sa, sb)
		}
	}
	return strings.Compare(a.keyText, b.keyText)
}

// bestEffort renders a value with no attribute interpretation. It never
// fails.
func (st *renderState) bestEffort(v any) {
	if isNull(v) {
		st.buf.WriteString("null")
		return
	}
	v, loaded := peek(v)
	if !loaded {
		st.buf.WriteString(quote(UninitializedToken))
		return
	}
	if isNull(v) {
		st.buf.WriteString("null")
		return
	}
	if text, ok := numberText(v); ok {
		st.buf.WriteString(text)
		return
	}
	switch x := v.(type) {
	case string:
		st.buf.WriteString(quote(x))
		return
	case []byte:
		st.buf.WriteString(quote(base64.StdEncoding.EncodeToString(x)))
		return
	}
	if items, ok := tupleValues(v); ok {
		st.buf.WriteByte('[')
		for i, item := range items {
			if i > 0 {
				st.buf.WriteByte(',')
			}
			st.bestEffort(item)
		}
		st.buf.WriteByte(']')
		return
	}
	if reflect.ValueOf(v).Kind() == reflect.Map {
		entries, _ := ReflectAccessor{}.Entries(v)
		keys := make([]string, len(entries))
		byKey := make(map[string]any, len(entries))
		for i, e := range entries {
			keys[i] = metamodel.DefaultConverter(e.Key)
			byKey[keys[i]] = e.Value
		}
		slices.Sort(keys)
		st.buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				st.buf.WriteByte(',')
			}
			st.buf.WriteString(quote(k))
			st.buf.WriteByte(':')
			st.bestEffort(byKey[k])
		}
		st.buf.WriteByte('}')
		return
	}
	st.buf.WriteString(quote(metamodel.DefaultConverter(v)))
}

// peek unwraps Lazy values and reports whether v was fetched.
func peek(v any) (any, bool) {
	if v == Uninitialized {
		return nil, false
	}
	if l, ok := v.(Lazy); ok {
		return l.Peek()
	}
	return v, true
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// numberText formats numeric values for unquoted output. Non-finite floats
// and named numeric types with their own String method are not numbers.
func numberText(v any) (string, bool) {
	if n, ok := v.(json.Number); ok {
		return n.String(), true
	}
	if _, ok := v.(fmt.Stringer); ok {
		return "", false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", false
		}
		bits := 64
		if rv.Kind() == reflect.Float32 {
			bits = 32
		}
		return strconv.FormatFloat(f, 'g', -1, bits), true
	}
	return "", false
}

func toFloat(v any) (float64, bool) {
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		return f, err == nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// quote writes s as a JSON string literal without HTML escaping.
func quote(s string) string {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSuffix(b.String(), "\n")
}
