// Package serializer renders query result rows as JSON-shaped text.
//
// The output mirrors the select list of the query: a single-column row
// renders bare, a multi-column row renders as a bracketed tuple, and several
// rows render as a bracketed sequence. Entities are expanded through the
// metadata registry; an entity already being expanded higher up the same
// descent renders as the reference "Type#id" instead. Values that were not
// fetched render as "<uninitialized>" and are never loaded.
package serializer

import (
	"fmt"
	"log/slog"
	"strings"

	selection "github.com/hanpama/modelquery/internal/selection"
)

// UninitializedToken is the text emitted for values that were not fetched.
const UninitializedToken = "<uninitialized>"

// Serializer is immutable and safe for concurrent use. Each Serialize call
// owns its own render state.
type Serializer struct {
	reg Registry
	acc Accessor
	log *slog.Logger
}

type Option func(*Serializer)

// WithAccessor sets how row values are read. Defaults to ReflectAccessor.
func WithAccessor(a Accessor) Option { return func(s *Serializer) { s.acc = a } }

func WithLogger(l *slog.Logger) Option { return func(s *Serializer) { s.log = l } }

func New(reg Registry, opts ...Option) *Serializer {
	s := &Serializer{reg: reg, acc: ReflectAccessor{}, log: slog.Default()}
	for _, f := range opts {
		f(s)
	}
	return s
}

// Serialize renders rows against shape. Any fatal error aborts the call
// without partial output; errors other than unresolved paths are wrapped in
// a *RenderError.
func (s *Serializer) Serialize(rows []any, shape *selection.Shape) (string, error) {
	if len(rows) == 0 {
		return "[]", nil
	}
	if shape == nil || shape.Width() == 0 {
		return "", &RenderError{Err: fmt.Errorf("%w: shape has no columns", ErrTupleIndexOutOfRange)}
	}

	st := newRenderState(s)
	defer st.tracker.reset()

	var err error
	if len(rows) == 1 {
		err = st.renderRow(rows[0], shape)
	} else {
		st.buf.WriteByte('[')
		for i, row := range rows {
			if i > 0 {
				st.buf.WriteByte(',')
			}
			st.push(fmt.Sprintf("[%d]", i))
			err = st.renderRow(row, shape)
			st.pop()
			if err != nil {
				break
			}
		}
		st.buf.WriteByte(']')
	}
	if err != nil {
		return "", err
	}
	return st.buf.String(), nil
}

// SerializeQuery renders rows against the shape of a parsed query.
func (s *Serializer) SerializeQuery(rows []any, q *selection.Query) (string, error) {
	return s.Serialize(rows, q.Shape)
}

func (st *renderState) renderRow(row any, shape *selection.Shape) error {
	if shape.Width() == 1 {
		return st.renderColumn(row, shape.Columns[0])
	}
	values, ok := tupleValues(row)
	if !ok {
		return st.fail(fmt.Errorf("%w: row for %d columns is %T", ErrTupleIndexOutOfRange, shape.Width(), row))
	}
	return st.renderTuple(values, shape.Columns)
}

func (st *renderState) renderTuple(values []any, nodes []selection.Node) error {
	st.buf.WriteByte('[')
	for i, n := range nodes {
		if i >= len(values) {
			return st.fail(fmt.Errorf("%w: index %d of %d components", ErrTupleIndexOutOfRange, i, len(values)))
		}
		if i > 0 {
			st.buf.WriteByte(',')
		}
		st.push(fmt.Sprintf("[%d]", i))
		err := st.renderColumn(values[i], n)
		st.pop()
		if err != nil {
			return err
		}
	}
	st.buf.WriteByte(']')
	return nil
}

func (st *renderState) path() string { return strings.Join(st.segments, "") }
