package serializer

import "errors"

var (
	// ErrUnresolvedPath marks a path with no attribute interpretation. It is
	// never returned from Serialize: such columns fall back to best effort.
	ErrUnresolvedPath = errors.New("serializer: unresolved path")
	// ErrUnknownCollectionFacet is returned when a step below a plural
	// attribute is not element, key, index or value, or does not apply.
	ErrUnknownCollectionFacet = errors.New("serializer: unknown collection facet")
	// ErrUnsupportedAttributeKind is returned for an attribute kind the
	// renderer has no rule for.
	ErrUnsupportedAttributeKind = errors.New("serializer: unsupported attribute kind")
	// ErrTupleIndexOutOfRange is returned when a row or tuple value has fewer
	// components than its shape.
	ErrTupleIndexOutOfRange = errors.New("serializer: tuple index out of range")
	// ErrUnexpectedValue is returned when the accessor cannot read a value in
	// the form its attribute kind requires.
	ErrUnexpectedValue = errors.New("serializer: unexpected value")
	// ErrCyclicEmbeddable is returned when an embedded value contains itself.
	// Embedded values have no identity to render a reference with.
	ErrCyclicEmbeddable = errors.New("serializer: embedded value contains itself")
)

// RenderError carries the response path at which rendering failed,
// for example "[0].employees[1]".
type RenderError struct {
	Path string
	Err  error
}

func (e *RenderError) Error() string {
	if e.Path == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + " at " + e.Path
}

func (e *RenderError) Unwrap() error { return e.Err }
