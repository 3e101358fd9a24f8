package selection

import "strings"

// Node is one positional slot of a result row, or a part of it. The variants
// are Root, Path, Tuple and Opaque.
type Node interface {
	String() string
	isNode()
}

// Root is an entity selected directly from the from clause.
type Root struct {
	Type  string
	Alias string
}

// Path navigates one step from its parent. Parent is a Root or a Path.
// Implicit marks the element step introduced by a join alias; it is a no-op
// when the joined attribute is not a collection.
type Path struct {
	Parent   Node
	Step     string
	Implicit bool
}

// Tuple is a parenthesized group of at least two items. The row value for a
// tuple column is itself a tuple.
type Tuple struct {
	Items []Node
}

// Opaque is an expression without attribute semantics, such as a function
// call, arithmetic or a literal.
type Opaque struct {
	Text string
}

func (*Root) isNode()   {}
func (*Path) isNode()   {}
func (*Tuple) isNode()  {}
func (*Opaque) isNode() {}

func (r *Root) String() string {
	if r.Alias != "" {
		return r.Alias
	}
	return r.Type
}

func (p *Path) String() string {
	if p.Implicit {
		return p.Parent.String()
	}
	switch p.Step {
	case "element", "key", "index", "value":
		if _, ok := p.Parent.(*Path); ok {
			return p.Step + "(" + p.Parent.String() + ")"
		}
	}
	return p.Parent.String() + "." + p.Step
}

func (t *Tuple) String() string {
	parts := make([]string, len(t.Items))
	for i, it := range t.Items {
		parts[i] = it.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (o *Opaque) String() string { return o.Text }

// Shape mirrors the select list of a query: one node per result column.
// It is built once per query and shared read-only by every row.
type Shape struct {
	Columns []Node
	// Labels holds the alias of each column, or its source text.
	Labels []string
}

// Width returns the number of columns.
func (s *Shape) Width() int { return len(s.Columns) }

// NewShape builds a shape whose labels are the columns' own text.
func NewShape(columns ...Node) *Shape {
	labels := make([]string, len(columns))
	for i, c := range columns {
		labels[i] = c.String()
	}
	return &Shape{Columns: columns, Labels: labels}
}

// RootOf walks up a path to its root. It returns nil for tuples and opaque
// expressions.
func RootOf(n Node) *Root {
	for {
		switch v := n.(type) {
		case *Root:
			return v
		case *Path:
			n = v.Parent
		default:
			return nil
		}
	}
}
