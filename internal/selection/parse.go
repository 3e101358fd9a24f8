package selection

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSyntax is returned for queries whose select or from clause cannot be read.
var ErrSyntax = errors.New("selection: syntax error")

// Query is the parsed outline of an object query: its roots, joins and the
// shape of its result rows. Predicates and ordering are kept only in Text.
type Query struct {
	Text     string
	Distinct bool
	Roots    []*Root
	Joins    []*Join
	Shape    *Shape
}

// Join is a joined path or entity with its alias. Node is what the alias
// stands for in the select list.
type Join struct {
	Node  Node
	Alias string
	Fetch bool
}

// ResultType returns the entity type of a single-column query that selects
// a root, or "".
func (q *Query) ResultType() string {
	if q.Shape.Width() != 1 {
		return ""
	}
	if r, ok := q.Shape.Columns[0].(*Root); ok {
		return r.Type
	}
	return ""
}

var keywords = map[string]bool{
	"select": true, "from": true, "where": true, "join": true, "left": true,
	"right": true, "inner": true, "outer": true, "full": true, "cross": true,
	"fetch": true, "as": true, "on": true, "with": true, "group": true,
	"order": true, "by": true, "having": true, "limit": true, "offset": true,
	"union": true, "intersect": true, "except": true, "distinct": true,
	"and": true, "or": true, "not": true, "null": true, "true": true,
	"false": true, "case": true, "when": true, "then": true, "else": true,
	"end": true, "new": true, "in": true, "is": true, "like": true, "between": true,
}

var clauseKeywords = []string{"where", "group", "order", "having", "limit", "offset", "union", "intersect", "except"}

var facets = map[string]bool{"element": true, "key": true, "index": true, "value": true}

func isKeyword(t token) bool { return t.kind == tokIdent && keywords[strings.ToLower(t.text)] }

func isClause(t token) bool {
	for _, kw := range clauseKeywords {
		if t.is(kw) {
			return true
		}
	}
	return false
}

// Parse reads the select and from clauses of a query. Without a select
// clause every root of the from clause becomes a column.
func Parse(text string) (*Query, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimSpace(strings.TrimSuffix(text, ";"))
	if text == "" {
		return nil, fmt.Errorf("%w: empty query", ErrSyntax)
	}
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	p := &parser{src: text, toks: toks, aliases: map[string]Node{}}
	return p.parse()
}

type parser struct {
	src     string
	toks    []token
	aliases map[string]Node
	roots   []*Root
}

func (p *parser) errorf(i int, format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", ErrSyntax, fmt.Sprintf(format, args...), p.toks[i].pos)
}

func (p *parser) parse() (*Query, error) {
	q := &Query{Text: p.src}
	i := 0
	selStart, selEnd := -1, -1
	if p.toks[0].is("select") {
		i = 1
		if p.toks[i].is("distinct") {
			q.Distinct = true
			i++
		}
		selStart = i
		selEnd = p.scanTo(i, "from")
		if selEnd < 0 {
			return nil, p.errorf(len(p.toks)-1, "missing FROM clause")
		}
		i = selEnd
	}
	if !p.toks[i].is("from") {
		return nil, p.errorf(i, "expected SELECT or FROM, found %q", p.toks[i].text)
	}
	if _, err := p.parseFrom(q, i+1); err != nil {
		return nil, err
	}

	if selStart < 0 {
		cols := make([]Node, len(q.Roots))
		for k, r := range q.Roots {
			cols[k] = r
		}
		q.Shape = NewShape(cols...)
		return q, nil
	}

	shape := &Shape{}
	for _, item := range p.split(selStart, selEnd) {
		a, b := item[0], item[1]
		if a == b {
			return nil, p.errorf(a, "empty select item")
		}
		label := ""
		if b-a >= 3 && p.toks[b-2].is("as") && p.toks[b-1].kind == tokIdent {
			label = p.toks[b-1].text
			b -= 2
		} else if b-a >= 2 && p.bareAlias(b) {
			label = p.toks[b-1].text
			b--
		}
		node := p.classify(a, b)
		if label == "" {
			label = p.src[p.toks[a].pos:p.toks[b-1].end]
		}
		shape.Columns = append(shape.Columns, node)
		shape.Labels = append(shape.Labels, label)
	}
	q.Shape = shape
	return q, nil
}

// bareAlias reports whether the token before end is an alias written
// without AS, as in "c.name n" or "count(*) total".
func (p *parser) bareAlias(end int) bool {
	last, prev := p.toks[end-1], p.toks[end-2]
	if last.kind != tokIdent || isKeyword(last) {
		return false
	}
	switch prev.kind {
	case tokIdent:
		return !isKeyword(prev) || prev.is("end")
	case tokNumber, tokString:
		return true
	case tokPunct:
		return prev.text == ")"
	}
	return false
}

// scanTo returns the index of the first keyword kw at parenthesis depth 0
// starting from i, or -1.
func (p *parser) scanTo(i int, kw string) int {
	depth := 0
	for ; p.toks[i].kind != tokEOF; i++ {
		t := p.toks[i]
		switch {
		case t.is("("):
			depth++
		case t.is(")"):
			depth--
		case depth == 0 && t.is(kw):
			return i
		}
	}
	return -1
}

// split cuts [a, b) at commas of parenthesis depth 0.
func (p *parser) split(a, b int) [][2]int {
	var out [][2]int
	depth, start := 0, a
	for i := a; i < b; i++ {
		switch {
		case p.toks[i].is("("):
			depth++
		case p.toks[i].is(")"):
			depth--
		case depth == 0 && p.toks[i].is(","):
			out = append(out, [2]int{start, i})
			start = i + 1
		}
	}
	return append(out, [2]int{start, b})
}

// closing returns the index of the parenthesis matching the one at i.
func (p *parser) closing(i int) int {
	depth := 0
	for j := i; p.toks[j].kind != tokEOF; j++ {
		if p.toks[j].is("(") {
			depth++
		} else if p.toks[j].is(")") {
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return -1
}

func (p *parser) classify(a, b int) Node {
	if p.toks[a].is("(") && p.closing(a) == b-1 {
		parts := p.split(a+1, b-1)
		if len(parts) == 1 {
			if parts[0][0] == parts[0][1] {
				return &Opaque{Text: p.src[p.toks[a].pos:p.toks[b-1].end]}
			}
			return p.classify(parts[0][0], parts[0][1])
		}
		items := make([]Node, 0, len(parts))
		for _, part := range parts {
			if part[0] == part[1] {
				return &Opaque{Text: p.src[p.toks[a].pos:p.toks[b-1].end]}
			}
			items = append(items, p.classify(part[0], part[1]))
		}
		return &Tuple{Items: items}
	}
	if node, j, ok := p.pathAt(a); ok && j == b {
		return node
	}
	return &Opaque{Text: p.src[p.toks[a].pos:p.toks[b-1].end]}
}

// pathAt reads an attribute path starting at i: an alias or attribute name,
// optionally wrapped in a collection facet function, followed by dotted steps.
func (p *parser) pathAt(i int) (Node, int, bool) {
	t := p.toks[i]
	if t.kind != tokIdent {
		return nil, i, false
	}
	var node Node
	if facet := strings.ToLower(t.text); facets[facet] && p.toks[i+1].is("(") {
		inner, j, ok := p.pathAt(i + 2)
		if !ok || !p.toks[j].is(")") {
			return nil, i, false
		}
		ip, isPath := inner.(*Path)
		if !isPath {
			return nil, i, false
		}
		if ip.Implicit {
			if parent, ok := ip.Parent.(*Path); ok {
				ip = parent
			}
		}
		node = &Path{Parent: ip, Step: facet}
		i = j + 1
	} else {
		if isKeyword(t) {
			return nil, i, false
		}
		if n, ok := p.aliases[strings.ToLower(t.text)]; ok {
			node = n
		} else if len(p.roots) == 1 {
			node = &Path{Parent: p.roots[0], Step: t.text}
		} else {
			return nil, i, false
		}
		i++
	}
	for p.toks[i].is(".") && p.toks[i+1].kind == tokIdent {
		node = &Path{Parent: node, Step: p.toks[i+1].text}
		i += 2
	}
	return node, i, true
}

func (p *parser) parseFrom(q *Query, i int) (int, error) {
	for {
		root, next, err := p.parseRoot(i)
		if err != nil {
			return i, err
		}
		q.Roots = append(q.Roots, root)
		p.roots = append(p.roots, root)
		p.aliases[strings.ToLower(root.String())] = root
		i = next
		for {
			next, ok, err := p.parseJoin(q, i)
			if err != nil {
				return i, err
			}
			if !ok {
				break
			}
			i = next
		}
		if p.toks[i].is(",") {
			i++
			continue
		}
		break
	}
	if t := p.toks[i]; t.kind != tokEOF && !isClause(t) {
		return i, p.errorf(i, "unexpected %q in FROM clause", t.text)
	}
	return i, nil
}

// entityName reads a possibly qualified type name and keeps its last segment.
func (p *parser) entityName(i int) (string, int, error) {
	if p.toks[i].kind != tokIdent || isKeyword(p.toks[i]) {
		return "", i, p.errorf(i, "expected entity name")
	}
	name := p.toks[i].text
	i++
	for p.toks[i].is(".") && p.toks[i+1].kind == tokIdent {
		name = p.toks[i+1].text
		i += 2
	}
	return name, i, nil
}

func (p *parser) alias(i int) (string, int) {
	if p.toks[i].is("as") {
		i++
	}
	if t := p.toks[i]; t.kind == tokIdent && !isKeyword(t) {
		return t.text, i + 1
	}
	return "", i
}

func (p *parser) parseRoot(i int) (*Root, int, error) {
	name, i, err := p.entityName(i)
	if err != nil {
		return nil, i, err
	}
	root := &Root{Type: name}
	root.Alias, i = p.alias(i)
	return root, i, nil
}

func (p *parser) parseJoin(q *Query, i int) (int, bool, error) {
	start := i
	switch {
	case p.toks[i].is("left"), p.toks[i].is("right"), p.toks[i].is("full"):
		i++
		if p.toks[i].is("outer") {
			i++
		}
	case p.toks[i].is("inner"), p.toks[i].is("cross"):
		i++
	}
	if !p.toks[i].is("join") {
		if i != start {
			return i, false, p.errorf(i, "expected JOIN")
		}
		return i, false, nil
	}
	i++
	join := &Join{}
	if p.toks[i].is("fetch") {
		join.Fetch = true
		i++
	}

	t := p.toks[i]
	_, isAlias := p.aliases[strings.ToLower(t.text)]
	if t.kind == tokIdent && !isAlias && !p.toks[i+1].is(".") && startsUpper(t.text) {
		// entity join
		name, next, err := p.entityName(i)
		if err != nil {
			return i, false, err
		}
		root := &Root{Type: name}
		root.Alias, i = p.alias(next)
		join.Node, join.Alias = root, root.Alias
	} else {
		node, next, ok := p.pathAt(i)
		if !ok {
			return i, false, p.errorf(i, "expected join path")
		}
		path, isPath := node.(*Path)
		if !isPath {
			return i, false, p.errorf(i, "join must navigate an attribute")
		}
		join.Node = &Path{Parent: path, Step: "element", Implicit: true}
		join.Alias, i = p.alias(next)
	}
	if join.Alias != "" {
		p.aliases[strings.ToLower(join.Alias)] = join.Node
	}
	q.Joins = append(q.Joins, join)

	if p.toks[i].is("on") || p.toks[i].is("with") {
		depth := 0
		for ; p.toks[i].kind != tokEOF; i++ {
			t := p.toks[i]
			if t.is("(") {
				depth++
			} else if t.is(")") {
				depth--
			}
			if depth == 0 && (t.is(",") || isClause(t) || startsJoin(t)) {
				break
			}
		}
	}
	return i, true, nil
}

func startsJoin(t token) bool {
	for _, kw := range []string{"join", "left", "right", "full", "inner", "cross"} {
		if t.is(kw) {
			return true
		}
	}
	return false
}

func startsUpper(s string) bool {
	return s != "" && s[0] >= 'A' && s[0] <= 'Z'
}
