package selection

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	pos  int // byte offset of the first character
	end  int // byte offset after the last character
}

// is reports whether t is the keyword or punctuation s, ignoring case.
func (t token) is(s string) bool {
	return (t.kind == tokIdent || t.kind == tokPunct) && strings.EqualFold(t.text, s)
}

var operators = []string{"<=", ">=", "<>", "!=", "||"}

func lex(src string) ([]token, error) {
	var out []token
	rs := []rune(src)
	// byte offsets for each rune index
	offs := make([]int, len(rs)+1)
	o := 0
	for i, r := range rs {
		offs[i] = o
		o += len(string(r))
	}
	offs[len(rs)] = o

	i := 0
	for i < len(rs) {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case unicode.IsLetter(r) || r == '_' || r == '$':
			j := i + 1
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '$') {
				j++
			}
			out = append(out, token{tokIdent, string(rs[i:j]), offs[i], offs[j]})
			i = j
		case unicode.IsDigit(r):
			j := i + 1
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.' || unicode.IsLetter(rs[j])) {
				j++
			}
			out = append(out, token{tokNumber, string(rs[i:j]), offs[i], offs[j]})
			i = j
		case r == '\'' || r == '"' || r == '`':
			j := i + 1
			for {
				if j >= len(rs) {
					return nil, fmt.Errorf("%w: unterminated literal at offset %d", ErrSyntax, offs[i])
				}
				if rs[j] == r {
					if j+1 < len(rs) && rs[j+1] == r {
						j += 2
						continue
					}
					break
				}
				j++
			}
			out = append(out, token{tokString, string(rs[i : j+1]), offs[i], offs[j+1]})
			i = j + 1
		default:
			tok := token{tokPunct, string(r), offs[i], offs[i+1]}
			if i+1 < len(rs) {
				pair := string(rs[i : i+2])
				for _, op := range operators {
					if pair == op {
						tok = token{tokPunct, pair, offs[i], offs[i+2]}
						break
					}
				}
			}
			out = append(out, tok)
			i += len([]rune(tok.text))
		}
	}
	out = append(out, token{kind: tokEOF, pos: len(src), end: len(src)})
	return out, nil
}
