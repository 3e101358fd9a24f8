package metamodel

import (
	"strings"
)

// Describe renders the model as plain sentences for a language model prompt.
// Deterministic ordering: type names sorted lexicographically.
func Describe(m *Model) string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, name := range m.TypeNames() {
		typ := m.Types[name]
		switch typ.Kind {
		case TypeKindEntity:
			describeHeader(&b, typ, "an entity type")
			describeSupertype(&b, typ)
			describeIdentifier(&b, typ)
		case TypeKindMappedSuperclass:
			describeHeader(&b, typ, "a mapped superclass type")
			describeSupertype(&b, typ)
			describeIdentifier(&b, typ)
		case TypeKindEmbeddable:
			describeHeader(&b, typ, "an embeddable type")
			describeSupertype(&b, typ)
		}
		describeAttributes(&b, typ.Attributes)
		b.WriteString("\n")
	}
	for _, name := range m.sortedScalarNames() {
		s := m.Scalars[name]
		if len(s.Values) == 0 {
			continue
		}
		b.WriteString("\"" + s.Name + "\" is an enumerated type with values: ")
		b.WriteString(strings.Join(s.Values, ", "))
		b.WriteString(".\n\n")
	}
	return b.String()
}

func describeHeader(b *strings.Builder, typ *Type, what string) {
	b.WriteString("\"" + typ.Name + "\" is " + what + ".\n")
	if typ.Description != "" {
		b.WriteString("It is described as: " + oneLine(typ.Description) + "\n")
	}
}

func describeSupertype(b *strings.Builder, typ *Type) {
	if typ.Supertype != "" {
		b.WriteString("It extends from the \"" + typ.Supertype + "\" type.\n")
	}
}

func describeIdentifier(b *strings.Builder, typ *Type) {
	if typ.Identifier == nil {
		b.WriteString("It has no identifier attribute.\n")
		return
	}
	b.WriteString("Its identifier attribute is called \"" + typ.Identifier.Name +
		"\" and is of type \"" + typ.Identifier.Kind.String() + "\".\n")
}

func describeAttributes(b *strings.Builder, attrs []*Attribute) {
	b.WriteString("Its attributes are (name => type):\n")
	for _, a := range attrs {
		b.WriteString("- \"" + a.Name + "\" => \"" + a.Kind.String() + "\"")
		if a.Description != "" {
			b.WriteString(" (" + oneLine(a.Description) + ")")
		}
		b.WriteString("\n")
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
