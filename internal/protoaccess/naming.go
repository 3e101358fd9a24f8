package protoaccess

import (
	"strings"

	"google.golang.org/protobuf/reflect/protoreflect"
)

func nameMessage(typeName string) protoreflect.Name {
	return protoreflect.Name(typeName)
}

func nameField(attribute string) protoreflect.Name {
	return protoreflect.Name(snakeCase(attribute))
}

func nameEnumValue(enumName string, value string) protoreflect.Name {
	return protoreflect.Name(enumValuePrefix(enumName) + strings.ToUpper(value))
}

func enumValuePrefix(enumName string) string {
	return strings.ToUpper(snakeCase(enumName)) + "_"
}

// snakeCase converts a string from camelCase or PascalCase to snake_case.
func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}
