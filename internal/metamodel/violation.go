package metamodel

import (
	"fmt"

	language "github.com/hanpama/modelquery/internal/language"
)

type Violation struct {
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

type ValidationError []*Violation

func (e ValidationError) Error() string {
	msg := "violations found:\n"
	for _, v := range e {
		line := "- " + v.Message
		if v.File != "" {
			line += fmt.Sprintf(" %s:%d:%d", v.File, v.Line, v.Column)
		}
		msg += line + "\n"
	}
	return msg
}

func violationWithPosition(message string, pos *language.Position) *Violation {
	v := &Violation{Message: message}
	if pos == nil {
		return v
	}
	if pos.Src != nil {
		v.File = pos.Src.Name
	}
	v.Line = pos.Line
	v.Column = pos.Column
	return v
}

func violationTypeNotFound(typeName string, pos *language.Position) *Violation {
	return violationWithPosition("Unknown type "+typeName, pos)
}

func violationUnmappedType(kind language.DefinitionKind, typeName string, pos *language.Position) *Violation {
	return violationWithPosition(
		fmt.Sprintf("%s type %s must be marked @entity, @embeddable or @mappedSuperclass", kind, typeName),
		pos,
	)
}

func violationUnsupportedDefinition(kind language.DefinitionKind, typeName string, pos *language.Position) *Violation {
	return violationWithPosition(fmt.Sprintf("%s type %s cannot be mapped", kind, typeName), pos)
}

func violationMissingIdentifier(typeName string, pos *language.Position) *Violation {
	return violationWithPosition("Entity "+typeName+" has no @id attribute", pos)
}

func violationDuplicateIdentifier(typeName, fieldName string, pos *language.Position) *Violation {
	return violationWithPosition(
		fmt.Sprintf("Type %s declares a second @id attribute %q", typeName, fieldName),
		pos,
	)
}

func violationEmbeddableIdentifier(typeName string, pos *language.Position) *Violation {
	return violationWithPosition("Embeddable "+typeName+" cannot declare an @id attribute", pos)
}

func violationInvalidIdentifierKind(typeName, fieldName string, pos *language.Position) *Violation {
	return violationWithPosition(
		fmt.Sprintf("Identifier %s.%s must be a scalar or an embeddable", typeName, fieldName),
		pos,
	)
}

func violationNestedList(typeName, fieldName string, pos *language.Position) *Violation {
	return violationWithPosition(
		fmt.Sprintf("Attribute %s.%s cannot be a list of lists", typeName, fieldName),
		pos,
	)
}

func violationCollectionNotList(typeName, fieldName string, pos *language.Position) *Violation {
	return violationWithPosition(
		fmt.Sprintf("@collection on %s.%s requires a list type", typeName, fieldName),
		pos,
	)
}

func violationUnknownCollectionKind(kind, typeName, fieldName string, pos *language.Position) *Violation {
	return violationWithPosition(
		fmt.Sprintf("Unknown collection kind %q on %s.%s", kind, typeName, fieldName),
		pos,
	)
}

func violationKeyNotScalar(key, typeName, fieldName string, pos *language.Position) *Violation {
	return violationWithPosition(
		fmt.Sprintf("Map key %s of %s.%s must be a scalar or enum", key, typeName, fieldName),
		pos,
	)
}

func violationSuperclassReference(target, typeName, fieldName string, pos *language.Position) *Violation {
	return violationWithPosition(
		fmt.Sprintf("Attribute %s.%s cannot reference mapped superclass %s", typeName, fieldName, target),
		pos,
	)
}

func violationMultipleSupertypes(typeName string, pos *language.Position) *Violation {
	return violationWithPosition("Type "+typeName+" extends more than one mapped superclass", pos)
}

func violationInheritanceCycle(typeName string, pos *language.Position) *Violation {
	return violationWithPosition("Type "+typeName+" inherits from itself", pos)
}
