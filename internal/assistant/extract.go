package assistant

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var querySchema = []byte(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1}
  },
  "required": ["query"],
  "additionalProperties": false
}`)

var queryValidator = mustSchema(querySchema)

func mustSchema(raw []byte) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(err)
	}
	return s
}

// Statements run up to a semicolon or the end of the line. A select
// statement is preferred over a bare from clause.
var statementPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bselect\b[^;\n]*`),
	regexp.MustCompile(`(?i)\bfrom\b[^;\n]*`),
}

// extractQuery reads the query from a structured reply, or failing that
// from the first statement found in free text. Code fences are ignored.
func extractQuery(content string) (string, error) {
	content = strings.TrimSpace(content)
	if res, err := queryValidator.Validate(gojsonschema.NewStringLoader(content)); err == nil && res.Valid() {
		var reply struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(content), &reply); err == nil {
			return strings.TrimSpace(reply.Query), nil
		}
	}
	for _, p := range statementPatterns {
		stmt := strings.TrimSpace(strings.TrimRight(p.FindString(content), "`\"} "))
		if stmt != "" {
			return stmt, nil
		}
	}
	return "", ErrNoQuery
}
