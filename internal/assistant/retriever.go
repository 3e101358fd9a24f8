package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
)

// DefaultInjectorPrompt is the text/template that combines a question with
// the retrieved contents for a downstream language model.
const DefaultInjectorPrompt = `{{.UserMessage}}

The query returned the following data:
{{.Contents}}

Answer the original question using natural language and do not create a query!`

// Retriever supplies query results as context for a question asked of some
// other language model pipeline.
type Retriever struct {
	asst   *Assistant
	exec   Executor
	inject *template.Template
	log    *slog.Logger
}

// NewRetriever returns a retriever answering questions with queries created
// by a and run by exec. Contents are injected with DefaultInjectorPrompt.
func NewRetriever(a *Assistant, exec Executor) *Retriever {
	return &Retriever{
		asst:   a,
		exec:   exec,
		inject: template.Must(template.New("injector").Option("missingkey=error").Parse(DefaultInjectorPrompt)),
		log:    a.log,
	}
}

// WithInjectorPrompt replaces the injector template.
func (r *Retriever) WithInjectorPrompt(text string) (*Retriever, error) {
	tmpl, err := template.New("injector").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse injector template: %w", err)
	}
	out := *r
	out.inject = tmpl
	return &out, nil
}

// Retrieve creates a query for question and returns its rendered rows as a
// single content item. A query that fails to execute or render is logged
// and yields no contents; failing to create the query is an error.
func (r *Retriever) Retrieve(ctx context.Context, question string) ([]string, error) {
	q, err := r.asst.CreateQuery(ctx, question, "")
	if err != nil {
		return nil, err
	}
	data, err := r.asst.ExecuteQueryToString(ctx, q, r.exec)
	if err != nil {
		r.log.Error("execute query", "query", q.Text, "err", err)
		return []string{}, nil
	}
	return []string{data}, nil
}

// Inject renders the injector template for question and contents. Contents
// are joined by blank lines.
func (r *Retriever) Inject(question string, contents []string) (string, error) {
	var b strings.Builder
	data := struct{ UserMessage, Contents string }{question, strings.Join(contents, "\n\n")}
	if err := r.inject.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render injector template: %w", err)
	}
	return b.String(), nil
}
