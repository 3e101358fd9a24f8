// Package assistant turns natural language questions into object queries
// over a metamodel, and query results back into natural language answers.
//
// The conversation is kept in a memory.Memory whose first message is the
// system prompt describing the model. Query rows are rendered with the
// serializer before they are handed back to the language model.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	chat "github.com/hanpama/modelquery/internal/chat"
	eventbus "github.com/hanpama/modelquery/internal/eventbus"
	events "github.com/hanpama/modelquery/internal/events"
	memory "github.com/hanpama/modelquery/internal/memory"
	metamodel "github.com/hanpama/modelquery/internal/metamodel"
	selection "github.com/hanpama/modelquery/internal/selection"
	serializer "github.com/hanpama/modelquery/internal/serializer"
)

// DefaultPrompt is the system prompt template. {{.Metamodel}} is replaced
// by the model description.
const DefaultPrompt = `You are an expert in writing object queries in an HQL-like query language.
You have access to an entity model with the following structure:

{{.Metamodel}}
If a user asks a question that can be answered by querying this model, generate a SELECT query.
The query must not include any input parameters.
Do not output anything else aside from a valid query statement!`

// NoResults is the data text for a query without rows.
const NoResults = "The query did not return any results."

const answerInstruction = "\nAnswer the original question using natural language and do not create a query!"

// Purposes of language model calls, as reported in chat events.
const (
	PurposeQuery  = "query"
	PurposeAnswer = "answer"
)

var (
	// ErrNoQuery is returned when no query could be found in the model reply.
	ErrNoQuery = errors.New("assistant: no query in model response")
	// ErrUnknownType is returned for a result type the model does not know.
	ErrUnknownType = errors.New("assistant: unknown result type")
)

// Executor runs a parsed query and returns its rows, one value per row.
type Executor interface {
	Execute(ctx context.Context, q *selection.Query) ([]any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, q *selection.Query) ([]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, q *selection.Query) ([]any, error) {
	return f(ctx, q)
}

// Rows returns an executor that ignores the query and yields rows.
func Rows(rows []any) Executor {
	return ExecutorFunc(func(context.Context, *selection.Query) ([]any, error) { return rows, nil })
}

type options struct {
	memory     memory.Memory
	prompt     string
	logger     *slog.Logger
	serializer []serializer.Option
}

type Option func(*options)

// WithMemory sets the conversation store. Defaults to an in-memory window
// of memory.DefaultMaxMessages messages.
func WithMemory(m memory.Memory) Option { return func(o *options) { o.memory = m } }

// WithPrompt replaces DefaultPrompt with another text/template.
func WithPrompt(tmpl string) Option { return func(o *options) { o.prompt = tmpl } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithSerializerOptions configures how query rows are rendered.
func WithSerializerOptions(opts ...serializer.Option) Option {
	return func(o *options) { o.serializer = append(o.serializer, opts...) }
}

type Assistant struct {
	model  *metamodel.Model
	llm    chat.Model
	mem    memory.Memory
	ser    *serializer.Serializer
	system chat.Message
	log    *slog.Logger
}

// New renders the system prompt for m and stores it as the first message of
// the conversation, replacing any earlier system prompt.
func New(ctx context.Context, m *metamodel.Model, llm chat.Model, opts ...Option) (*Assistant, error) {
	o := options{prompt: DefaultPrompt, logger: slog.Default()}
	for _, f := range opts {
		f(&o)
	}
	if o.memory == nil {
		o.memory = memory.NewWindow(memory.DefaultMaxMessages)
	}
	prompt, err := renderPrompt(o.prompt, m)
	if err != nil {
		return nil, err
	}
	a := &Assistant{
		model:  m,
		llm:    llm,
		mem:    o.memory,
		ser:    serializer.New(m, append([]serializer.Option{serializer.WithLogger(o.logger)}, o.serializer...)...),
		system: chat.System(prompt),
		log:    o.logger,
	}
	a.log.Debug("system prompt", "prompt", prompt)
	if err := a.mem.Add(ctx, a.system); err != nil {
		return nil, fmt.Errorf("store system prompt: %w", err)
	}
	return a, nil
}

func renderPrompt(text string, m *metamodel.Model) (string, error) {
	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, struct{ Metamodel string }{metamodel.Describe(m)}); err != nil {
		return "", fmt.Errorf("render prompt template: %w", err)
	}
	return b.String(), nil
}

// Fork returns an assistant over the same model and language model that
// keeps its conversation in mem, starting with the system prompt.
func (a *Assistant) Fork(ctx context.Context, mem memory.Memory) (*Assistant, error) {
	f := *a
	f.mem = mem
	if err := mem.Add(ctx, a.system); err != nil {
		return nil, fmt.Errorf("store system prompt: %w", err)
	}
	return &f, nil
}

// SystemPrompt returns the rendered system prompt.
func (a *Assistant) SystemPrompt() string { return a.system.Content }

// Serializer returns the serializer used for query rows.
func (a *Assistant) Serializer() *serializer.Serializer { return a.ser }

// ClearMemory drops the conversation and keeps only the system prompt.
func (a *Assistant) ClearMemory(ctx context.Context) error {
	if err := a.mem.Clear(ctx); err != nil {
		return err
	}
	return a.mem.Add(ctx, a.system)
}

// CreateQuery asks the language model for a query answering question. A
// non-empty resultType must name a model type; the model is then told to
// return objects of that type.
func (a *Assistant) CreateQuery(ctx context.Context, question, resultType string) (*selection.Query, error) {
	if resultType != "" {
		if a.model.Type(resultType) == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownType, resultType)
		}
		question += fmt.Sprintf("\nThe query must return objects of type %q.", resultType)
	}
	a.log.Info("user message", "message", question)
	if err := a.mem.Add(ctx, chat.User(question)); err != nil {
		return nil, err
	}

	resp, err := a.call(ctx, PurposeQuery, querySchema)
	if err != nil {
		return nil, err
	}
	a.log.Info("raw model response", "response", resp.Content)
	if err := a.mem.Add(ctx, chat.Assistant(resp.Content)); err != nil {
		return nil, err
	}

	text, err := extractQuery(resp.Content)
	if err != nil {
		return nil, err
	}
	a.log.Info("extracted query", "query", text)
	q, err := selection.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoQuery, err)
	}
	return q, nil
}

// ExecuteQueryToString runs q and renders its rows.
func (a *Assistant) ExecuteQueryToString(ctx context.Context, q *selection.Query, exec Executor) (string, error) {
	rows, err := exec.Execute(ctx, q)
	if err != nil {
		return "", fmt.Errorf("execute query: %w", err)
	}
	if len(rows) == 0 {
		return NoResults, nil
	}
	return a.Serialize(ctx, q, rows)
}

// Serialize renders rows of q and reports the call on the event bus.
func (a *Assistant) Serialize(ctx context.Context, q *selection.Query, rows []any) (string, error) {
	start := time.Now()
	eventbus.Publish(ctx, events.SerializeStart{Query: q.Text, Rows: len(rows)})
	out, err := a.ser.SerializeQuery(rows, q)
	eventbus.Publish(ctx, events.SerializeFinish{
		Query:    q.Text,
		Rows:     len(rows),
		Bytes:    len(out),
		Err:      err,
		Duration: time.Since(start),
	})
	return out, err
}

// ExecuteQuery runs q and asks the language model to answer the original
// question from the rendered rows.
func (a *Assistant) ExecuteQuery(ctx context.Context, q *selection.Query, exec Executor) (string, error) {
	data, err := a.ExecuteQueryToString(ctx, q, exec)
	if err != nil {
		return "", err
	}
	return a.Answer(ctx, data)
}

// Answer hands query data back to the language model and returns its
// natural language reply.
func (a *Assistant) Answer(ctx context.Context, data string) (string, error) {
	prompt := "The query returned the following data:\n" + data + answerInstruction
	a.log.Info("query result prompt", "prompt", prompt)
	if err := a.mem.Add(ctx, chat.User(prompt)); err != nil {
		return "", err
	}
	resp, err := a.call(ctx, PurposeAnswer, nil)
	if err != nil {
		return "", err
	}
	if err := a.mem.Add(ctx, chat.Assistant(resp.Content)); err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Remember appends a user message without calling the language model.
func (a *Assistant) Remember(ctx context.Context, question string) error {
	return a.mem.Add(ctx, chat.User(question))
}

func (a *Assistant) call(ctx context.Context, purpose string, schema []byte) (*chat.Response, error) {
	msgs, err := a.mem.Messages(ctx)
	if err != nil {
		return nil, err
	}
	req := &chat.Request{Messages: msgs}
	if schema != nil {
		req.Schema = schema
		req.SchemaName = "query"
	}

	start := time.Now()
	eventbus.Publish(ctx, events.ChatStart{Purpose: purpose, Messages: len(msgs)})
	resp, err := a.llm.Chat(ctx, req)
	finish := events.ChatFinish{Purpose: purpose, Err: err, Duration: time.Since(start)}
	if resp != nil {
		finish.Model = resp.Model
		finish.PromptTokens = resp.PromptTokens
		finish.CompletionTokens = resp.CompletionTokens
	}
	eventbus.Publish(ctx, finish)
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w", purpose, err)
	}
	return resp, nil
}
