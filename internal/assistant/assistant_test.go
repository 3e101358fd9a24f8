package assistant

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chat "github.com/hanpama/modelquery/internal/chat"
	eventbus "github.com/hanpama/modelquery/internal/eventbus"
	events "github.com/hanpama/modelquery/internal/events"
	memory "github.com/hanpama/modelquery/internal/memory"
	metamodel "github.com/hanpama/modelquery/internal/metamodel"
	selection "github.com/hanpama/modelquery/internal/selection"
)

// fakeModel replays canned replies and records every request.
type fakeModel struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests []*chat.Request
}

func (f *fakeModel) Chat(_ context.Context, req *chat.Request) (*chat.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, &chat.Request{
		Messages:   slices.Clone(req.Messages),
		Schema:     req.Schema,
		SchemaName: req.SchemaName,
	})
	if f.err != nil {
		return nil, f.err
	}
	if len(f.replies) == 0 {
		return nil, chat.ErrEmptyResponse
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return &chat.Response{Content: reply, Model: "fake", PromptTokens: 10, CompletionTokens: 2}, nil
}

func companyModel(t *testing.T) *metamodel.Model {
	t.Helper()
	m, err := metamodel.LoadFiles([]string{"../metamodel/testdata/company.graphql"})
	require.NoError(t, err)
	return m
}

func newAssistant(t *testing.T, llm chat.Model, opts ...Option) *Assistant {
	t.Helper()
	a, err := New(context.Background(), companyModel(t), llm, opts...)
	require.NoError(t, err)
	return a
}

var salaryRows = []any{
	[]any{"Ada", 100.0},
	[]any{"Alan", 90.5},
}

func TestNew_SystemPrompt(t *testing.T) {
	m := companyModel(t)
	a := newAssistant(t, &fakeModel{})
	prompt := a.SystemPrompt()
	assert.True(t, strings.HasPrefix(prompt, "You are an expert in writing object queries"))
	assert.Contains(t, prompt, metamodel.Describe(m))
	assert.True(t, strings.HasSuffix(prompt, "Do not output anything else aside from a valid query statement!"))

	custom := newAssistant(t, &fakeModel{}, WithPrompt("Model:\n{{.Metamodel}}"))
	assert.Equal(t, "Model:\n"+metamodel.Describe(m), custom.SystemPrompt())

	_, err := New(context.Background(), m, &fakeModel{}, WithPrompt("{{.Schema}}"))
	require.ErrorContains(t, err, "render prompt template")
	_, err = New(context.Background(), m, &fakeModel{}, WithPrompt("{{"))
	require.ErrorContains(t, err, "parse prompt template")
}

func TestCreateQuery_StructuredReply(t *testing.T) {
	llm := &fakeModel{replies: []string{`{"query": "select e.firstName, e.salary from Employee e where e.salary > 50"}`}}
	a := newAssistant(t, llm)

	q, err := a.CreateQuery(context.Background(), "Who earns more than 50?", "")
	require.NoError(t, err)
	require.Equal(t, "select e.firstName, e.salary from Employee e where e.salary > 50", q.Text)
	require.Equal(t, 2, q.Shape.Width())

	require.Len(t, llm.requests, 1)
	req := llm.requests[0]
	require.Equal(t, "query", req.SchemaName)
	require.JSONEq(t, string(querySchema), string(req.Schema))
	want := []chat.Message{chat.System(a.SystemPrompt()), chat.User("Who earns more than 50?")}
	if diff := cmp.Diff(want, req.Messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateQuery_ResultTypeHint(t *testing.T) {
	llm := &fakeModel{replies: []string{"Sure! Here it is:\n```\nSELECT e FROM Employee e;\n```"}}
	a := newAssistant(t, llm)

	q, err := a.CreateQuery(context.Background(), "List all employees", "Employee")
	require.NoError(t, err)
	require.Equal(t, "Employee", q.ResultType())

	msgs := llm.requests[0].Messages
	require.Equal(t, "List all employees\nThe query must return objects of type \"Employee\".", msgs[len(msgs)-1].Content)
}

func TestCreateQuery_Errors(t *testing.T) {
	ctx := context.Background()

	llm := &fakeModel{}
	_, err := newAssistant(t, llm).CreateQuery(ctx, "anything", "Spaceship")
	require.ErrorIs(t, err, ErrUnknownType)
	require.Empty(t, llm.requests)

	_, err = newAssistant(t, &fakeModel{replies: []string{"I am not able to help with that."}}).CreateQuery(ctx, "q", "")
	require.ErrorIs(t, err, ErrNoQuery)

	_, err = newAssistant(t, &fakeModel{replies: []string{`{"query": "select from where"}`}}).CreateQuery(ctx, "q", "")
	require.ErrorIs(t, err, ErrNoQuery)
	require.ErrorIs(t, err, selection.ErrSyntax)

	down := errors.New("connection refused")
	_, err = newAssistant(t, &fakeModel{err: down}).CreateQuery(ctx, "q", "")
	require.ErrorIs(t, err, down)
	require.ErrorContains(t, err, "query completion")
}

func TestExtractQuery(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"structured", `{"query":"select c from Company c"}`, "select c from Company c"},
		{"structured with spaces", "  {\"query\": \" from Company \"}\n", "from Company"},
		{"wrong property falls back to text", `{"hqlQuery":"select c.name from Company c"}`, "select c.name from Company c"},
		{"first statement only", "select c from Company c; select e from Employee e;", "select c from Company c"},
		{"select before from", "Here is the data from the model:\nSELECT e.salary FROM Employee e", "SELECT e.salary FROM Employee e"},
		{"bare from", "FROM Company c WHERE c.name = 'Acme'", "FROM Company c WHERE c.name = 'Acme'"},
		{"fenced", "```sql\nselect e from Employee e\n```", "select e from Employee e"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractQuery(tt.content)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := extractQuery(`{"answer": 42}`)
	require.ErrorIs(t, err, ErrNoQuery)
}

func TestExecuteQuery(t *testing.T) {
	llm := &fakeModel{replies: []string{
		`{"query":"select e.firstName, e.salary from Employee e"}`,
		"Ada earns the most.",
	}}
	a := newAssistant(t, llm)
	ctx := context.Background()

	q, err := a.CreateQuery(ctx, "Who earns the most?", "")
	require.NoError(t, err)

	data, err := a.ExecuteQueryToString(ctx, q, Rows(salaryRows))
	require.NoError(t, err)
	require.Equal(t, `[["Ada",100],["Alan",90.5]]`, data)

	answer, err := a.ExecuteQuery(ctx, q, Rows(salaryRows))
	require.NoError(t, err)
	require.Equal(t, "Ada earns the most.", answer)

	require.Len(t, llm.requests, 2)
	req := llm.requests[1]
	require.Nil(t, req.Schema)
	want := []chat.Message{
		chat.System(a.SystemPrompt()),
		chat.User("Who earns the most?"),
		chat.Assistant(`{"query":"select e.firstName, e.salary from Employee e"}`),
		chat.User("The query returned the following data:\n" + data +
			"\nAnswer the original question using natural language and do not create a query!"),
	}
	if diff := cmp.Diff(want, req.Messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteQueryToString_NoRowsAndErrors(t *testing.T) {
	a := newAssistant(t, &fakeModel{})
	ctx := context.Background()
	q, err := selection.Parse("select c from Company c")
	require.NoError(t, err)

	got, err := a.ExecuteQueryToString(ctx, q, Rows(nil))
	require.NoError(t, err)
	require.Equal(t, NoResults, got)

	failed := errors.New("table missing")
	_, err = a.ExecuteQueryToString(ctx, q, ExecutorFunc(func(context.Context, *selection.Query) ([]any, error) {
		return nil, failed
	}))
	require.ErrorIs(t, err, failed)
}

func TestClearMemory(t *testing.T) {
	mem := memory.NewWindow(4)
	a := newAssistant(t, &fakeModel{replies: []string{`{"query":"from Company"}`}}, WithMemory(mem))
	ctx := context.Background()

	_, err := a.CreateQuery(ctx, "companies?", "")
	require.NoError(t, err)
	msgs, err := mem.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	require.NoError(t, a.ClearMemory(ctx))
	msgs, err = mem.Messages(ctx)
	require.NoError(t, err)
	require.Equal(t, []chat.Message{chat.System(a.SystemPrompt())}, msgs)
}

func TestFork(t *testing.T) {
	llm := &fakeModel{replies: []string{`{"query":"from Company"}`, `{"query":"from Employee"}`}}
	parentMem := memory.NewWindow(0)
	a := newAssistant(t, llm, WithMemory(parentMem))
	ctx := context.Background()

	forkMem := memory.NewWindow(0)
	f, err := a.Fork(ctx, forkMem)
	require.NoError(t, err)
	require.Equal(t, a.SystemPrompt(), f.SystemPrompt())
	require.Same(t, a.Serializer(), f.Serializer())

	_, err = f.CreateQuery(ctx, "companies?", "")
	require.NoError(t, err)
	_, err = a.CreateQuery(ctx, "employees?", "")
	require.NoError(t, err)

	forked, err := forkMem.Messages(ctx)
	require.NoError(t, err)
	want := []chat.Message{
		chat.System(a.SystemPrompt()),
		chat.User("companies?"),
		chat.Assistant(`{"query":"from Company"}`),
	}
	if diff := cmp.Diff(want, forked); diff != "" {
		t.Fatalf("fork memory mismatch (-want +got):\n%s", diff)
	}
	parent, err := parentMem.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, parent, 3)
	require.Equal(t, "employees?", parent[1].Content)
}

func TestEvents(t *testing.T) {
	eventbus.Use(eventbus.New())
	t.Cleanup(func() { eventbus.Use(nil) })

	var chats []events.ChatFinish
	var serialized []events.SerializeFinish
	defer eventbus.Subscribe(func(_ context.Context, e events.ChatFinish) { chats = append(chats, e) })()
	defer eventbus.Subscribe(func(_ context.Context, e events.SerializeFinish) { serialized = append(serialized, e) })()

	a := newAssistant(t, &fakeModel{replies: []string{
		`{"query":"select e.firstName, e.salary from Employee e"}`,
		"Ada.",
	}})
	ctx := context.Background()
	q, err := a.CreateQuery(ctx, "Who?", "")
	require.NoError(t, err)
	_, err = a.ExecuteQuery(ctx, q, Rows(salaryRows))
	require.NoError(t, err)

	require.Len(t, chats, 2)
	assert.Equal(t, PurposeQuery, chats[0].Purpose)
	assert.Equal(t, PurposeAnswer, chats[1].Purpose)
	assert.Equal(t, "fake", chats[1].Model)
	assert.Equal(t, 10, chats[1].PromptTokens)

	require.Len(t, serialized, 1)
	assert.Equal(t, 2, serialized[0].Rows)
	assert.Equal(t, len(`[["Ada",100],["Alan",90.5]]`), serialized[0].Bytes)
	assert.NoError(t, serialized[0].Err)
}
