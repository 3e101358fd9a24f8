package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	assistant "github.com/hanpama/modelquery/internal/assistant"
	chat "github.com/hanpama/modelquery/internal/chat"
	eventbus "github.com/hanpama/modelquery/internal/eventbus"
	events "github.com/hanpama/modelquery/internal/events"
	memory "github.com/hanpama/modelquery/internal/memory"
	metamodel "github.com/hanpama/modelquery/internal/metamodel"
	reqid "github.com/hanpama/modelquery/internal/reqid"
)

type scriptedModel struct {
	replies  []string
	requests []*chat.Request
}

func (m *scriptedModel) Chat(_ context.Context, req *chat.Request) (*chat.Response, error) {
	m.requests = append(m.requests, req)
	if len(m.replies) == 0 {
		return nil, chat.ErrEmptyResponse
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return &chat.Response{Content: r, Model: "scripted"}, nil
}

func newTestHandler(t *testing.T, llm chat.Model, opts ...Option) *Handler {
	t.Helper()
	m, err := metamodel.LoadFiles([]string{"../metamodel/testdata/company.graphql"})
	if err != nil {
		t.Fatalf("metamodel: %v", err)
	}
	a, err := assistant.New(context.Background(), m, llm)
	if err != nil {
		t.Fatalf("assistant: %v", err)
	}
	h, err := New(a, opts...)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return h
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func postConversation(t *testing.T, h http.Handler, conv, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ConversationHeader, conv)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestQuery(t *testing.T) {
	llm := &scriptedModel{replies: []string{`{"query":"select c.name, size(c.employees) as staff from Company c"}`}}
	h := newTestHandler(t, llm)

	w := post(t, h, "/query", `{"question":"How big is each company?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	got := decodeBody[QueryResponse](t, w)
	want := QueryResponse{
		Query:   "select c.name, size(c.employees) as staff from Company c",
		Columns: []string{"c.name", "staff"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
	if len(llm.requests) != 1 || llm.requests[0].SchemaName != "query" {
		t.Fatalf("expected one structured completion, got %+v", llm.requests)
	}
}

func TestQueryErrors(t *testing.T) {
	tests := []struct {
		name   string
		reply  string
		body   string
		status int
		msg    string
	}{
		{"missing question", "", `{"question":"  "}`, http.StatusBadRequest, "missing 'question'"},
		{"unknown field", "", `{"q":"hi"}`, http.StatusBadRequest, "invalid JSON"},
		{"unknown result type", "", `{"question":"hi","resultType":"Ship"}`, http.StatusBadRequest, "unknown result type"},
		{"no query in reply", "Sorry, I can't.", `{"question":"hi"}`, http.StatusUnprocessableEntity, "no query"},
		{"model failure", "", `{"question":"hi"}`, http.StatusInternalServerError, "empty response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &scriptedModel{}
			if tt.reply != "" {
				llm.replies = []string{tt.reply}
			}
			w := post(t, newTestHandler(t, llm), "/query", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status %d want %d: %s", w.Code, tt.status, w.Body.String())
			}
			res := decodeBody[errorResult](t, w)
			if len(res.Errors) != 1 || !strings.Contains(res.Errors[0].Message, tt.msg) {
				t.Fatalf("unexpected errors %+v", res.Errors)
			}
		})
	}
}

func TestSerialize(t *testing.T) {
	h := newTestHandler(t, &scriptedModel{})
	body := `{
		"query": "select c from Company c",
		"rows": [{"id": 1, "name": "Acme", "employees": [{"id": 7, "firstName": "Ada", "company": {"id": 1}}]}]
	}`
	w := post(t, h, "/serialize", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	got := decodeBody[SerializeResponse](t, w).Result
	want := `{"id":1,"name":"Acme","employees":[{"id":7,"firstName":"Ada","lastName":"<uninitialized>","salary":"<uninitialized>","company":"Company#1"}],"address":"<uninitialized>"}`
	if got != want {
		t.Fatalf("result mismatch\nwant %s\ngot  %s", want, got)
	}

	w = post(t, h, "/serialize", `{"query":"select c.name from Company c","rows":[]}`)
	if got := decodeBody[SerializeResponse](t, w).Result; got != "[]" {
		t.Fatalf("empty rows rendered %q", got)
	}

	w = post(t, h, "/serialize", `{"query":"select c.name from","rows":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("syntax error status %d", w.Code)
	}

	w = post(t, h, "/serialize", `{"query":"select c.name, c.id from Company c","rows":[["Acme"]]}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("short tuple status %d: %s", w.Code, w.Body.String())
	}
}

func TestAnswer(t *testing.T) {
	llm := &scriptedModel{replies: []string{"Acme has the id 1."}}
	h := newTestHandler(t, llm)

	w := post(t, h, "/answer", `{"question":"What is Acme's id?","query":"select c.name, c.id from Company c","rows":[["Acme",1]]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	got := decodeBody[AnswerResponse](t, w)
	if diff := cmp.Diff(AnswerResponse{Answer: "Acme has the id 1.", Data: `["Acme",1]`}, got); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}

	msgs := llm.requests[0].Messages
	if len(msgs) != 3 || msgs[1].Content != "What is Acme's id?" || !strings.Contains(msgs[2].Content, `["Acme",1]`) {
		t.Fatalf("unexpected conversation %+v", msgs)
	}
	if llm.requests[0].Schema != nil {
		t.Fatalf("answer must not be constrained to a schema")
	}
}

func TestAnswerWithoutRows(t *testing.T) {
	h := newTestHandler(t, &scriptedModel{replies: []string{"There are none."}})
	w := post(t, h, "/answer", `{"query":"from Company","rows":[]}`)
	got := decodeBody[AnswerResponse](t, w)
	if got.Data != assistant.NoResults || got.Answer != "There are none." {
		t.Fatalf("unexpected response %+v", got)
	}
}

func TestRoutingAndMethods(t *testing.T) {
	h := newTestHandler(t, &scriptedModel{})

	w := post(t, h, "/graphql", `{}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/query", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed || w.Header().Get("Allow") == "" {
		t.Fatalf("expected 405 with Allow got %d", w.Code)
	}

	req = httptest.NewRequest("POST", "/query", bytes.NewBufferString(`question=hi`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415 got %d", w.Code)
	}
}

func TestCORSAndPreflight(t *testing.T) {
	h := newTestHandler(t, &scriptedModel{}, WithCORS("*"))

	// simple request
	req := httptest.NewRequest("POST", "/serialize", bytes.NewBufferString(`{"query":"from Company","rows":[]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}

	// preflight
	pre := httptest.NewRequest("OPTIONS", "/serialize", nil)
	pre.Header.Set("Origin", "http://example.com")
	pre.Header.Set("Access-Control-Request-Headers", "X-Test")
	pw := httptest.NewRecorder()
	h.ServeHTTP(pw, pre)
	if pw.Code != http.StatusNoContent {
		t.Fatalf("preflight status %d", pw.Code)
	}
	if pw.Header().Get("Access-Control-Allow-Headers") != "X-Test" {
		t.Fatalf("preflight missing allow headers")
	}

	restricted := newTestHandler(t, &scriptedModel{}, WithCORS("http://allowed.example"))
	req = httptest.NewRequest("OPTIONS", "/serialize", nil)
	req.Header.Set("Origin", "http://example.com")
	w = httptest.NewRecorder()
	restricted.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("origin should not be allowed")
	}
}

func TestMaxBodyBytes(t *testing.T) {
	h := newTestHandler(t, &scriptedModel{}, WithMaxBodyBytes(10))
	w := post(t, h, "/query", `{"question":"1234567890"}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 got %d", w.Code)
	}
}

func TestRequestID(t *testing.T) {
	eventbus.Use(eventbus.New())
	t.Cleanup(func() { eventbus.Use(nil) })

	var seen []string
	var finished []events.HTTPFinish
	defer eventbus.Subscribe(func(ctx context.Context, e events.HTTPStart) {
		id, _ := reqid.FromContext(ctx)
		seen = append(seen, id)
	})()
	defer eventbus.Subscribe(func(_ context.Context, e events.HTTPFinish) { finished = append(finished, e) })()

	h := newTestHandler(t, &scriptedModel{})
	w := post(t, h, "/serialize", `{"query":"from Company","rows":[]}`)
	generated := w.Header().Get(reqid.Header)
	if generated == "" {
		t.Fatalf("missing request id header")
	}

	req := httptest.NewRequest("POST", "/nowhere", bytes.NewBufferString(`{}`))
	req.Header.Set(reqid.Header, "client-42")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get(reqid.Header); got != "client-42" {
		t.Fatalf("request id not echoed: %q", got)
	}

	if diff := cmp.Diff([]string{generated, "client-42"}, seen); diff != "" {
		t.Fatalf("context ids mismatch (-want +got):\n%s", diff)
	}
	if len(finished) != 2 || finished[0].Route != RouteSerialize || finished[0].Status != http.StatusOK ||
		finished[1].Route != routeUnmatched || finished[1].Status != http.StatusNotFound {
		t.Fatalf("unexpected finish events %+v", finished)
	}
}

// lockedModel always replies with the same query and is safe for concurrent
// use.
type lockedModel struct {
	mu       sync.Mutex
	requests []*chat.Request
}

func (m *lockedModel) Chat(_ context.Context, req *chat.Request) (*chat.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return &chat.Response{Content: `{"query":"from Company"}`, Model: "locked"}, nil
}

// closingWindow records when the handler closes a conversation memory.
type closingWindow struct {
	*memory.Window
	id     string
	closed *[]string
}

func (w closingWindow) Close() error {
	*w.closed = append(*w.closed, w.id)
	return nil
}

func TestConversations(t *testing.T) {
	llm := &scriptedModel{replies: []string{
		`{"query":"from Company"}`,
		`{"query":"from Employee"}`,
		`{"query":"select c.name from Company c"}`,
		`{"query":"from Company"}`,
	}}
	h := newTestHandler(t, llm)

	for _, step := range []struct{ conv, question string }{
		{"a", "first"},
		{"b", "second"},
		{"a", "third"},
		{"", "fourth"},
	} {
		w := postConversation(t, h, step.conv, "/query", `{"question":"`+step.question+`"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status %d: %s", step.question, w.Code, w.Body.String())
		}
		if got := w.Header().Get(ConversationHeader); got != step.conv {
			t.Fatalf("%s: conversation header %q", step.question, got)
		}
	}

	var contents [][]string
	for _, req := range llm.requests {
		var c []string
		for _, m := range req.Messages[1:] {
			c = append(c, m.Content)
		}
		contents = append(contents, c)
	}
	want := [][]string{
		{"first"},
		{"second"},
		{"first", `{"query":"from Company"}`, "third"},
		{"fourth"},
	}
	if diff := cmp.Diff(want, contents); diff != "" {
		t.Fatalf("conversation messages mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentConversationsDoNotInterleave(t *testing.T) {
	llm := &lockedModel{}
	h := newTestHandler(t, llm)

	var wg sync.WaitGroup
	for _, conv := range []string{"a", "b", "c", ""} {
		conv := conv
		for i := 0; i < 5; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if w := postConversation(t, h, conv, "/query", `{"question":"which companies?"}`); w.Code != http.StatusOK {
					t.Errorf("query status %d: %s", w.Code, w.Body.String())
				}
			}()
			go func() {
				defer wg.Done()
				w := postConversation(t, h, conv, "/answer", `{"question":"names?","query":"select c.name from Company c","rows":["Acme"]}`)
				if w.Code != http.StatusOK {
					t.Errorf("answer status %d: %s", w.Code, w.Body.String())
				}
			}()
		}
	}
	wg.Wait()

	if len(llm.requests) != 40 {
		t.Fatalf("expected 40 completions, got %d", len(llm.requests))
	}
	// A query adds a question and a reply; an answer adds a question, the
	// data prompt and a reply. Windowing may cut the oldest messages.
	for _, req := range llm.requests {
		msgs := req.Messages
		if msgs[0].Role != chat.RoleSystem {
			t.Fatalf("conversation does not start with the system prompt: %+v", msgs)
		}
		for i := 2; i < len(msgs); i++ {
			prev, cur := msgs[i-1], msgs[i]
			var ok bool
			switch {
			case cur.Role == chat.RoleAssistant:
				ok = prev.Role == chat.RoleUser
			case strings.HasPrefix(cur.Content, "The query returned"):
				ok = prev.Content == "names?"
			default:
				ok = prev.Role == chat.RoleAssistant
			}
			if !ok {
				t.Fatalf("interleaved messages at %d: %+v", i, msgs)
			}
		}
		if msgs[len(msgs)-1].Role != chat.RoleUser {
			t.Fatalf("conversation does not end with the user: %+v", msgs)
		}
	}
}

func TestConversationMemoryLifecycle(t *testing.T) {
	var closed []string
	var opened []string
	factory := func(_ context.Context, id string) (memory.Memory, error) {
		opened = append(opened, id)
		return closingWindow{Window: memory.NewWindow(0), id: id, closed: &closed}, nil
	}
	llm := &scriptedModel{replies: []string{`{"query":"from Company"}`, `{"query":"from Company"}`, `{"query":"from Company"}`, `{"query":"from Company"}`}}
	h := newTestHandler(t, llm, WithMemory(factory), WithMaxConversations(1))

	postConversation(t, h, "a", "/query", `{"question":"one"}`)
	postConversation(t, h, "a", "/query", `{"question":"two"}`)
	postConversation(t, h, "", "/query", `{"question":"three"}`)
	postConversation(t, h, "b", "/query", `{"question":"four"}`)
	if diff := cmp.Diff([]string{"a", "", "b"}, opened); diff != "" {
		t.Fatalf("opened memories mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"", "a"}, closed); diff != "" {
		t.Fatalf("closed memories mismatch (-want +got):\n%s", diff)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if diff := cmp.Diff([]string{"", "a", "b"}, closed); diff != "" {
		t.Fatalf("closed memories mismatch (-want +got):\n%s", diff)
	}
}
