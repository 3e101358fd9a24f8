// Package server exposes the assistant over HTTP.
//
// Every endpoint takes a JSON body by POST and answers with JSON. Errors are
// reported as {"errors":[{"message":...}]} with a 4xx or 5xx status.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	assistant "github.com/hanpama/modelquery/internal/assistant"
	eventbus "github.com/hanpama/modelquery/internal/eventbus"
	events "github.com/hanpama/modelquery/internal/events"
	memory "github.com/hanpama/modelquery/internal/memory"
	reqid "github.com/hanpama/modelquery/internal/reqid"
	selection "github.com/hanpama/modelquery/internal/selection"
	serializer "github.com/hanpama/modelquery/internal/serializer"
)

// Routes served by Handler.
const (
	RouteQuery     = "/query"
	RouteSerialize = "/serialize"
	RouteAnswer    = "/answer"
)

// ConversationHeader names the conversation a request belongs to. Requests
// of one conversation share its memory and run one at a time. A request
// without it gets a memory of its own.
const ConversationHeader = "X-Conversation-Id"

// routeUnmatched labels requests for unknown paths in events.
const routeUnmatched = "unmatched"

type endpoint func(ctx context.Context, conversation string, body []byte) (any, error)

// Handler is an http.Handler serving the query, serialize and answer
// endpoints.
type Handler struct {
	asst   *assistant.Assistant
	opt    Options
	routes map[string]endpoint

	mu            sync.Mutex
	conversations map[string]*conversation
	order         []string
}

// conversation is the assistant of one conversation id.
type conversation struct {
	mu   sync.Mutex
	asst *assistant.Assistant
	mem  memory.Memory
}

// MemoryFactory opens the memory of a conversation. id is empty for a
// request outside any conversation.
type MemoryFactory func(ctx context.Context, id string) (memory.Memory, error)

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses.
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// Memory opens conversation memories. Defaults to in-process windows of
	// memory.DefaultMaxMessages messages.
	Memory MemoryFactory

	// MaxConversations bounds the conversations kept open; the oldest is
	// dropped beyond it. 0 means 1024.
	MaxConversations int
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithMemory(f MemoryFactory) Option { return func(o *Options) { o.Memory = f } }
func WithMaxConversations(n int) Option { return func(o *Options) { o.MaxConversations = n } }

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

const defaultMaxConversations = 1024

func newWindow(context.Context, string) (memory.Memory, error) {
	return memory.NewWindow(memory.DefaultMaxMessages), nil
}

// New creates a handler backed by a. Conversations are forks of a; a's own
// memory is never written by the handler.
func New(a *assistant.Assistant, opts ...Option) (*Handler, error) {
	if a == nil {
		return nil, errors.New("server: nil assistant")
	}
	op := Options{Timeout: 90 * time.Second}
	for _, f := range opts {
		f(&op)
	}
	if op.Memory == nil {
		op.Memory = newWindow
	}
	if op.MaxConversations <= 0 {
		op.MaxConversations = defaultMaxConversations
	}
	h := &Handler{asst: a, opt: op, conversations: map[string]*conversation{}}
	h.routes = map[string]endpoint{
		RouteQuery:     h.query,
		RouteSerialize: h.serialize,
		RouteAnswer:    h.answer,
	}
	return h, nil
}

// Routes lists the paths the handler serves.
func (h *Handler) Routes() []string {
	return []string{RouteQuery, RouteSerialize, RouteAnswer}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	var rid string
	if rid = r.Header.Get(reqid.Header); rid != "" {
		ctx = reqid.WithID(ctx, rid)
	} else {
		ctx, rid = reqid.NewContext(ctx)
	}
	w.Header().Set(reqid.Header, rid)
	conv := r.Header.Get(ConversationHeader)
	if conv != "" {
		w.Header().Set(ConversationHeader, conv)
	}

	route := r.URL.Path
	ep, known := h.routes[route]
	if !known {
		route = routeUnmatched
	}
	status := http.StatusOK
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r, Route: route})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Route: route, Status: status, Duration: time.Since(start)})
	}()

	if r.Method == http.MethodOptions {
		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}
	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}

	if !known {
		status = http.StatusNotFound
		writeJSON(w, status, errorResponse("not found"), h.opt.Pretty)
		return
	}
	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		w.Header().Set("Allow", "POST, OPTIONS")
		writeJSON(w, status, errorResponse("method not allowed"), h.opt.Pretty)
		return
	}

	body, err := readBody(r, h.opt.MaxBodyBytes)
	if err != nil {
		status = statusOf(err)
		writeJSON(w, status, errorResponse(err.Error()), h.opt.Pretty)
		return
	}

	res, err := ep(ctx, conv, body)
	if err != nil {
		status = statusOf(err)
		writeJSON(w, status, errorResponse(err.Error()), h.opt.Pretty)
		return
	}
	writeJSON(w, status, res, h.opt.Pretty)
}

// ------------------ Endpoints ------------------

type QueryRequest struct {
	Question   string `json:"question"`
	ResultType string `json:"resultType,omitempty"`
}

type QueryResponse struct {
	Query   string   `json:"query"`
	Columns []string `json:"columns"`
}

type SerializeRequest struct {
	Query string `json:"query"`
	Rows  []any  `json:"rows"`
}

type SerializeResponse struct {
	Result string `json:"result"`
}

type AnswerRequest struct {
	Question string `json:"question,omitempty"`
	Query    string `json:"query"`
	Rows     []any  `json:"rows"`
}

type AnswerResponse struct {
	Answer string `json:"answer"`
	Data   string `json:"data"`
}

func (h *Handler) query(ctx context.Context, conv string, body []byte) (any, error) {
	var req QueryRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, badRequest("missing 'question'")
	}
	a, release, err := h.session(ctx, conv)
	if err != nil {
		return nil, err
	}
	defer release()
	q, err := a.CreateQuery(ctx, req.Question, req.ResultType)
	if err != nil {
		return nil, err
	}
	return QueryResponse{Query: q.Text, Columns: q.Shape.Labels}, nil
}

func (h *Handler) serialize(ctx context.Context, _ string, body []byte) (any, error) {
	var req SerializeRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	q, err := parseQuery(req.Query)
	if err != nil {
		return nil, err
	}
	out, err := h.asst.Serialize(ctx, q, req.Rows)
	if err != nil {
		return nil, err
	}
	return SerializeResponse{Result: out}, nil
}

func (h *Handler) answer(ctx context.Context, conv string, body []byte) (any, error) {
	var req AnswerRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	q, err := parseQuery(req.Query)
	if err != nil {
		return nil, err
	}
	a, release, err := h.session(ctx, conv)
	if err != nil {
		return nil, err
	}
	defer release()
	if req.Question != "" {
		if err := a.Remember(ctx, req.Question); err != nil {
			return nil, err
		}
	}
	data, err := a.ExecuteQueryToString(ctx, q, assistant.Rows(req.Rows))
	if err != nil {
		return nil, err
	}
	answer, err := a.Answer(ctx, data)
	if err != nil {
		return nil, err
	}
	return AnswerResponse{Answer: answer, Data: data}, nil
}

// session returns the assistant for conv and holds it until release is
// called. An empty conv yields a fresh assistant.
func (h *Handler) session(ctx context.Context, conv string) (*assistant.Assistant, func(), error) {
	if conv == "" {
		a, mem, err := h.fork(ctx, conv)
		if err != nil {
			return nil, nil, err
		}
		return a, func() { closeMemory(mem) }, nil
	}

	h.mu.Lock()
	c, ok := h.conversations[conv]
	if !ok {
		a, mem, err := h.fork(ctx, conv)
		if err != nil {
			h.mu.Unlock()
			return nil, nil, err
		}
		c = &conversation{asst: a, mem: mem}
		h.conversations[conv] = c
		h.order = append(h.order, conv)
	}
	var evicted []*conversation
	for len(h.order) > h.opt.MaxConversations {
		evicted = append(evicted, h.conversations[h.order[0]])
		delete(h.conversations, h.order[0])
		h.order = h.order[1:]
	}
	h.mu.Unlock()

	for _, e := range evicted {
		e.mu.Lock()
		closeMemory(e.mem)
		e.mu.Unlock()
	}
	c.mu.Lock()
	return c.asst, c.mu.Unlock, nil
}

func (h *Handler) fork(ctx context.Context, conv string) (*assistant.Assistant, memory.Memory, error) {
	mem, err := h.opt.Memory(ctx, conv)
	if err != nil {
		return nil, nil, fmt.Errorf("open conversation memory: %w", err)
	}
	a, err := h.asst.Fork(ctx, mem)
	if err != nil {
		closeMemory(mem)
		return nil, nil, err
	}
	return a, mem, nil
}

// Close releases the memories of open conversations.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for _, id := range h.order {
		c := h.conversations[id]
		c.mu.Lock()
		if cl, ok := c.mem.(io.Closer); ok {
			errs = append(errs, cl.Close())
		}
		c.mu.Unlock()
	}
	h.conversations = map[string]*conversation{}
	h.order = nil
	return errors.Join(errs...)
}

func closeMemory(mem memory.Memory) {
	if cl, ok := mem.(io.Closer); ok {
		_ = cl.Close()
	}
}

func parseQuery(text string) (*selection.Query, error) {
	if strings.TrimSpace(text) == "" {
		return nil, badRequest("missing 'query'")
	}
	return selection.Parse(text)
}

// ------------------ Request parsing ------------------

// requestError is a client mistake in the HTTP request itself.
type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

func badRequest(msg string) error { return &requestError{status: http.StatusBadRequest, message: msg} }

const errBodyTooLargeMessage = "body too large"

func readBody(r *http.Request, maxBody int64) ([]byte, error) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return nil, &requestError{status: http.StatusUnsupportedMediaType, message: "unsupported Content-Type"}
	}
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, badRequest("failed to read body")
	}
	defer r.Body.Close()
	if maxBody > 0 && int64(len(body)) > maxBody {
		return nil, &requestError{status: http.StatusRequestEntityTooLarge, message: errBodyTooLargeMessage}
	}
	return body, nil
}

// decode reads a JSON body. Numbers stay json.Number so row values keep
// their literal text.
func decode(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest(fmt.Sprintf("invalid JSON: %v", err))
	}
	return nil
}

// ------------------ Response formatting ------------------

type apiError struct {
	Message string `json:"message"`
}

type errorResult struct {
	Errors []apiError `json:"errors"`
}

func errorResponse(msg string) errorResult {
	return errorResult{Errors: []apiError{{Message: msg}}}
}

func statusOf(err error) int {
	var re *requestError
	var rerr *serializer.RenderError
	switch {
	case errors.As(err, &re):
		return re.status
	case errors.Is(err, selection.ErrSyntax), errors.Is(err, assistant.ErrUnknownType):
		return http.StatusBadRequest
	case errors.Is(err, assistant.ErrNoQuery), errors.As(err, &rerr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	wildcard := slices.Contains(opts.AllowedOrigins, "*")
	if !wildcard && !slices.Contains(opts.AllowedOrigins, origin) {
		return
	}
	if wildcard {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "POST,OPTIONS")
	}
	w.Header().Set("Access-Control-Expose-Headers", reqid.Header+", "+ConversationHeader)
}
