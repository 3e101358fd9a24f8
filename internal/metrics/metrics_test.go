package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventbus "github.com/hanpama/modelquery/internal/eventbus"
	events "github.com/hanpama/modelquery/internal/events"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsFromEvents(t *testing.T) {
	eventbus.Use(eventbus.New())
	t.Cleanup(func() { eventbus.Use(nil) })

	m := New()
	unsubscribe := m.Subscribe()
	ctx := context.Background()

	eventbus.Publish(ctx, events.HTTPFinish{Route: "/query", Status: 200, Duration: 20 * time.Millisecond})
	eventbus.Publish(ctx, events.HTTPFinish{Route: "/query", Status: 200, Duration: 30 * time.Millisecond})
	eventbus.Publish(ctx, events.ChatFinish{Purpose: "query", PromptTokens: 120, CompletionTokens: 8, Duration: time.Second})
	eventbus.Publish(ctx, events.ChatFinish{Purpose: "answer", Err: errors.New("timeout")})
	eventbus.Publish(ctx, events.SerializeFinish{Rows: 2, Bytes: 96})

	out := scrape(t, m)
	assert.Contains(t, out, `modelquery_http_requests_total{route="/query",status="200"} 2`)
	assert.Contains(t, out, `modelquery_chat_calls_total{outcome="ok",purpose="query"} 1`)
	assert.Contains(t, out, `modelquery_chat_calls_total{outcome="error",purpose="answer"} 1`)
	assert.Contains(t, out, `modelquery_chat_tokens_total{kind="prompt",purpose="query"} 120`)
	assert.Contains(t, out, `modelquery_serializer_calls_total{outcome="ok"} 1`)
	assert.Contains(t, out, `go_goroutines`)

	unsubscribe()
	eventbus.Publish(ctx, events.SerializeFinish{Rows: 2, Bytes: 96})
	assert.Contains(t, scrape(t, m), `modelquery_serializer_calls_total{outcome="ok"} 1`)
}
