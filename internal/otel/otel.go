// Package otel exports traces of assistant activity over OTLP/gRPC. Spans
// are driven by eventbus events.
package otel

import (
	"context"
	"sync"

	eventbus "github.com/hanpama/modelquery/internal/eventbus"
	events "github.com/hanpama/modelquery/internal/events"
	reqid "github.com/hanpama/modelquery/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const tracerName = "modelquery"

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	sub := newSubscriber(otel.Tracer(tracerName))
	unsubscribe := sub.register()

	return func(ctx context.Context) error {
		unsubscribe()
		return tp.Shutdown(ctx)
	}, nil
}

type subscriber struct {
	tracer         trace.Tracer
	httpSpans      sync.Map // rid -> trace.Span
	chatSpans      sync.Map // rid -> trace.Span
	serializeSpans sync.Map // rid -> trace.Span
}

func newSubscriber(tracer trace.Tracer) *subscriber {
	return &subscriber{tracer: tracer}
}

func (s *subscriber) parent(ctx context.Context, rid string) context.Context {
	if v, ok := s.httpSpans.Load(rid); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	return ctx
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *subscriber) register() (unsubscribe func()) {
	unsubs := []func(){
		eventbus.Subscribe(func(ctx context.Context, e events.HTTPStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "http.request")
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				semconv.HTTPRouteKey.String(e.Route),
				attribute.String("http.target", e.Request.URL.Path),
			)
			s.httpSpans.Store(rid, span)
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.HTTPFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.httpSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
			span.End()
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.ChatStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(s.parent(ctx, rid), "chat.completion")
			span.SetAttributes(
				attribute.String("chat.purpose", e.Purpose),
				attribute.Int("chat.messages", e.Messages),
			)
			s.chatSpans.Store(rid, span)
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.ChatFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.chatSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(
				attribute.String("chat.model", e.Model),
				attribute.Int("chat.prompt_tokens", e.PromptTokens),
				attribute.Int("chat.completion_tokens", e.CompletionTokens),
			)
			end(span, e.Err)
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.SerializeStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(s.parent(ctx, rid), "serializer.render")
			span.SetAttributes(
				attribute.String("query.text", e.Query),
				attribute.Int("query.rows", e.Rows),
			)
			s.serializeSpans.Store(rid, span)
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.SerializeFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.serializeSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.Int("serializer.bytes", e.Bytes))
			end(span, e.Err)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
