package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	eventbus "github.com/hanpama/modelquery/internal/eventbus"
	memory "github.com/hanpama/modelquery/internal/memory"
	metrics "github.com/hanpama/modelquery/internal/metrics"
	otel "github.com/hanpama/modelquery/internal/otel"
	server "github.com/hanpama/modelquery/internal/server"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				opts.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address, overrides server.addr")
	return cmd
}

// conversationMemory opens the memory of a served conversation. Stored
// conversations are keyed by the id itself when it is a UUID and by a name
// based UUID otherwise. Requests outside a conversation are never stored.
func (o *rootOptions) conversationMemory(_ context.Context, id string) (memory.Memory, error) {
	cfg := o.cfg.Memory
	if cfg.Store == "" || id == "" {
		return memory.NewWindow(cfg.MaxMessages), nil
	}
	cid, err := uuid.Parse(id)
	if err != nil {
		cid = uuid.NewSHA1(uuid.NameSpaceOID, []byte(id))
	}
	return memory.OpenSQLite(cfg.Store, memory.WithMaxMessages(cfg.MaxMessages), memory.WithConversation(cid))
}

// newMux mounts the API routes and the metrics endpoint.
func newMux(h *server.Handler, m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	for _, route := range h.Routes() {
		mux.Handle(route, h)
	}
	mux.Handle("/metrics", m.Handler())
	return mux
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg := opts.cfg
	m, err := opts.loadModel()
	if err != nil {
		return err
	}

	eventbus.Use(eventbus.New())
	shutdownTracing, err := otel.Setup(cfg.Otel.Endpoint, cfg.Otel.Service)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()
	mt := metrics.New()
	defer mt.Subscribe()()

	a, closeMemory, err := opts.newAssistant(ctx, m, "")
	if err != nil {
		return err
	}
	defer closeMemory()

	sopts := []server.Option{
		server.WithTimeout(cfg.Server.Timeout),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithMemory(opts.conversationMemory),
	}
	if cfg.Server.Pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if len(cfg.Server.CORSOrigins) > 0 {
		sopts = append(sopts, server.WithCORS(cfg.Server.CORSOrigins...))
	}
	h, err := server.New(a, sopts...)
	if err != nil {
		return err
	}
	defer h.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newMux(h, mt),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		opts.logger.Info("listening", "addr", cfg.Server.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	opts.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
