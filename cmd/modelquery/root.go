package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	config "github.com/hanpama/modelquery/internal/config"
	metamodel "github.com/hanpama/modelquery/internal/metamodel"
)

// rootOptions holds global flags and the configuration they resolve to.
type rootOptions struct {
	ConfigPath string
	Schemas    []string
	LogLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCommand creates the modelquery command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "modelquery",
		Short: "Ask questions about a domain model in natural language",
		Long: `modelquery describes a domain model to a language model, turns questions
into object queries and renders query results as JSON-shaped text.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().StringSliceVarP(&opts.Schemas, "schema", "s", nil, "model SDL file; repeatable, overrides metamodel.schemas")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error), overrides log.level")

	cmd.AddCommand(newDescribeCommand(opts))
	cmd.AddCommand(newParseCommand(opts))
	cmd.AddCommand(newSerializeCommand(opts))
	cmd.AddCommand(newProtoCommand(opts))
	cmd.AddCommand(newAskCommand(opts))
	cmd.AddCommand(newServeCommand(opts))

	return cmd
}

func (o *rootOptions) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	if len(o.Schemas) > 0 {
		cfg.Metamodel.Schemas = o.Schemas
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(o.logger)
	return nil
}

var errNoSchemas = errors.New("no model schemas: pass --schema or set metamodel.schemas")

func (o *rootOptions) loadModel() (*metamodel.Model, error) {
	if len(o.cfg.Metamodel.Schemas) == 0 {
		return nil, errNoSchemas
	}
	m, err := metamodel.LoadFiles(o.cfg.Metamodel.Schemas)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	return m, nil
}

// readInput reads a file, or standard input for "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
