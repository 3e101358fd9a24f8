package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	assistant "github.com/hanpama/modelquery/internal/assistant"
	chat "github.com/hanpama/modelquery/internal/chat"
	memory "github.com/hanpama/modelquery/internal/memory"
	metamodel "github.com/hanpama/modelquery/internal/metamodel"
)

type askOptions struct {
	ResultType   string
	Rows         string
	Answer       bool
	Retrieve     bool
	Conversation string
}

func newAskCommand(opts *rootOptions) *cobra.Command {
	ao := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Turn a question into a query, and optionally answer it from rows",
		Long: `Ask the language model for a query answering the question.

With --rows the query result is read from a JSON file and rendered; with
--answer as well, the rendered rows are sent back and the model's natural
language answer is printed. With --retrieve the rendered rows are instead
injected into a prompt for another model, which is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, opts, ao, args[0])
		},
	}
	cmd.Flags().StringVarP(&ao.ResultType, "result-type", "t", "", "model type the query must return")
	cmd.Flags().StringVarP(&ao.Rows, "rows", "r", "", "JSON file with the query rows, - for stdin")
	cmd.Flags().BoolVarP(&ao.Answer, "answer", "a", false, "answer the question from the rows")
	cmd.Flags().BoolVar(&ao.Retrieve, "retrieve", false, "print the question with the rows injected as context")
	cmd.MarkFlagsMutuallyExclusive("answer", "retrieve")
	cmd.Flags().StringVar(&ao.Conversation, "conversation", "", "resume a stored conversation by id (needs memory.store)")
	return cmd
}

func runAsk(cmd *cobra.Command, opts *rootOptions, ao *askOptions, question string) error {
	if ao.Answer && ao.Rows == "" {
		return fmt.Errorf("--answer needs --rows")
	}
	if ao.Retrieve && ao.Rows == "" {
		return fmt.Errorf("--retrieve needs --rows")
	}
	ctx := cmd.Context()
	m, err := opts.loadModel()
	if err != nil {
		return err
	}
	a, closeMemory, err := opts.newAssistant(ctx, m, ao.Conversation)
	if err != nil {
		return err
	}
	defer closeMemory()

	out := cmd.OutOrStdout()
	if ao.Retrieve {
		return runRetrieve(cmd, a, ao, question)
	}
	q, err := a.CreateQuery(ctx, question, ao.ResultType)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, q.Text)
	if ao.Rows == "" {
		return nil
	}

	data, err := readInput(cmd, ao.Rows)
	if err != nil {
		return fmt.Errorf("read rows: %w", err)
	}
	rows, err := decodeRows(data)
	if err != nil {
		return err
	}
	result, err := a.ExecuteQueryToString(ctx, q, assistant.Rows(rows))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, result)
	if !ao.Answer {
		return nil
	}
	answer, err := a.Answer(ctx, result)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, answer)
	return nil
}

func runRetrieve(cmd *cobra.Command, a *assistant.Assistant, ao *askOptions, question string) error {
	data, err := readInput(cmd, ao.Rows)
	if err != nil {
		return fmt.Errorf("read rows: %w", err)
	}
	rows, err := decodeRows(data)
	if err != nil {
		return err
	}
	r := assistant.NewRetriever(a, assistant.Rows(rows))
	contents, err := r.Retrieve(cmd.Context(), question)
	if err != nil {
		return err
	}
	prompt, err := r.Inject(question, contents)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), prompt)
	return nil
}

// newAssistant wires the configured language model, memory and prompt.
// The returned function releases the memory store.
func (o *rootOptions) newAssistant(ctx context.Context, m *metamodel.Model, conversation string) (*assistant.Assistant, func() error, error) {
	cfg := o.cfg
	llm := chat.NewOpenAI(chat.Config{
		BaseURL:     cfg.Model.BaseURL,
		Model:       cfg.Model.Name,
		APIKey:      cfg.Model.APIKey,
		Temperature: cfg.Model.Temperature,
		Timeout:     cfg.Model.Timeout,
		Logger:      o.logger,
	})

	var mem memory.Memory
	closeMemory := func() error { return nil }
	switch {
	case cfg.Memory.Store != "":
		sopts := []memory.SQLiteOption{memory.WithMaxMessages(cfg.Memory.MaxMessages)}
		if conversation != "" {
			id, err := uuid.Parse(conversation)
			if err != nil {
				return nil, nil, fmt.Errorf("conversation id: %w", err)
			}
			sopts = append(sopts, memory.WithConversation(id))
		}
		store, err := memory.OpenSQLite(cfg.Memory.Store, sopts...)
		if err != nil {
			return nil, nil, err
		}
		o.logger.Info("conversation", "id", store.ConversationID())
		mem, closeMemory = store, store.Close
	case conversation != "":
		return nil, nil, fmt.Errorf("--conversation needs memory.store")
	default:
		mem = memory.NewWindow(cfg.Memory.MaxMessages)
	}

	aopts := []assistant.Option{assistant.WithMemory(mem), assistant.WithLogger(o.logger)}
	if cfg.Prompt.Template != "" {
		tmpl, err := os.ReadFile(cfg.Prompt.Template)
		if err != nil {
			_ = closeMemory()
			return nil, nil, fmt.Errorf("read prompt template: %w", err)
		}
		aopts = append(aopts, assistant.WithPrompt(string(tmpl)))
	}
	a, err := assistant.New(ctx, m, llm, aopts...)
	if err != nil {
		_ = closeMemory()
		return nil, nil, err
	}
	return a, closeMemory, nil
}
