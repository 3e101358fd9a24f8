package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"

	protoaccess "github.com/hanpama/modelquery/internal/protoaccess"
	selection "github.com/hanpama/modelquery/internal/selection"
	serializer "github.com/hanpama/modelquery/internal/serializer"
)

type serializeOptions struct {
	Query   string
	Rows    string
	Message string
}

func newSerializeCommand(opts *rootOptions) *cobra.Command {
	so := &serializeOptions{}
	cmd := &cobra.Command{
		Use:   "serialize",
		Short: "Render query rows as JSON-shaped text",
		Long: `Render the rows of a query as the text handed back to the language model.

Rows are read as a JSON array, one element per row. With --message every row
is decoded as the protobuf JSON form of that model type and read through the
generated descriptors.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSerialize(cmd, opts, so)
		},
	}
	cmd.Flags().StringVarP(&so.Query, "query", "q", "", "query whose select list shapes the rows (required)")
	cmd.Flags().StringVarP(&so.Rows, "rows", "r", "-", "JSON file with the rows, - for stdin")
	cmd.Flags().StringVar(&so.Message, "message", "", "decode rows as protobuf messages of this model type")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

func runSerialize(cmd *cobra.Command, opts *rootOptions, so *serializeOptions) error {
	m, err := opts.loadModel()
	if err != nil {
		return err
	}
	q, err := selection.Parse(so.Query)
	if err != nil {
		return err
	}
	data, err := readInput(cmd, so.Rows)
	if err != nil {
		return fmt.Errorf("read rows: %w", err)
	}

	sopts := []serializer.Option{serializer.WithLogger(opts.logger)}
	var rows []any
	if so.Message != "" {
		reg, err := protoaccess.Build(m)
		if err != nil {
			return err
		}
		if rows, err = decodeMessageRows(data, reg, so.Message); err != nil {
			return err
		}
		sopts = append(sopts, serializer.WithAccessor(protoaccess.NewAccessor(reg)))
	} else if rows, err = decodeRows(data); err != nil {
		return err
	}

	out, err := serializer.New(m, sopts...).SerializeQuery(rows, q)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
	return err
}

func decodeRows(data []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rows []any
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return rows, nil
}

func decodeMessageRows(data []byte, reg *protoaccess.Registry, typeName string) ([]any, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	rows := make([]any, len(raw))
	for i, r := range raw {
		msg, err := reg.New(typeName)
		if err != nil {
			return nil, err
		}
		if err := protojson.Unmarshal(r, msg); err != nil {
			return nil, fmt.Errorf("decode row %d as %s: %w", i, typeName, err)
		}
		rows[i] = msg
	}
	return rows, nil
}

