package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	selection "github.com/hanpama/modelquery/internal/selection"
)

type parseResult struct {
	Query    string         `json:"query"`
	Distinct bool           `json:"distinct,omitempty"`
	Roots    []string       `json:"roots"`
	Columns  []parsedColumn `json:"columns"`
}

type parsedColumn struct {
	Label string `json:"label"`
	Kind  string `json:"kind"`
	Node  string `json:"node"`
}

func newParseCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "parse <query>",
		Short: "Show the result shape of a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := selection.Parse(args[0])
			if err != nil {
				return err
			}
			res := parseResult{Query: q.Text, Distinct: q.Distinct}
			for _, r := range q.Roots {
				res.Roots = append(res.Roots, r.Type+" "+r.String())
			}
			for i, c := range q.Shape.Columns {
				res.Columns = append(res.Columns, parsedColumn{Label: q.Shape.Labels[i], Kind: nodeKind(c), Node: c.String()})
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			for _, c := range res.Columns {
				if _, err := fmt.Fprintf(out, "%s\t%s\t%s\n", c.Label, c.Kind, c.Node); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the shape as JSON")
	return cmd
}

func nodeKind(n selection.Node) string {
	switch n.(type) {
	case *selection.Root:
		return "root"
	case *selection.Path:
		return "path"
	case *selection.Tuple:
		return "tuple"
	}
	return "opaque"
}
