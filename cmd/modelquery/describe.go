package main

import (
	"fmt"

	"github.com/spf13/cobra"

	metamodel "github.com/hanpama/modelquery/internal/metamodel"
)

func newDescribeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "describe",
		Short: "Print the model description given to the language model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.loadModel()
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), metamodel.Describe(m))
			return err
		},
	}
}
