package main

import (
	"github.com/spf13/cobra"

	protoaccess "github.com/hanpama/modelquery/internal/protoaccess"
)

func newProtoCommand(opts *rootOptions) *cobra.Command {
	var outDir, pkg string
	cmd := &cobra.Command{
		Use:   "proto",
		Short: "Generate the .proto file describing model rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.loadModel()
			if err != nil {
				return err
			}
			reg, err := protoaccess.Build(m, protoaccess.WithPackage(pkg))
			if err != nil {
				return err
			}
			if outDir == "" {
				return reg.Print(cmd.OutOrStdout())
			}
			return reg.Render(outDir)
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (default: stdout)")
	cmd.Flags().StringVar(&pkg, "package", protoaccess.DefaultPackage, "protobuf package name")
	return cmd
}
