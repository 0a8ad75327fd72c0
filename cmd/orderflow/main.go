package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "orderflow:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	addr string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "orderflow",
		Short:         "Custodial transaction order lifecycle engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "localhost:50051", "gRPC address of a running engine")

	cmd.AddCommand(
		newServeCommand(),
		newSweepCommand(),
		newSelectCommand(opts),
		newCancelCommand(opts),
	)
	return cmd
}
