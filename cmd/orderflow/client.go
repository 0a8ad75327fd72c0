package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"orderflow/api/grpcserver"
)

func dial(addr string) (*grpcserver.Client, func(), error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return grpcserver.NewClient(conn), func() { _ = conn.Close() }, nil
}

func printJSON(w io.Writer, v map[string]any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type selectOptions struct {
	*rootOptions
	keyID   string
	chainID uint64
}

func newSelectCommand(root *rootOptions) *cobra.Command {
	opts := &selectOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Show which order the selector would advance next (dry run)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, closeConn, err := dial(opts.addr)
			if err != nil {
				return err
			}
			defer closeConn()
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			out, err := c.SelectNext(ctx, opts.keyID, opts.chainID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&opts.keyID, "key", "", "signing key id")
	cmd.Flags().Uint64Var(&opts.chainID, "chain", 0, "chain id")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("chain")
	return cmd
}

func newCancelCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Request cancellation of an order that has not been broadcast",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeConn, err := dial(root.addr)
			if err != nil {
				return err
			}
			defer closeConn()
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			out, err := c.CancelOrder(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}
