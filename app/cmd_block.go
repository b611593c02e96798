package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// The commands below change the registry directly. A running server honours
// a new block from the next deposit it takes. Its parked deposits are
// released through its HTTP interface, or on SIGUSR1 after an unblock here.

func NewCmdBlock(out io.Writer, logger logrus.FieldLogger, config *Config) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <target>",
		Short: "Stop processing the deposits of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			registry, err := newRegistry(ctx, logger, config)
			if err != nil {
				return err
			}
			if err := registry.Block(ctx, args[0], reason); err != nil {
				return err
			}
			fmt.Fprintln(out, "Blocked", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "blocked by operator", "Reason")

	return cmd
}

func NewCmdUnblock(out io.Writer, logger logrus.FieldLogger, config *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <target>",
		Short: "Resume processing the deposits of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			registry, err := newRegistry(ctx, logger, config)
			if err != nil {
				return err
			}
			if err := registry.Unblock(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(out, "Unblocked", args[0])
			return nil
		},
	}
}

func NewCmdBlocked(out io.Writer, logger logrus.FieldLogger, config *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "blocked",
		Short: "List the blocked targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			registry, err := newRegistry(ctx, logger, config)
			if err != nil {
				return err
			}
			entries, err := registry.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "TARGET\tSINCE\tREASON")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Target, e.Since.Format(time.RFC3339), e.Reason)
			}
			return w.Flush()
		},
	}
}
