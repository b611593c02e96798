package app

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/JiscSD/rdss-dataverse-ingest/ingest"
)

func NewCmdImport(out io.Writer, logger logrus.FieldLogger, config *Config) *cobra.Command {
	var inbox string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Process the deposits found in the inbox and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if inbox != "" {
				config.Ingest.Inbox = inbox
			}
			return doImport(out, logger, config)
		},
	}

	cmd.Flags().StringVarP(&inbox, "inbox", "i", "", "Inbox (defaults to the configured one)")

	return cmd
}

func doImport(out io.Writer, logger logrus.FieldLogger, config *Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := build(ctx, logger, config, afero.NewOsFs(), nil)
	if err != nil {
		return err
	}

	if err := feed(ctx, c.sequencer, ingest.NewScanProducer(c.store, config.Ingest.Inbox)); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- c.sequencer.Run(ctx) }()

	err = c.sequencer.Drain(ctx)
	cancel()
	<-done
	if err != nil {
		return err
	}

	entries, err := c.sequencer.Blocked(context.Background())
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s is blocked (%s), %d deposit(s) left in the inbox\n",
			e.Target, e.Reason, len(c.sequencer.Parked(e.Target)))
	}
	return nil
}
