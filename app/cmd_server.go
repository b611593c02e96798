package app

import (
	"context"
	"net"
	"net/http"

	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/JiscSD/rdss-dataverse-ingest/ingest"
	"github.com/JiscSD/rdss-dataverse-ingest/queue"
	"github.com/JiscSD/rdss-dataverse-ingest/version"
)

func NewCmdServer(logger logrus.FieldLogger, config *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Start the application server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.WithField("v", version.VERSION).Info("Starting server...")
			return doServer(logger, config)
		},
	}
}

func doServer(logger logrus.FieldLogger, config *Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := build(ctx, logger, config, afero.NewOsFs(), prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	op := &operator{logger: logger, store: c.store, sequencer: c.sequencer, inbox: config.Ingest.Inbox}

	var g run.Group
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return c.sequencer.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		producer, err := newProducer(logger, config, c, op)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return feed(ctx, c.sequencer, producer)
		}, func(error) {
			cancel()
		})
	}
	{
		ln, err := net.Listen("tcp", config.HTTP.Listen)
		if err != nil {
			return err
		}
		logger.WithField("addr", ln.Addr().String()).Info("HTTP server listening")

		g.Add(func() error {
			return http.Serve(ln, newRouter(logger.WithField("component", "http"), c.sequencer))
		}, func(error) {
			ln.Close()
		})
	}
	{
		cancel := make(chan struct{})

		g.Add(func() error {
			err := interrupt(cancel, op)
			logger.Warn("Shutting down...")
			return err
		}, func(error) {
			close(cancel)
		})
	}

	return g.Run()
}

// newProducer returns the source of new deposits.
func newProducer(logger logrus.FieldLogger, config *Config, c *components, op *operator) (ingest.Producer, error) {
	if config.Ingest.Feed != feedSQS {
		logger := logger.WithField("component", "watcher")
		return ingest.NewWatchProducer(logger, c.store, config.Ingest.Inbox, config.Ingest.ScanInterval), nil
	}

	sess, err := awsSession(logger, config.AWS.SQSProfile, config.AWS.SQSEndpoint)
	if err != nil {
		return nil, err
	}
	incomingMessages := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rdss_dataverse_ingest",
		Name:      "incoming_messages_total",
		Help:      "The total number of messages received.",
	})
	prometheus.MustRegister(incomingMessages)

	// Deposits left in the inbox by a previous run are not announced again.
	op.rescan()

	logger = logger.WithField("component", "queue")
	return queue.NewProducer(logger, sqs.New(sess), config.Queue.URL, incomingMessages), nil
}

// feed submits the deposits sent by p until p stops.
func feed(ctx context.Context, seq *ingest.Sequencer, p ingest.Producer) error {
	ch := make(chan string)
	errc := make(chan error, 1)
	go func() {
		errc <- p.Run(ctx, ch)
	}()
	if err := seq.Consume(ctx, ch); err != nil {
		<-errc
		return err
	}
	return <-errc
}

// operator performs the actions triggered by signals.
type operator struct {
	logger    logrus.FieldLogger
	store     ingest.DepositStore
	sequencer *ingest.Sequencer
	inbox     string
}

// rescan submits the deposits found in the inbox, including those parked
// behind targets unblocked by another process.
func (o *operator) rescan() {
	if n, err := o.sequencer.Resume(context.Background()); err != nil {
		o.logger.WithError(err).Error("Cannot resume parked deposits.")
	} else if n > 0 {
		o.logger.WithField("resumed", n).Info("Parked deposits resumed.")
	}

	dirs, err := o.store.ListDeposits(o.inbox)
	if err != nil {
		o.logger.WithError(err).Error("Cannot scan inbox.")
		return
	}
	n := 0
	for _, dir := range dirs {
		if o.sequencer.Submit(dir) {
			n++
		}
	}
	o.logger.WithField("submitted", n).Info("Inbox scanned.")
}

// logBlocked logs the blocked targets.
func (o *operator) logBlocked() {
	entries, err := o.sequencer.Blocked(context.Background())
	if err != nil {
		o.logger.WithError(err).Error("Cannot list blocked targets.")
		return
	}
	for _, e := range entries {
		o.logger.WithFields(logrus.Fields{
			"target": e.Target,
			"since":  e.Since,
			"parked": len(o.sequencer.Parked(e.Target)),
		}).Info(e.Reason)
	}
	o.logger.WithField("count", len(entries)).Info("Blocked targets listed.")
}
