package app

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultLogLevel = logrus.WarnLevel

var (
	configFile     string
	verbosityLevel string
)

func Run(out, stderr io.Writer) error {
	c := RootCommand(out, stderr)
	return c.Execute()
}

func RootCommand(out, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rdss-dataverse-ingest",
		Short:         "RDSS Dataverse Ingest",
		Long:          "Publishes the deposits found in an inbox as Dataverse datasets.",
		SilenceErrors: true,
	}

	cmd.SetOutput(out)
	cmd.Root().SilenceUsage = true

	config := &Config{}
	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(config); err != nil {
			return err
		}

		level := verbosityLevel
		if level == "" {
			level = config.Logging.Level
		}
		return setUpLogger(stderr, level, config.Logging.Format)
	}

	logger := func(name string) logrus.FieldLogger {
		return logrus.WithField("cmd", name)
	}
	cmd.AddCommand(
		NewCmdConfig(out, config),
		NewCmdVersion(out),
		NewCmdServer(logger("server"), config),
		NewCmdImport(out, logger("import"), config),
		NewCmdValidate(out, logger("validate"), config),
		NewCmdBlock(out, logger("block"), config),
		NewCmdUnblock(out, logger("unblock"), config),
		NewCmdBlocked(out, logger("blocked"), config),
	)

	cmd.PersistentFlags().StringVarP(&verbosityLevel, "verbosity", "v", "", "Log level (debug, info, warn, error, fatal, panic)")
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file")

	return cmd
}

func setUpLogger(out io.Writer, level, format string) error {
	if level == "" {
		level = defaultLogLevel.String()
	}
	logrus.SetOutput(out)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrap(err, "parsing log level")
	}
	logrus.SetLevel(lvl)
	switch format {
	case logFormatJSON:
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
