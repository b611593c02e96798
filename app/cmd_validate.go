package app

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/JiscSD/rdss-dataverse-ingest/deposit"
	"github.com/JiscSD/rdss-dataverse-ingest/ingest"
	"github.com/JiscSD/rdss-dataverse-ingest/mapping"
)

func NewCmdValidate(out io.Writer, logger logrus.FieldLogger, config *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <deposit-dir>",
		Short: "Check a deposit without sending it to Dataverse",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doValidate(out, logger, config, afero.NewOsFs(), args[0])
		},
	}
}

func doValidate(out io.Writer, logger logrus.FieldLogger, config *Config, fs afero.Fs, dir string) error {
	ctx := context.Background()

	policy, err := ingest.NewPolicy(config.Ingest.Mode, config.RetryPolicy(), config.Ingest.NBNPrefix)
	if err != nil {
		return err
	}

	d, err := deposit.NewStore(fs).ReadDeposit(dir)
	if err != nil {
		return errors.Wrap(err, "cannot read deposit")
	}
	fmt.Fprintf(out, "Deposit %s (%s), target %s\n", d.ID, policy.Name(), policy.Target(d))

	if err := policy.CheckType(d); err != nil {
		fmt.Fprintln(out, "The deposit is rejected:", err)
		return nil
	}

	bv, err := newValidator(config)
	if err != nil {
		return err
	}
	result, err := bv.Validate(ctx, d.BagDir, policy.Profile())
	if err != nil {
		return errors.Wrap(err, "bag validation could not be performed")
	}
	if !result.Compliant {
		fmt.Fprintln(out, "The bag is not compliant!")
		for _, v := range result.Violations {
			fmt.Fprintf(out, "%s: %s\n", v.Rule, v.Message)
		}
		return nil
	}

	mapper, err := mapping.New(logger, fs, config.Mapping.Schema)
	if err != nil {
		return err
	}
	desc, err := mapper.Map(ctx, d)
	if err != nil {
		fmt.Fprintln(out, "The metadata cannot be mapped:", err)
		return nil
	}
	if desc.DateAvailable.IsZero() {
		fmt.Fprintln(out, "The deposit is valid.")
	} else {
		fmt.Fprintf(out, "The deposit is valid, files available from %s.\n", desc.DateAvailable.Format("2006-01-02"))
	}
	return nil
}
