package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eddiefleurent/shortput_closer/internal/orders"
	"github.com/eddiefleurent/shortput_closer/internal/strategy"
)

type rootOptions struct {
	configPath string
	dryRun     bool
	noDryRun   bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "closer",
		Short: "Close short option positions with time-decayed limit orders",
		Long: `Closer reads open short option positions from a spreadsheet export or the
tracker API, prices a buy-to-close limit for each one from the days elapsed
since the sale, and submits the orders through the brokerage gateway.

Examples:
  closer --config config.yaml --dry-run
  closer positions
  closer chain CPER
  closer bars CPER UVXY --duration "5 D"`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClose(cmd, opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to configuration file")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "compute and log orders without submitting them")
	cmd.Flags().BoolVar(&opts.noDryRun, "no-dry-run", false, "submit orders even if the config enables dry run")
	cmd.MarkFlagsMutuallyExclusive("dry-run", "no-dry-run")

	cmd.AddCommand(
		newPositionsCmd(opts),
		newChainCmd(opts),
		newBarsCmd(opts),
	)
	return cmd
}

func runClose(cmd *cobra.Command, opts *rootOptions) error {
	a, err := newApp(opts.configPath, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	dryRun := a.cfg.Orders.DryRun
	if cmd.Flags().Changed("dry-run") {
		dryRun = opts.dryRun
	}
	if cmd.Flags().Changed("no-dry-run") && opts.noDryRun {
		dryRun = false
	}

	a.logger.Infof("Starting short option closer in %s mode", a.cfg.Environment.Mode)
	if !a.cfg.IsPaperTrading() && !dryRun {
		a.logger.Warnf("LIVE TRADING MODE - closing orders will be submitted to the %q gateway provider", a.cfg.Gateway.Provider)
		if a.cfg.Gateway.Provider == "simulated" {
			a.logger.Warn("The simulated gateway keeps orders in process; nothing reaches a brokerage")
		}
	}

	if err := a.openJournal(); err != nil {
		return err
	}
	reader, err := a.newReader()
	if err != nil {
		return err
	}

	// A dry run only prices and logs, so it needs no brokerage connection
	ctx := cmd.Context()
	var placer orders.OrderPlacer
	if !dryRun {
		if err := a.connect(ctx); err != nil {
			return err
		}
		placer = a.session
	}
	a.startDashboard()

	closer := orders.NewCloser(
		placer,
		strategy.NewPricer(a.cfg.Pricing.OneDecimalSymbols),
		a.journal,
		a.logger,
		orders.Config{DryRun: dryRun, Exchange: a.cfg.Orders.Exchange},
	)
	summary, runErr := closer.Run(ctx, reader.OpenShortPositions(ctx))

	a.printf("Run %s: processed %d, planned %d, submitted %d, rejected %d, skipped %d\n",
		summary.RunID, summary.Processed, summary.Planned, summary.Submitted, summary.Rejected, summary.Skipped)
	for _, id := range summary.OrderIDs {
		a.printf("  order %d\n", id)
	}
	for _, f := range summary.Failures {
		a.printf("  failed %s: %v\n", f.Position, f.Err)
	}

	if runErr != nil {
		return fmt.Errorf("close batch: %w", runErr)
	}
	return nil
}
