package main

import (
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/eddiefleurent/shortput_closer/internal/models"
)

func newPositionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "List option positions reported by the brokerage account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.configPath, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.connect(cmd.Context()); err != nil {
				return err
			}
			positions, err := a.session.FetchPositions(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fprintf(w, "SYMBOL\tEXPIRY\tSTRIKE\tRIGHT\tQTY\tAVG COST\n")
			for _, p := range positions {
				fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.2f\n",
					p.Symbol, p.Expiry, models.FormatStrike(p.Strike), p.Right, p.Quantity, p.AvgCost)
			}
			return w.Flush()
		},
	}
}
