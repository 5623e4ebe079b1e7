package main

import (
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/eddiefleurent/shortput_closer/internal/models"
)

func newChainCmd(opts *rootOptions) *cobra.Command {
	var (
		secType string
		conID   int64
	)

	cmd := &cobra.Command{
		Use:   "chain <symbol>",
		Short: "Show option chain parameters for an underlying",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.configPath, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.connect(cmd.Context()); err != nil {
				return err
			}
			symbol := strings.ToUpper(args[0])
			params, err := a.session.FetchOptionChainParams(cmd.Context(), a.session.NextRequestID(), symbol, secType, conID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fprintf(w, "EXCHANGE\tCLASS\tMULT\tEXPIRATIONS\tSTRIKES\n")
			for _, p := range params {
				fprintf(w, "%s\t%s\t%s\t%s\t%d (%s..%s)\n",
					p.Exchange, p.TradingClass, p.Multiplier, strings.Join(p.Expirations, ","),
					len(p.Strikes), firstStrike(p.Strikes), lastStrike(p.Strikes))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&secType, "sec-type", models.SecTypeStock, "security type of the underlying")
	cmd.Flags().Int64Var(&conID, "con-id", 0, "contract id of the underlying, if known")
	return cmd
}

func firstStrike(strikes []float64) string {
	if len(strikes) == 0 {
		return "-"
	}
	return models.FormatStrike(strikes[0])
}

func lastStrike(strikes []float64) string {
	if len(strikes) == 0 {
		return "-"
	}
	return models.FormatStrike(strikes[len(strikes)-1])
}
