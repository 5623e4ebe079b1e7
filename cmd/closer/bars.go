package main

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/eddiefleurent/shortput_closer/internal/export"
	"github.com/eddiefleurent/shortput_closer/internal/models"
)

func newBarsCmd(opts *rootOptions) *cobra.Command {
	var (
		duration string
		barSize  string
		dir      string
	)

	cmd := &cobra.Command{
		Use:   "bars <symbol>...",
		Short: "Export historical bars to one CSV file per symbol",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.configPath, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			if !cmd.Flags().Changed("duration") {
				duration = a.cfg.Export.Duration
			}
			if !cmd.Flags().Changed("bar-size") {
				barSize = a.cfg.Export.BarSize
			}
			if !cmd.Flags().Changed("dir") {
				dir = a.cfg.Export.Dir
			}

			if err := a.connect(cmd.Context()); err != nil {
				return err
			}
			written, err := export.ExportBars(cmd.Context(), a.session, export.NewBarWriter(dir), args, export.Options{
				Duration: duration,
				BarSize:  barSize,
				Exchange: models.ExchangeIsland,
			}, a.logger)
			if err != nil {
				return err
			}

			symbols := make([]string, 0, len(written))
			for s := range written {
				symbols = append(symbols, s)
			}
			sort.Strings(symbols)
			for _, s := range symbols {
				a.printf("%s\t%s\n", s, written[s])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&duration, "duration", "2 D", "history window, e.g. \"2 D\"")
	cmd.Flags().StringVar(&barSize, "bar-size", "5 mins", "bar size, e.g. \"5 mins\"")
	cmd.Flags().StringVar(&dir, "dir", "data", "output directory")
	return cmd
}
