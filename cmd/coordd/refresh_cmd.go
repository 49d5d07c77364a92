package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	coordd "github.com/WilliamAGH/williamcallahan.com-sub008"
	"github.com/WilliamAGH/williamcallahan.com-sub008/refresh"
)

// newRefreshCommand runs a single refresh cycle for one or all configured
// datasets and exits. Useful from cron or for manual cache warming.
func newRefreshCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh [dataset...]",
		Short: "Run one refresh cycle for the named datasets (all configured datasets when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()

			if err := loadConfigFile(); err != nil {
				return err
			}
			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			layer, err := coordd.NewLayer(cfg, coordd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer layer.Close()

			datasets := args
			if len(datasets) == 0 {
				for _, ds := range cfg.Datasets {
					datasets = append(datasets, ds.Name)
				}
			}
			if len(datasets) == 0 {
				return fmt.Errorf("no datasets configured")
			}

			var failed int
			for _, name := range datasets {
				outcome, err := layer.Refresh(ctx, name)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%v\n", name, outcome, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, outcome)
				if outcome == refresh.OutcomeFailed {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d datasets failed to refresh", failed, len(datasets))
			}
			return nil
		},
	}
	return cmd
}
