// SPDX-License-Identifier: GPL-2.0-or-later

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/voysys/vraw-convert/pkg/convert"
)

var batchWorkers int

var batchCmd = &cobra.Command{
	Use:   "batch <dir>",
	Short: "Convert every recording under a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(
			cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, ctx, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer app.close()

		inputs, err := convert.FindRecordings(args[0])
		if err != nil {
			return err
		}
		if len(inputs) == 0 {
			app.logger.Info().Src("batch").
				Msgf("no recordings found under %v", args[0])
			return nil
		}

		conf := app.convertConfig()
		applyEncoderFlags(&conf)

		results := convert.NewConverter(app.logger).
			ConvertAll(ctx, conf, inputs, batchWorkers)

		failed := 0
		for _, result := range results {
			if result.Err != nil {
				failed++
				app.logger.Error().Src("batch").
					Msgf("%v: %v", result.InputPath, result.Err)
			}
		}
		app.logger.Info().Src("batch").
			Msgf("converted %d of %d recordings", len(results)-failed, len(results))
		if failed > 0 {
			return fmt.Errorf("%d of %d conversions failed", failed, len(results))
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().IntVar(&batchWorkers, "workers", runtime.NumCPU(),
		"number of concurrent conversions")
	addEncoderFlags(batchCmd.Flags())
	rootCmd.AddCommand(batchCmd)
}
