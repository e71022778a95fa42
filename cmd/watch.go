// SPDX-License-Identifier: GPL-2.0-or-later

package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/voysys/vraw-convert/pkg/convert"
	"github.com/voysys/vraw-convert/pkg/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Convert recordings as they appear in a directory",
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

		conf := app.convertConfig()
		applyEncoderFlags(&conf)
		converter := convert.NewConverter(app.logger)

		err = watch.Run(ctx, watch.Config{
			Dir:    args[0],
			Logger: app.logger,
			Convert: func(ctx context.Context, inputPath string) error {
				jobConf := conf
				jobConf.InputPath = inputPath
				_, err := converter.Convert(ctx, jobConf)
				return err
			},
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	addEncoderFlags(watchCmd.Flags())
	rootCmd.AddCommand(watchCmd)
}
