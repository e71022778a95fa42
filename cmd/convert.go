// SPDX-License-Identifier: GPL-2.0-or-later

package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/voysys/vraw-convert/pkg/convert"
)

var (
	convertFramerate float64
	convertPreset    string
	convertCRF       int
)

var convertCmd = &cobra.Command{
	Use:   "convert <input.vraw> [output]",
	Short: "Convert one recording",
	Long: "Convert one recording. The output path defaults to the" +
		" input name suffixed with the current time, next to the input.",
	Args: cobra.RangeArgs(1, 2),
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
		conf.InputPath = args[0]
		if len(args) == 2 {
			conf.OutputPath = args[1]
		}
		applyEncoderFlags(&conf)

		_, err = convert.NewConverter(app.logger).Convert(ctx, conf)
		return err
	},
}

func applyEncoderFlags(conf *convert.Config) {
	if convertFramerate > 0 {
		conf.RateOverride = convertFramerate
	}
	if convertPreset != "" {
		conf.Preset = convertPreset
	}
	if convertCRF > 0 {
		conf.CRF = convertCRF
	}
}

func addEncoderFlags(fs *pflag.FlagSet) {
	fs.Float64Var(&convertFramerate, "framerate", 0,
		"override the estimated frame rate")
	fs.StringVar(&convertPreset, "preset", "", "libx264 preset")
	fs.IntVar(&convertCRF, "crf", 0, "libx264 quality, lower is better")
}

func init() {
	addEncoderFlags(convertCmd.Flags())
	rootCmd.AddCommand(convertCmd)
}
