// SPDX-License-Identifier: GPL-2.0-or-later

// Package cmd implements the vraw-convert command line interface.
package cmd

import (
	"context"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"github.com/voysys/vraw-convert/pkg/convert"
	"github.com/voysys/vraw-convert/pkg/log"
	"github.com/voysys/vraw-convert/pkg/storage"
)

var envPath string

var rootCmd = &cobra.Command{
	Use:           "vraw-convert",
	Short:         "Convert Voysys .vraw recordings to playable video files",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the command line interface.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envPath, "env", "",
		"path to env.yaml, also enables log persistence")
}

// app wires configuration, the log feed and log persistence for one
// command invocation.
type app struct {
	env    *storage.ConfigEnv
	logger *log.Logger

	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

func newApp(ctx context.Context) (*app, context.Context, error) {
	env, err := loadEnv()
	if err != nil {
		return nil, nil, err
	}

	wg := &sync.WaitGroup{}
	logger := log.NewLogger(wg)

	ctx, cancel := context.WithCancel(ctx)
	logger.Start(ctx)
	go logger.LogToStdout(ctx)

	// Persistence needs a config dir to place the database in.
	if envPath != "" {
		logDB := log.NewDB(env.LogDBPath, wg)
		if err := logDB.Init(ctx); err != nil {
			cancel()
			wg.Wait()
			return nil, nil, err
		}
		go logDB.SaveLogs(ctx, logger)
	}

	a := &app{
		env:    env,
		logger: logger,
		cancel: cancel,
		wg:     wg,
	}
	return a, ctx, nil
}

func (a *app) close() {
	a.cancel()
	a.wg.Wait()
}

func loadEnv() (*storage.ConfigEnv, error) {
	if envPath == "" {
		return storage.DefaultConfigEnv(), nil
	}
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		return nil, err
	}
	return storage.NewConfigEnv(envPath, envYAML)
}

func (a *app) convertConfig() convert.Config {
	return convert.Config{
		FFmpegBin:      a.env.FFmpegBin,
		FFmpegLogLevel: a.env.FFmpegLogLevel,
		Preset:         a.env.Preset,
		CRF:            a.env.CRF,
		FallbackRate:   a.env.FallbackRate,
		EncoderTimeout: a.env.EncoderTimeout(),
		MinFreeSpaceMB: a.env.MinFreeSpaceMB,
	}
}
