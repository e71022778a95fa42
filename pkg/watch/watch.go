// SPDX-License-Identifier: GPL-2.0-or-later

// Package watch converts recordings as they appear in a directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/voysys/vraw-convert/pkg/log"
)

// ConvertFunc converts one recording.
type ConvertFunc func(ctx context.Context, inputPath string) error

// Config watcher configuration.
type Config struct {
	Dir     string
	Convert ConvertFunc
	Logger  *log.Logger

	// StablePoll is how long the file size must stay unchanged
	// before a new recording is considered fully written.
	StablePoll time.Duration
}

const defaultStablePoll = 500 * time.Millisecond

// Run watches Dir and converts each new .vraw file once the recorder
// has finished writing it. Recordings are converted one at a time,
// conversion errors are logged and do not stop the watcher. Run
// blocks until ctx is canceled or the watcher fails.
func Run(ctx context.Context, conf Config) error {
	if conf.StablePoll == 0 {
		conf.StablePoll = defaultStablePoll
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(conf.Dir); err != nil {
		return fmt.Errorf("watch %v: %w", conf.Dir, err)
	}
	conf.Logger.Info().Src("watch").Msgf("watching %v", conf.Dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !strings.EqualFold(filepath.Ext(event.Name), ".vraw") {
				continue
			}
			handleRecording(ctx, conf, event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			conf.Logger.Error().Src("watch").Msgf("watcher: %v", err)
		}
	}
}

func handleRecording(ctx context.Context, conf Config, path string) {
	if err := waitStable(ctx, path, conf.StablePoll); err != nil {
		if !errors.Is(err, context.Canceled) {
			conf.Logger.Error().Src("watch").Msgf("wait for %v: %v", path, err)
		}
		return
	}
	if err := conf.Convert(ctx, path); err != nil && !errors.Is(err, context.Canceled) {
		conf.Logger.Error().Src("watch").Msgf("convert %v: %v", path, err)
	}
}

// waitStable returns once the file size has stayed unchanged for one
// poll interval. The recorder keeps appending until it finalizes the
// index, converting earlier would truncate the output.
func waitStable(ctx context.Context, path string, poll time.Duration) error {
	var lastSize int64 = -1
	for {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() == lastSize {
			return nil
		}
		lastSize = info.Size()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}
