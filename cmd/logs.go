// SPDX-License-Identifier: GPL-2.0-or-later

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/voysys/vraw-convert/pkg/log"
)

var (
	logsLevel string
	logsSrc   string
	logsJob   string
	logsLimit int
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print saved conversion logs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if envPath == "" {
			return errors.New("logs requires --env, persistence is disabled without it")
		}
		env, err := loadEnv()
		if err != nil {
			return err
		}

		query := log.Query{
			Time:  log.UnixMillisecond(time.Now().UnixNano() / 1000),
			Limit: logsLimit,
		}
		if logsLevel != "" {
			level, err := parseLevel(logsLevel)
			if err != nil {
				return err
			}
			query.Levels = []log.Level{level}
		}
		if logsSrc != "" {
			query.Srcs = []string{logsSrc}
		}
		if logsJob != "" {
			query.Jobs = []string{logsJob}
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		wg := &sync.WaitGroup{}
		logDB := log.NewDB(env.LogDBPath, wg)
		if err := logDB.Init(ctx); err != nil {
			cancel()
			return err
		}
		defer wg.Wait()
		defer cancel()

		logs, err := logDB.Query(query)
		if err != nil {
			return err
		}
		for _, entry := range *logs {
			printEntry(cmd, entry)
		}
		return nil
	},
}

func parseLevel(level string) (log.Level, error) {
	switch strings.ToLower(level) {
	case "error":
		return log.LevelError, nil
	case "warning":
		return log.LevelWarning, nil
	case "info":
		return log.LevelInfo, nil
	case "debug":
		return log.LevelDebug, nil
	}
	return 0, fmt.Errorf("unknown level: %q", level)
}

func levelName(level log.Level) string {
	switch level {
	case log.LevelError:
		return "ERROR"
	case log.LevelWarning:
		return "WARNING"
	case log.LevelInfo:
		return "INFO"
	case log.LevelDebug:
		return "DEBUG"
	}
	return "UNKNOWN"
}

func printEntry(cmd *cobra.Command, entry log.Log) {
	t := time.UnixMicro(int64(entry.Time)).Format(time.RFC3339)
	line := fmt.Sprintf("%v [%v]", t, levelName(entry.Level))
	if entry.Job != "" {
		line += " " + entry.Job
	}
	if entry.Src != "" {
		line += " " + entry.Src + ":"
	}
	cmd.Println(line + " " + entry.Msg)
}

func init() {
	logsCmd.Flags().StringVar(&logsLevel, "level", "",
		"only logs with this level (error, warning, info, debug)")
	logsCmd.Flags().StringVar(&logsSrc, "src", "", "only logs from this source")
	logsCmd.Flags().StringVar(&logsJob, "job", "", "only logs for this job id")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 100, "maximum number of entries")
	rootCmd.AddCommand(logsCmd)
}
