// SPDX-License-Identifier: GPL-2.0-or-later

// Package storage holds the environment configuration and
// destination-side checks.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"gopkg.in/yaml.v3"
)

// ConfigEnv stores system configuration.
type ConfigEnv struct {
	FFmpegBin      string  `yaml:"ffmpegBin"`
	FFmpegLogLevel string  `yaml:"ffmpegLogLevel"`
	LogDBPath      string  `yaml:"logDBPath"`
	Preset         string  `yaml:"preset"`
	CRF            int     `yaml:"crf"`
	FallbackRate   float64 `yaml:"fallbackFramerate"`

	// Seconds the encoder may stall before the conversion fails.
	EncoderTimeoutSec int `yaml:"encoderTimeoutSec"`

	// Minimum free space on the destination filesystem, in megabytes.
	MinFreeSpaceMB uint64 `yaml:"minFreeSpaceMB"`

	ConfigDir string
}

// ErrPathNotAbsolute path is not absolute.
var ErrPathNotAbsolute = errors.New("path is not absolute")

// NewConfigEnv return new environment configuration.
func NewConfigEnv(envPath string, envYAML []byte) (*ConfigEnv, error) {
	var env ConfigEnv

	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)

	if env.FFmpegBin == "" {
		env.FFmpegBin = "/usr/bin/ffmpeg"
	}
	if env.FFmpegLogLevel == "" {
		env.FFmpegLogLevel = "error"
	}
	if env.LogDBPath == "" {
		env.LogDBPath = filepath.Join(env.ConfigDir, "logs.db")
	}
	if env.Preset == "" {
		env.Preset = "veryfast"
	}
	if env.CRF == 0 {
		env.CRF = 23
	}
	if env.FallbackRate == 0 {
		env.FallbackRate = 30
	}
	if env.EncoderTimeoutSec == 0 {
		env.EncoderTimeoutSec = 15
	}

	if !filepath.IsAbs(env.FFmpegBin) {
		return nil, fmt.Errorf("ffmpegBin '%v': %w", env.FFmpegBin, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.LogDBPath) {
		return nil, fmt.Errorf("logDBPath '%v': %w", env.LogDBPath, ErrPathNotAbsolute)
	}

	return &env, nil
}

// DefaultConfigEnv returns the configuration used when no env.yaml
// exists.
func DefaultConfigEnv() *ConfigEnv {
	env, _ := NewConfigEnv("/", nil)
	return env
}

// EncoderTimeout returns the configured encoder stall bound.
func (env ConfigEnv) EncoderTimeout() time.Duration {
	return time.Duration(env.EncoderTimeoutSec) * time.Second
}

// DeriveOutputPath names the output after the input and the time of
// generation, next to the input file.
//
//	/x/recording.vraw -> /x/recording_2022-03-07T20_50_00.mp4
func DeriveOutputPath(inputPath string, ext string, now time.Time) string {
	stem := strings.TrimSuffix(filepath.Base(inputPath), ".vraw")
	name := fmt.Sprintf("%s_%s.%s", stem, now.Format("2006-01-02T15_04_05"), ext)
	return filepath.Join(filepath.Dir(inputPath), name)
}

// ErrDirNotExist destination directory does not exist.
var ErrDirNotExist = errors.New("directory does not exist")

// CheckDestination verifies that the directory the output file will be
// written to exists. It is never created implicitly.
func CheckDestination(outputPath string) error {
	dir := filepath.Dir(outputPath)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %v", ErrDirNotExist, dir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %v", ErrDirNotExist, dir)
	}
	return nil
}

// FreeSpaceFunc is used for mocking.
type FreeSpaceFunc func(path string) (uint64, error)

// FreeSpace returns the free bytes on the filesystem holding path.
func FreeSpace(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// ErrDiskFull not enough free space.
var ErrDiskFull = errors.New("not enough free space")

const megabyte = 1000 * 1000

// EnsureFreeSpace fails when the destination filesystem has less than
// minFreeSpaceMB free. A zero minimum disables the check.
func EnsureFreeSpace(freeSpace FreeSpaceFunc, outputPath string, minFreeSpaceMB uint64) error {
	if minFreeSpaceMB == 0 {
		return nil
	}
	free, err := freeSpace(filepath.Dir(outputPath))
	if err != nil {
		return fmt.Errorf("disk usage: %w", err)
	}
	if free < minFreeSpaceMB*megabyte {
		return fmt.Errorf("%w: %vMB free, %vMB required",
			ErrDiskFull, free/megabyte, minFreeSpaceMB)
	}
	return nil
}
