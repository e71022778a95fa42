// SPDX-License-Identifier: GPL-2.0-or-later

// Package convert turns .vraw recordings into playable video files by
// streaming frame payloads through an external ffmpeg process.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voysys/vraw-convert/pkg/ffmpeg"
	"github.com/voysys/vraw-convert/pkg/log"
	"github.com/voysys/vraw-convert/pkg/storage"
	"github.com/voysys/vraw-convert/pkg/vraw"
)

// Config is the configuration for one conversion job.
type Config struct {
	InputPath  string
	OutputPath string // Empty means derive from InputPath.

	FFmpegBin      string
	FFmpegLogLevel string
	Preset         string
	CRF            int

	// RateOverride skips rate estimation when positive.
	RateOverride float64
	FallbackRate float64

	EncoderTimeout time.Duration
	MinFreeSpaceMB uint64
}

// Converter runs conversion jobs. Encoder and disk access are
// injectable for testing.
type Converter struct {
	logger     *log.Logger
	newProcess ffmpeg.NewProcessFunc
	freeSpace  storage.FreeSpaceFunc
}

func NewConverter(logger *log.Logger) *Converter {
	return &Converter{
		logger:     logger,
		newProcess: ffmpeg.NewProcess,
		freeSpace:  storage.FreeSpace,
	}
}

// Result describes a finished conversion.
type Result struct {
	JobID      string
	OutputPath string
	Frames     int
	Rate       float64
}

// Convert converts one recording. The input is decoded twice, a
// metadata pre-pass estimates the frame rate and a second pass
// streams payloads to the encoder. Cancellation is honored at frame
// boundaries and closes the encoder input cleanly, so an already
// started output file stays playable.
func (c *Converter) Convert(ctx context.Context, conf Config) (Result, error) {
	if conf.EncoderTimeout == 0 {
		conf.EncoderTimeout = 15 * time.Second
	}

	jobID := uuid.NewString()[:8]
	logf := func(level log.Level, format string, a ...interface{}) {
		c.logger.Level(level).Src("convert").Job(jobID).Msgf(format, a...)
	}

	logf(log.LevelInfo, "converting %v", conf.InputPath)

	pre, err := c.prePass(conf, logf)
	if err != nil {
		return Result{}, fmt.Errorf("pre-pass: %w", err)
	}

	outputPath, container, err := resolveOutput(conf, pre.format)
	if err != nil {
		return Result{}, err
	}
	if err := storage.CheckDestination(outputPath); err != nil {
		return Result{}, err
	}
	if err := storage.EnsureFreeSpace(c.freeSpace, outputPath, conf.MinFreeSpaceMB); err != nil {
		return Result{}, err
	}

	rate := conf.RateOverride
	if rate <= 0 {
		estimated, ok := pre.estimator.Estimate(conf.FallbackRate)
		if !ok {
			logf(log.LevelWarning,
				"could not estimate frame rate, using fallback %.3f", estimated)
		}
		rate = estimated
	}
	logf(log.LevelInfo, "%d frames, %v, %v, %.3f fps",
		pre.frameCount, pre.format, pre.resolution, rate)

	settings := EncoderSettings{
		Rate:       rate,
		LogLevel:   conf.FFmpegLogLevel,
		Preset:     conf.Preset,
		CRF:        conf.CRF,
		OutputPath: outputPath,
		Container:  container,
	}

	frames, err := c.encode(ctx, conf, settings, logf)
	if err != nil && !errors.Is(err, context.Canceled) {
		// A partial output is worse than none.
		if removeErr := os.Remove(outputPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			logf(log.LevelError, "could not remove partial output: %v", removeErr)
		}
		return Result{}, err
	}
	if frames != pre.frameCount {
		logf(log.LevelWarning, "frame count changed between passes: %d != %d",
			frames, pre.frameCount)
	}

	result := Result{
		JobID:      jobID,
		OutputPath: outputPath,
		Frames:     frames,
		Rate:       rate,
	}
	if err != nil {
		return result, err
	}
	logf(log.LevelInfo, "wrote %v", outputPath)
	return result, nil
}

type prePassInfo struct {
	estimator  vraw.RateEstimator
	format     vraw.VideoCaptureFormat
	resolution string
	frameCount int
}

type logfFunc func(level log.Level, format string, a ...interface{})

// prePass walks frame metadata without touching payloads. It rejects
// unknown formats up front so a bad stream never starts an encoder.
func (c *Converter) prePass(conf Config, logf logfFunc) (*prePassInfo, error) {
	file, err := os.Open(conf.InputPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := vraw.NewMetadataDecoder(file)
	header, err := decoder.ReadHeader()
	if err != nil {
		return nil, err
	}
	if !header.MagicOK() {
		logf(log.LevelWarning, "recording header magic mismatch: %#08x", header.Magic)
	}

	pre := &prePassInfo{format: vraw.FormatInvalid}
	for {
		frame, err := decoder.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if frame.Format == vraw.FormatStats {
			continue
		}
		if !frame.Format.Known() {
			return nil, fmt.Errorf("frame %d: %w: %d",
				frame.Index, ErrUnsupportedFormat, int32(frame.Format))
		}
		if pre.frameCount == 0 {
			pre.format = frame.Format
			pre.resolution = frame.Resolution()
		}
		pre.estimator.Add(frame.Timestamp, frame.ReceiveTimestamp)
		pre.frameCount++
	}
	if pre.frameCount == 0 {
		return nil, fmt.Errorf("%w: recording contains no video frames",
			ErrUnsupportedFormat)
	}
	return pre, nil
}

// encode runs the second pass, streaming payloads to the encoder.
func (c *Converter) encode(
	ctx context.Context,
	conf Config,
	settings EncoderSettings,
	logf logfFunc,
) (int, error) {
	file, err := os.Open(conf.InputPath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	processErr := make(chan error, 1)
	processCtx, cancelProcess := context.WithCancel(context.Background())
	defer cancelProcess()

	startEncoder := func(s EncoderSettings) (io.WriteCloser, error) {
		args, err := s.Args()
		if err != nil {
			return nil, err
		}
		cmd := exec.Command(conf.FFmpegBin, args...)
		logf(log.LevelInfo, "starting encoder: %v", cmd)

		process := c.newProcess(cmd).
			Timeout(conf.EncoderTimeout).
			StderrLogger(func(msg string) {
				logf(log.FFmpegLevel(conf.FFmpegLogLevel), "encoder: %v", msg)
			})
		stdin, err := process.StdinPipe()
		if err != nil {
			return nil, err
		}
		go func() {
			processErr <- process.Start(processCtx)
		}()
		return newQueueSink(stdin, conf.EncoderTimeout), nil
	}

	dispatcher := NewDispatcher(settings, startEncoder)

	decoder := vraw.NewDecoder(file)
	for {
		if ctx.Err() != nil {
			break
		}
		frame, err := decoder.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			cancelProcess()
			dispatcher.Close()
			return dispatcher.Dispatched(), err
		}
		if frame.Format == vraw.FormatStats {
			continue
		}
		if err := dispatcher.Dispatch(frame); err != nil {
			cancelProcess()
			dispatcher.Close()
			return dispatcher.Dispatched(), err
		}
	}

	// End of input, or canceled. Close the encoder input so the
	// container gets finalized, then wait for the encoder to exit.
	if err := dispatcher.Close(); err != nil {
		cancelProcess()
		return dispatcher.Dispatched(), err
	}
	if dispatcher.Dispatched() > 0 {
		select {
		case err := <-processErr:
			if err != nil {
				return dispatcher.Dispatched(), fmt.Errorf("encoder: %w", err)
			}
		case <-time.After(conf.EncoderTimeout):
			cancelProcess()
			return dispatcher.Dispatched(), fmt.Errorf("waiting for encoder exit: %w", ErrEncoderTimeout)
		}
	}
	return dispatcher.Dispatched(), ctx.Err()
}

// resolveOutput picks the output path and container. An explicit
// output keeps its extension, otherwise the path is derived from the
// input name and the recording format.
func resolveOutput(conf Config, format vraw.VideoCaptureFormat) (string, string, error) {
	if conf.OutputPath != "" {
		container := strings.TrimPrefix(filepath.Ext(conf.OutputPath), ".")
		switch container {
		case "mp4", "mjpeg", "mpjpeg":
		default:
			return "", "", fmt.Errorf("unsupported output container: %q", container)
		}
		return conf.OutputPath, container, nil
	}
	container := DefaultContainer(format)
	return storage.DeriveOutputPath(conf.InputPath, container, time.Now()), container, nil
}

// queueSink decouples decoding from encoder writes with a small
// bounded queue. A write that the encoder does not consume within the
// timeout fails with ErrEncoderTimeout instead of blocking forever.
type queueSink struct {
	queue   chan []byte
	done    chan error
	timeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

const queueSize = 4

func newQueueSink(w io.WriteCloser, timeout time.Duration) *queueSink {
	s := &queueSink{
		queue:   make(chan []byte, queueSize),
		done:    make(chan error, 1),
		timeout: timeout,
	}
	go func() {
		for buf := range s.queue {
			if _, err := w.Write(buf); err != nil {
				s.done <- fmt.Errorf("%w: %v", ErrEncoderPipeBroken, err)
				return
			}
		}
		s.done <- w.Close()
	}()
	return s
}

func (s *queueSink) Write(p []byte) (int, error) {
	select {
	case s.queue <- p:
		return len(p), nil
	case err := <-s.done:
		if err == nil {
			err = io.ErrClosedPipe
		}
		s.done <- err
		return 0, err
	case <-time.After(s.timeout):
		return 0, ErrEncoderTimeout
	}
}

// Close flushes queued payloads and closes the underlying pipe.
func (s *queueSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.queue)
		select {
		case err := <-s.done:
			s.done <- err
			s.closeErr = err
		case <-time.After(s.timeout):
			s.closeErr = ErrEncoderTimeout
		}
	})
	return s.closeErr
}
