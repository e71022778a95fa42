package convert

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/voysys/vraw-convert/pkg/ffmpeg"
	"github.com/voysys/vraw-convert/pkg/ffmpeg/ffmock"
	"github.com/voysys/vraw-convert/pkg/log"
	"github.com/voysys/vraw-convert/pkg/storage"
	"github.com/voysys/vraw-convert/pkg/vraw"
)

func u32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }
func u64(v uint64) []byte { return binary.LittleEndian.AppendUint64(nil, v) }
func i32(v int32) []byte  { return u32(uint32(v)) }
func i64(v int64) []byte  { return u64(uint64(v)) }

type testFrame struct {
	format    vraw.VideoCaptureFormat
	width     int32
	height    int32
	timestamp int64
	payload   []byte
}

func testRecording(frames ...testFrame) []byte {
	buf := u32(vraw.RecordingMagic)
	buf = append(buf, u32(0)...)
	buf = append(buf, u64(1646686200)...)

	for i, frame := range frames {
		buf = append(buf, u32(vraw.FrameMagic)...)
		buf = append(buf, i32(0)...)        // Stream id.
		buf = append(buf, i32(int32(i))...) // Frame number.
		buf = append(buf, i32(frame.width)...)
		buf = append(buf, i32(frame.height)...)
		buf = append(buf, i32(int32(frame.format))...)
		buf = append(buf, i64(frame.timestamp)...)
		buf = append(buf, i64(frame.timestamp+1000)...)
		buf = append(buf, i64(int64(len(frame.payload)))...)
		buf = append(buf, frame.payload...)

		buf = append(buf, u32(vraw.GenericMetadataHeaderMagic)...)
		buf = append(buf, u32(0)...)
		buf = append(buf, u32(vraw.GenericMetadataFooterMagic)...)
		buf = append(buf, u32(0)...)
	}

	buf = append(buf, u32(vraw.IndexMagic)...)
	return append(buf, u32(0)...)
}

func rgbFrames(timestamps ...int64) []testFrame {
	frames := make([]testFrame, 0, len(timestamps))
	for i, t := range timestamps {
		frames = append(frames, testFrame{
			format:    vraw.FormatRgb,
			width:     640,
			height:    480,
			timestamp: t,
			payload:   []byte{byte(i), byte(i), byte(i), byte(i)},
		})
	}
	return frames
}

func writeRecording(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recording.vraw")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

type converterTest struct {
	converter *Converter
	stdin     *ffmock.Sink
	args      *[]string
	started   *bool
}

func newTestConverter(t *testing.T, newProcess ffmpeg.NewProcessFunc) *converterTest {
	t.Helper()

	logger := log.NewMockLogger()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger.Start(ctx)

	stdin := &ffmock.Sink{}
	args := &[]string{}
	started := new(bool)
	if newProcess == nil {
		newProcess = ffmock.NewProcessMocker(ffmock.MockProcessConfig{
			Stdin: stdin,
			OnStart: func(cmd *exec.Cmd) {
				*args = cmd.Args
				*started = true
			},
		})
	}

	converter := NewConverter(logger)
	converter.newProcess = newProcess
	converter.freeSpace = func(string) (uint64, error) {
		return 1000 * 1000 * 1000, nil
	}
	return &converterTest{
		converter: converter,
		stdin:     stdin,
		args:      args,
		started:   started,
	}
}

func testConfig(inputPath string, outputPath string) Config {
	return Config{
		InputPath:      inputPath,
		OutputPath:     outputPath,
		FFmpegBin:      "ffmpeg",
		FFmpegLogLevel: "error",
		Preset:         "veryfast",
		CRF:            23,
		FallbackRate:   30,
		EncoderTimeout: 5 * time.Second,
	}
}

func TestConvert(t *testing.T) {
	frames := rgbFrames(0, 33500000, 67000000)
	inputPath := writeRecording(t, testRecording(frames...))
	outputPath := filepath.Join(filepath.Dir(inputPath), "out.mp4")

	c := newTestConverter(t, nil)
	result, err := c.converter.Convert(context.Background(), testConfig(inputPath, outputPath))
	require.NoError(t, err)

	require.Equal(t, 3, result.Frames)
	require.InDelta(t, 29.8507, result.Rate, 0.001)
	require.Equal(t, outputPath, result.OutputPath)

	expectedArgs := "ffmpeg -y -threads 1 -loglevel error" +
		" -f rawvideo -pixel_format rgb24 -video_size 640x480" +
		" -framerate 29.851 -i pipe:0" +
		" -c:v libx264 -preset veryfast -crf 23 " + outputPath
	require.Equal(t, expectedArgs, strings.Join(*c.args, " "))

	var payloads []byte
	for _, frame := range frames {
		payloads = append(payloads, frame.payload...)
	}
	require.Equal(t, payloads, c.stdin.Bytes())
	require.True(t, c.stdin.Closed())
}

func TestConvertCoded(t *testing.T) {
	frames := []testFrame{
		{format: vraw.FormatH264, timestamp: 0, payload: []byte{1, 2}},
		{format: vraw.FormatH264, timestamp: 40000000, payload: []byte{3, 4}},
	}
	inputPath := writeRecording(t, testRecording(frames...))
	outputPath := filepath.Join(filepath.Dir(inputPath), "out.mp4")

	c := newTestConverter(t, nil)
	result, err := c.converter.Convert(context.Background(), testConfig(inputPath, outputPath))
	require.NoError(t, err)
	require.Equal(t, 2, result.Frames)

	expectedArgs := "ffmpeg -y -threads 1 -loglevel error -f h264" +
		" -framerate 25.000 -i pipe:0 -c:v copy " + outputPath
	require.Equal(t, expectedArgs, strings.Join(*c.args, " "))
	require.Equal(t, []byte{1, 2, 3, 4}, c.stdin.Bytes())
}

func TestConvertDerivedOutput(t *testing.T) {
	cases := map[string]struct {
		format vraw.VideoCaptureFormat
		ext    string
	}{
		"mp4":   {vraw.FormatH264, ".mp4"},
		"mjpeg": {vraw.FormatMjpeg, ".mjpeg"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			frames := []testFrame{
				{format: tc.format, timestamp: 0, payload: []byte{1}},
				{format: tc.format, timestamp: 40000000, payload: []byte{2}},
			}
			inputPath := writeRecording(t, testRecording(frames...))

			c := newTestConverter(t, nil)
			result, err := c.converter.Convert(context.Background(), testConfig(inputPath, ""))
			require.NoError(t, err)

			dir := filepath.Dir(inputPath)
			require.Equal(t, dir, filepath.Dir(result.OutputPath))
			base := filepath.Base(result.OutputPath)
			require.True(t, strings.HasPrefix(base, "recording_"), base)
			require.True(t, strings.HasSuffix(base, tc.ext), base)
		})
	}
}

func TestConvertStatsSkipped(t *testing.T) {
	video := rgbFrames(0, 40000000)
	frames := []testFrame{
		video[0],
		{format: vraw.FormatStats, timestamp: 5000000, payload: []byte("stats")},
		video[1],
	}
	inputPath := writeRecording(t, testRecording(frames...))
	outputPath := filepath.Join(filepath.Dir(inputPath), "out.mp4")

	c := newTestConverter(t, nil)
	result, err := c.converter.Convert(context.Background(), testConfig(inputPath, outputPath))
	require.NoError(t, err)

	require.Equal(t, 2, result.Frames)
	require.InDelta(t, 25.0, result.Rate, 0.001)
	require.Equal(t, append(video[0].payload, video[1].payload...), c.stdin.Bytes())
}

func TestConvertRateOverride(t *testing.T) {
	inputPath := writeRecording(t, testRecording(rgbFrames(0, 33500000)...))
	outputPath := filepath.Join(filepath.Dir(inputPath), "out.mp4")

	c := newTestConverter(t, nil)
	conf := testConfig(inputPath, outputPath)
	conf.RateOverride = 60

	result, err := c.converter.Convert(context.Background(), conf)
	require.NoError(t, err)
	require.InDelta(t, 60.0, result.Rate, 0.001)
	require.Contains(t, strings.Join(*c.args, " "), "-framerate 60.000")
}

func TestConvertTruncated(t *testing.T) {
	data := testRecording(rgbFrames(0, 33500000, 67000000)...)
	inputPath := writeRecording(t, data[:len(data)-20])

	c := newTestConverter(t, nil)
	_, err := c.converter.Convert(context.Background(), testConfig(inputPath, ""))
	require.ErrorIs(t, err, vraw.ErrUnexpectedEOF)
	require.False(t, *c.started)
}

func TestConvertUnknownFormat(t *testing.T) {
	frames := []testFrame{{format: 1234, timestamp: 0, payload: []byte{1}}}
	inputPath := writeRecording(t, testRecording(frames...))

	c := newTestConverter(t, nil)
	_, err := c.converter.Convert(context.Background(), testConfig(inputPath, ""))
	require.ErrorIs(t, err, ErrUnsupportedFormat)
	require.False(t, *c.started)
}

func TestConvertResolutionChange(t *testing.T) {
	frames := rgbFrames(0, 33500000)
	frames[1].width = 1280
	frames[1].height = 720
	inputPath := writeRecording(t, testRecording(frames...))
	outputPath := filepath.Join(filepath.Dir(inputPath), "out.mp4")

	c := newTestConverter(t, nil)
	_, err := c.converter.Convert(context.Background(), testConfig(inputPath, outputPath))
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	// The second payload must never reach the encoder.
	require.Equal(t, frames[0].payload, c.stdin.Bytes())
}

func TestConvertEmptyRecording(t *testing.T) {
	inputPath := writeRecording(t, testRecording())

	c := newTestConverter(t, nil)
	_, err := c.converter.Convert(context.Background(), testConfig(inputPath, ""))
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestConvertEncoderExit(t *testing.T) {
	inputPath := writeRecording(t, testRecording(rgbFrames(0, 33500000)...))
	outputPath := filepath.Join(filepath.Dir(inputPath), "out.mp4")

	newProcess := ffmock.NewProcessMocker(ffmock.MockProcessConfig{
		ReturnErr: true,
	})
	c := newTestConverter(t, newProcess)

	_, err := c.converter.Convert(context.Background(), testConfig(inputPath, outputPath))
	require.Error(t, err)
	require.ErrorContains(t, err, "encoder")
}

func TestConvertPipeBroken(t *testing.T) {
	inputPath := writeRecording(t, testRecording(rgbFrames(0, 33500000)...))
	outputPath := filepath.Join(filepath.Dir(inputPath), "out.mp4")

	c := newTestConverter(t, nil)
	c.stdin.FailWrites()

	_, err := c.converter.Convert(context.Background(), testConfig(inputPath, outputPath))
	require.ErrorIs(t, err, ErrEncoderPipeBroken)
}

func TestConvertDiskFull(t *testing.T) {
	inputPath := writeRecording(t, testRecording(rgbFrames(0, 33500000)...))

	c := newTestConverter(t, nil)
	c.converter.freeSpace = func(string) (uint64, error) { return 0, nil }

	conf := testConfig(inputPath, "")
	conf.MinFreeSpaceMB = 100

	_, err := c.converter.Convert(context.Background(), conf)
	require.ErrorIs(t, err, storage.ErrDiskFull)
	require.False(t, *c.started)
}

func TestConvertCanceled(t *testing.T) {
	inputPath := writeRecording(t, testRecording(rgbFrames(0, 33500000)...))
	outputPath := filepath.Join(filepath.Dir(inputPath), "out.mp4")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestConverter(t, nil)
	result, err := c.converter.Convert(ctx, testConfig(inputPath, outputPath))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, result.Frames)
	require.False(t, *c.started)
}

func TestEncoderSettingsArgs(t *testing.T) {
	t.Run("unknownFormat", func(t *testing.T) {
		s := EncoderSettings{Format: vraw.FormatInvalid}
		_, err := s.Args()
		require.ErrorIs(t, err, ErrUnsupportedFormat)
	})
	t.Run("mjpegFromRaw", func(t *testing.T) {
		s := EncoderSettings{
			Format:     vraw.FormatMono8,
			Width:      100,
			Height:     100,
			Rate:       30,
			LogLevel:   "error",
			OutputPath: "out.mjpeg",
			Container:  "mjpeg",
		}
		args, err := s.Args()
		require.NoError(t, err)
		expected := "-y -threads 1 -loglevel error" +
			" -f rawvideo -pixel_format gray -video_size 100x100" +
			" -framerate 30.000 -i pipe:0 -c:v mjpeg out.mjpeg"
		require.Equal(t, expected, strings.Join(args, " "))
	})
}

// blockingWriter blocks all writes until released.
type blockingWriter struct {
	release chan struct{}
	mu      sync.Mutex
	buf     []byte
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *blockingWriter) Close() error { return nil }

func TestQueueSink(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		w := &blockingWriter{release: make(chan struct{})}
		sink := newQueueSink(w, 10*time.Millisecond)

		var err error
		for i := 0; i < queueSize+2; i++ {
			if _, err = sink.Write([]byte{byte(i)}); err != nil {
				break
			}
		}
		require.ErrorIs(t, err, ErrEncoderTimeout)

		close(w.release)
		require.NoError(t, sink.Close())
	})
	t.Run("writeError", func(t *testing.T) {
		stdin := &ffmock.Sink{}
		stdin.FailWrites()
		sink := newQueueSink(stdin, time.Second)

		_, err := sink.Write([]byte{1})
		if err == nil {
			err = sink.Close()
		}
		require.ErrorIs(t, err, ErrEncoderPipeBroken)
	})
	t.Run("closedTwice", func(t *testing.T) {
		sink := newQueueSink(&ffmock.Sink{}, time.Second)
		require.NoError(t, sink.Close())
		require.NoError(t, sink.Close())
	})
}

// Interface checks.
var _ io.WriteCloser = &queueSink{}
