// SPDX-License-Identifier: GPL-2.0-or-later

package convert

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/voysys/vraw-convert/pkg/vraw"
)

// Conversion errors.
var (
	// ErrUnsupportedFormat format outside the known enumeration, or
	// format/resolution changing mid-stream. The encoder is
	// configured once, mixed streams are not supported.
	ErrUnsupportedFormat = errors.New("unsupported video capture format")

	// ErrEncoderPipeBroken the encoder exited or closed its input
	// while frames were still being written. Not retried, a
	// corrupted output is worse than a failed conversion.
	ErrEncoderPipeBroken = errors.New("encoder pipe broken")

	// ErrEncoderTimeout the encoder stopped consuming input.
	ErrEncoderTimeout = errors.New("encoder is unresponsive")
)

// EncoderSettings are the fixed encoder parameters for one
// conversion, derived from the first video frame and the estimated
// frame rate.
type EncoderSettings struct {
	Format vraw.VideoCaptureFormat
	Width  int32
	Height int32
	Rate   float64

	LogLevel   string
	Preset     string
	CRF        int
	OutputPath string
	Container  string // Output extension: "mp4", "mjpeg" or "mpjpeg".
}

// Args returns the encoder invocation. Frame payloads are streamed to
// standard input, the encoder writes the container to OutputPath.
func (s EncoderSettings) Args() ([]string, error) {
	demuxer, ok := s.Format.Demuxer()
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, s.Format)
	}

	args := []string{
		"-y",
		"-threads", "1",
		"-loglevel", s.LogLevel,
		"-f", demuxer,
	}
	if s.Format.IsRaw() {
		pixFmt, ok := s.Format.PixFmt()
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, s.Format)
		}
		args = append(args,
			"-pixel_format", pixFmt,
			"-video_size", fmt.Sprintf("%dx%d", s.Width, s.Height),
		)
	}
	args = append(args,
		"-framerate", strconv.FormatFloat(s.Rate, 'f', 3, 64),
		"-i", "pipe:0",
		"-c:v", s.codec(),
	)
	if s.codec() == "libx264" {
		args = append(args,
			"-preset", s.Preset,
			"-crf", strconv.Itoa(s.CRF),
		)
	}
	return append(args, s.OutputPath), nil
}

func (s EncoderSettings) codec() string {
	if s.Format.IsCoded() {
		// Pre-encoded bitstreams are stream-copied.
		return "copy"
	}
	if s.Container == "mp4" {
		return "libx264"
	}
	return "mjpeg"
}

// DefaultContainer returns the output extension used when no output
// path is given.
func DefaultContainer(format vraw.VideoCaptureFormat) string {
	if format == vraw.FormatMjpeg {
		return "mjpeg"
	}
	return "mp4"
}

// StartEncoderFunc starts the encoder with the given settings and
// returns its input channel.
type StartEncoderFunc func(EncoderSettings) (io.WriteCloser, error)

// Dispatcher streams frame payloads into the encoder. The encoder is
// started on the first dispatched video frame, once its parameters
// are known.
type Dispatcher struct {
	settings     EncoderSettings
	startEncoder StartEncoderFunc

	sink       io.WriteCloser
	dispatched int
}

// NewDispatcher creates a dispatcher. The settings format, width and
// height are filled in from the first dispatched frame.
func NewDispatcher(settings EncoderSettings, startEncoder StartEncoderFunc) *Dispatcher {
	return &Dispatcher{
		settings:     settings,
		startEncoder: startEncoder,
	}
}

// Settings returns the encoder settings. Format and resolution are
// only valid after the first dispatch.
func (d *Dispatcher) Settings() EncoderSettings {
	return d.settings
}

// Dispatched returns the number of frames written so far.
func (d *Dispatcher) Dispatched() int {
	return d.dispatched
}

// Dispatch validates the frame against the encoder configuration and
// writes its payload verbatim to the encoder input. The payload is
// never reframed, recolored or resized.
func (d *Dispatcher) Dispatch(frame *vraw.Frame) error {
	if !frame.Format.Known() || frame.Format == vraw.FormatStats {
		return fmt.Errorf("frame %d: %w: %d",
			frame.Index, ErrUnsupportedFormat, int32(frame.Format))
	}

	if d.sink == nil {
		d.settings.Format = frame.Format
		d.settings.Width = frame.Width
		d.settings.Height = frame.Height

		sink, err := d.startEncoder(d.settings)
		if err != nil {
			return fmt.Errorf("start encoder: %w", err)
		}
		d.sink = sink
	} else if err := d.checkFrame(frame); err != nil {
		return err
	}

	if _, err := d.sink.Write(frame.Payload); err != nil {
		if errors.Is(err, ErrEncoderTimeout) {
			return fmt.Errorf("frame %d: %w", frame.Index, err)
		}
		return fmt.Errorf("frame %d: %w: %v", frame.Index, ErrEncoderPipeBroken, err)
	}
	d.dispatched++
	return nil
}

// The encoder is configured from the first frame, later frames must
// match it exactly.
func (d *Dispatcher) checkFrame(frame *vraw.Frame) error {
	if frame.Format != d.settings.Format {
		return fmt.Errorf("frame %d: %w: format changed from %v to %v",
			frame.Index, ErrUnsupportedFormat, d.settings.Format, frame.Format)
	}
	if frame.Width != d.settings.Width || frame.Height != d.settings.Height {
		return fmt.Errorf("frame %d: %w: resolution changed from %dx%d to %v",
			frame.Index, ErrUnsupportedFormat,
			d.settings.Width, d.settings.Height, frame.Resolution())
	}
	return nil
}

// Close closes the encoder input so the encoder can finalize the
// container.
func (d *Dispatcher) Close() error {
	if d.sink == nil {
		return nil
	}
	return d.sink.Close()
}
