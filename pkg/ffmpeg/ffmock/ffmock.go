// SPDX-License-Identifier: GPL-2.0-or-later

// Package ffmock provides process test doubles.
package ffmock

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/voysys/vraw-convert/pkg/ffmpeg"
)

// MockProcessConfig process mocker config.
type MockProcessConfig struct {
	ReturnErr bool
	StdinErr  bool
	Sleep     time.Duration
	OnStart   func(cmd *exec.Cmd)

	// Stdin lets tests inspect what was piped to the process.
	// A private sink is used when nil.
	Stdin *Sink
}

// NewProcessMocker creates process mocker from config.
func NewProcessMocker(c MockProcessConfig) func(*exec.Cmd) ffmpeg.Process {
	return func(cmd *exec.Cmd) ffmpeg.Process {
		stdin := c.Stdin
		if stdin == nil {
			stdin = &Sink{}
		}
		return &mockProcess{
			c:     c,
			cmd:   cmd,
			stdin: stdin,
		}
	}
}

type mockProcess struct {
	c     MockProcessConfig
	cmd   *exec.Cmd
	stdin *Sink
}

func (m *mockProcess) Start(ctx context.Context) error {
	if m.c.OnStart != nil {
		m.c.OnStart(m.cmd)
	}
	if m.c.Sleep != 0 {
		select {
		case <-time.After(m.c.Sleep):
		case <-ctx.Done():
		}
	}
	if m.c.ReturnErr {
		return errors.New("mock")
	}
	return nil
}

// NewProcess sleeps for 15ms before returning.
var NewProcess = NewProcessMocker(MockProcessConfig{
	Sleep: 15 * time.Millisecond,
})

// NewProcessErr returns an error.
var NewProcessErr = NewProcessMocker(MockProcessConfig{
	ReturnErr: true,
})

func (m *mockProcess) StdinPipe() (io.WriteCloser, error) {
	if m.c.StdinErr {
		return nil, errors.New("mock")
	}
	return m.stdin, nil
}

func (m *mockProcess) Timeout(time.Duration) ffmpeg.Process       { return m }
func (m *mockProcess) StdoutLogger(ffmpeg.LogFunc) ffmpeg.Process { return m }
func (m *mockProcess) StderrLogger(ffmpeg.LogFunc) ffmpeg.Process { return m }

// Sink is an in-memory stdin replacement.
type Sink struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	closed  bool
	failNow bool
}

// FailWrites makes every following write return an error, simulating
// a broken pipe.
func (s *Sink) FailWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNow = true
}

// ErrClosedSink write on closed sink.
var ErrClosedSink = errors.New("sink is closed")

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.failNow {
		return 0, ErrClosedSink
	}
	return s.buf.Write(p)
}

// Close implements io.Closer.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Bytes returns everything written to the sink.
func (s *Sink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Bytes()
}

// Closed reports whether the sink was closed.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
