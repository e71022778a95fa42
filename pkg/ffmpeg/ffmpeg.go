// SPDX-License-Identifier: GPL-2.0-or-later

// Package ffmpeg manages the external encoder process.
package ffmpeg

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"time"
)

// LogFunc used to log stdout and stderr.
type LogFunc func(msg string)

// Process interface only used for testing.
type Process interface {
	// Start the process and wait for it to exit. The process is
	// stopped gracefully when the context is canceled.
	Start(ctx context.Context) error

	// StdinPipe returns a pipe connected to the process standard
	// input. Must be called before Start.
	StdinPipe() (io.WriteCloser, error)

	// Timeout sets the duration between the stop signal and SIGKILL.
	Timeout(time.Duration) Process

	StdoutLogger(LogFunc) Process
	StderrLogger(LogFunc) Process
}

// process manages subprocesses.
type process struct {
	timeout time.Duration
	cmd     *exec.Cmd

	stdoutLogger LogFunc
	stderrLogger LogFunc

	done chan struct{}
}

// NewProcessFunc is used for mocking.
type NewProcessFunc func(*exec.Cmd) Process

// NewProcess return process.
func NewProcess(cmd *exec.Cmd) Process {
	return &process{
		timeout: 1000 * time.Millisecond,
		cmd:     cmd,
	}
}

func (p *process) attachLogger(logFunc LogFunc, stdPipe func() (io.ReadCloser, error)) error {
	pipe, err := stdPipe()
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(pipe)
	go func() {
		for scanner.Scan() {
			logFunc(scanner.Text())
		}
	}()
	return nil
}

// Start starts process with context.
func (p *process) Start(ctx context.Context) error {
	if p.stdoutLogger != nil {
		if err := p.attachLogger(p.stdoutLogger, p.cmd.StdoutPipe); err != nil {
			return err
		}
	}
	if p.stderrLogger != nil {
		if err := p.attachLogger(p.stderrLogger, p.cmd.StderrPipe); err != nil {
			return err
		}
	}

	if err := p.cmd.Start(); err != nil {
		return err
	}

	p.done = make(chan struct{})

	go func() {
		select {
		case <-p.done:
		case <-ctx.Done():
			p.stop()
		}
	}()

	err := p.cmd.Wait()
	close(p.done)

	// FFmpeg seems to return 255 on normal exit.
	if err != nil && err.Error() == "exit status 255" {
		return nil
	}

	return err
}

// Note, cannot use CommandContext to stop the process as it would
// kill it before it has a chance to finalize the output container.
func (p *process) stop() {
	p.cmd.Process.Signal(os.Interrupt) //nolint:errcheck

	select {
	case <-p.done:
	case <-time.After(p.timeout):
		p.cmd.Process.Signal(os.Kill) //nolint:errcheck
		<-p.done
	}
}

func (p *process) StdinPipe() (io.WriteCloser, error) {
	return p.cmd.StdinPipe()
}

func (p *process) Timeout(timeout time.Duration) Process {
	p.timeout = timeout
	return p
}

func (p *process) StdoutLogger(l LogFunc) Process {
	p.stdoutLogger = l
	return p
}

func (p *process) StderrLogger(l LogFunc) Process {
	p.stderrLogger = l
	return p
}
