// SPDX-License-Identifier: GPL-2.0-or-later

// Package log provides a subscribable log feed with optional
// persistence, so conversion runs can be inspected after the fact.
package log

// API inspired by zerolog https://github.com/rs/zerolog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Level defines log level.
type Level uint8

// Logging constants, matching ffmpeg.
const (
	LevelError   Level = 16
	LevelWarning Level = 24
	LevelInfo    Level = 32
	LevelDebug   Level = 48
)

// UnixMillisecond .
type UnixMillisecond uint64

// Event defines log event.
type Event struct {
	level Level
	time  UnixMillisecond // Timestamp.
	src   string          // Source.
	job   string          // Conversion job id.

	logger *Logger
}

// Log defines log entry.
type Log struct {
	Level Level
	Time  UnixMillisecond // Timestamp.
	Msg   string          // Message.
	Src   string          // Source.
	Job   string          // Conversion job id.
}

// Src sets event source.
func (e *Event) Src(source string) *Event {
	e.src = source
	return e
}

// Job sets the conversion job the event belongs to.
func (e *Event) Job(jobID string) *Event {
	e.job = jobID
	return e
}

// Time sets event time.
func (e *Event) Time(t time.Time) *Event {
	e.time = UnixMillisecond(t.UnixNano() / 1000)
	return e
}

// Msg sends the *Event with msg added as the message field.
func (e *Event) Msg(msg string) {
	log := Log{
		Time:  e.time,
		Level: e.level,
		Msg:   msg,
		Src:   e.src,
		Job:   e.job,
	}

	e.logger.feed <- log
}

// Msgf sends the event with formatted msg added as the message field.
func (e *Event) Msgf(format string, v ...interface{}) {
	e.Msg(fmt.Sprintf(format, v...))
}

// Feed defines feed of logs.
type Feed <-chan Log
type logFeed chan Log

// Logger logs.
type Logger struct {
	feed  logFeed      // Feed of logs.
	sub   chan logFeed // Subscribe requests.
	unsub chan logFeed // Unsubscribe requests.

	wg *sync.WaitGroup
}

// NewLogger returns Logger. Start must be called before any event is
// sent.
func NewLogger(wg *sync.WaitGroup) *Logger {
	return &Logger{
		feed:  make(logFeed),
		sub:   make(chan logFeed),
		unsub: make(chan logFeed),

		wg: wg,
	}
}

// NewMockLogger used for testing.
func NewMockLogger() *Logger {
	return &Logger{
		feed:  make(logFeed),
		sub:   make(chan logFeed),
		unsub: make(chan logFeed),
		wg:    &sync.WaitGroup{},
	}
}

// Start logger.
func (l *Logger) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		subs := map[logFeed]struct{}{}
		for {
			select {
			case <-ctx.Done():
				l.wg.Done()
				return

			case ch := <-l.sub:
				subs[ch] = struct{}{}

			case ch := <-l.unsub:
				close(ch)
				delete(subs, ch)

			case msg := <-l.feed:
				for ch := range subs {
					ch <- msg
				}
			}
		}
	}()
}

// CancelFunc cancels log feed subscription.
type CancelFunc func()

// Subscribe returns a new chan with log feed and a CancelFunc.
func (l *Logger) Subscribe() (Feed, CancelFunc) {
	feed := make(logFeed)
	l.sub <- feed

	cancel := func() {
		l.unSubscribe(feed)
	}
	return (<-chan Log)(feed), cancel
}

func (l *Logger) unSubscribe(feed logFeed) {
	// Read feed until unsub request is accepted.
	for {
		select {
		case l.unsub <- feed:
			return
		case <-feed:
		}
	}
}

// LogToStdout prints log feed to Stdout.
func (l *Logger) LogToStdout(ctx context.Context) {
	feed, cancel := l.Subscribe()
	defer cancel()
	for {
		select {
		case log := <-feed:
			printLog(log)
		case <-ctx.Done():
			return
		}
	}
}

func printLog(log Log) {
	var output string

	switch log.Level {
	case LevelError:
		output += "[ERROR] "
	case LevelWarning:
		output += "[WARNING] "
	case LevelInfo:
		output += "[INFO] "
	case LevelDebug:
		output += "[DEBUG] "
	}

	if log.Job != "" {
		output += log.Job + ": "
	}
	if log.Src != "" {
		output += strings.Title(log.Src) + ": " //nolint:staticcheck
	}

	output += log.Msg
	fmt.Println(output)
}

// Error starts a new message with error level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Error() *Event {
	return l.event(LevelError)
}

// Warn starts a new message with warn level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Warn() *Event {
	return l.event(LevelWarning)
}

// Info starts a new message with info level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Info() *Event {
	return l.event(LevelInfo)
}

// Debug starts a new message with debug level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Debug() *Event {
	return l.event(LevelDebug)
}

// Level starts a new message with the given level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Level(level Level) *Event {
	return l.event(level)
}

func (l *Logger) event(level Level) *Event {
	return &Event{
		level:  level,
		time:   UnixMillisecond(time.Now().UnixNano() / 1000),
		logger: l,
	}
}

// FFmpegLevel converts an ffmpeg loglevel argument to a level.
func FFmpegLevel(loglevel string) Level {
	switch loglevel {
	case "quiet", "fatal", "error":
		return LevelError
	case "warning":
		return LevelWarning
	case "info":
		return LevelInfo
	}
	return LevelDebug
}
