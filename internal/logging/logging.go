// logging.go — zap logger construction with a diagnostics ring-buffer sink.
// Every record written through zap is also captured in a bounded in-memory
// buffer so get_logs can serve exactly what the process logged.
package logging

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chatrelay/chatrelay/internal/buffers"
)

// Entry is one structured log record as served by get_logs.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Buffer is the bounded log sink shared by the zap core and get_logs.
type Buffer struct {
	ring *buffers.Ring[Entry]
}

// NewBuffer creates a log buffer with the given capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{ring: buffers.NewRing[Entry](capacity)}
}

// Append records one entry.
func (b *Buffer) Append(e Entry) { b.ring.Append(e) }

// Len returns the number of buffered entries.
func (b *Buffer) Len() int { return b.ring.Len() }

// ReadFrom exposes cursor reads for the debug-mode forwarder.
func (b *Buffer) ReadFrom(c buffers.Cursor) ([]Entry, buffers.Cursor) {
	return b.ring.ReadFrom(c)
}

// Tail returns the cursor at the current end of the buffer.
func (b *Buffer) Tail() buffers.Cursor {
	return buffers.Cursor{Position: b.ring.TotalWritten()}
}

// Query returns buffered entries filtered by minimum level, component, and
// time, capped at limit. Empty filters match everything.
func (b *Buffer) Query(level, component string, since time.Time, limit int) []Entry {
	min := levelRank(level)
	return b.ring.Filter(func(e Entry) bool {
		if min >= 0 && levelRank(e.Level) < min {
			return false
		}
		if component != "" && e.Component != component {
			return false
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			return false
		}
		return true
	}, limit)
}

func levelRank(level string) int {
	switch level {
	case "debug":
		return 0
	case "info":
		return 1
	case "warn":
		return 2
	case "error":
		return 3
	default:
		return -1
	}
}

// atomicLevel gates both cores; SetLevel adjusts it at runtime for the
// set_log_level tool.
var atomicLevel = zap.NewAtomicLevel()

// SetLevel changes the process log level at runtime.
func SetLevel(l zapcore.Level) { atomicLevel.SetLevel(l) }

// New builds the process logger. Records go to stderr in console form and to
// the returned buffer as structured entries. Component names come from
// logger.Named.
func New(level string, bufferCap int) (*zap.Logger, *Buffer, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	atomicLevel.SetLevel(lvl)

	buf := NewBuffer(bufferCap)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	stderrCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		atomicLevel,
	)

	core := zapcore.NewTee(stderrCore, &ringCore{buf: buf, enab: atomicLevel})
	return zap.New(core), buf, nil
}

// ringCore is a zapcore.Core that mirrors records into a Buffer.
type ringCore struct {
	buf    *Buffer
	enab   zapcore.LevelEnabler
	fields []zapcore.Field
}

func (c *ringCore) Enabled(l zapcore.Level) bool { return c.enab.Enabled(l) }

func (c *ringCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &ringCore{buf: c.buf, enab: c.enab}
	clone.fields = append(append([]zapcore.Field{}, c.fields...), fields...)
	return clone
}

func (c *ringCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *ringCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	var data map[string]any
	if len(enc.Fields) > 0 {
		data = enc.Fields
	}
	c.buf.Append(Entry{
		Timestamp: ent.Time,
		Level:     ent.Level.String(),
		Component: ent.LoggerName,
		Message:   ent.Message,
		Data:      data,
	})
	return nil
}

func (c *ringCore) Sync() error { return nil }
