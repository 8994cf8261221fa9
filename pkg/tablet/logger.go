package tablet

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/CVDpl/go-live-tablet/internal/common"
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

// DefaultLogger emits one JSON object per line to stderr. Fields are
// passed as alternating key/value pairs; keys that are not strings are
// skipped.
type DefaultLogger struct {
	mu   sync.Mutex
	out  io.Writer
	min  common.LogLevel
	base map[string]interface{}
}

// NewDefaultLogger returns a stderr JSON logger at info level.
func NewDefaultLogger() common.Logger {
	return NewDefaultLoggerWithLevel(common.LogLevelInfo)
}

// NewDefaultLoggerWithLevel returns a stderr JSON logger that drops
// messages below level.
func NewDefaultLoggerWithLevel(level common.LogLevel) common.Logger {
	return &DefaultLogger{out: os.Stderr, min: level}
}

func (l *DefaultLogger) Debug(msg string, fields ...interface{}) {
	l.emit(common.LogLevelDebug, msg, fields)
}

func (l *DefaultLogger) Info(msg string, fields ...interface{}) {
	l.emit(common.LogLevelInfo, msg, fields)
}

func (l *DefaultLogger) Warn(msg string, fields ...interface{}) {
	l.emit(common.LogLevelWarn, msg, fields)
}

func (l *DefaultLogger) Error(msg string, fields ...interface{}) {
	l.emit(common.LogLevelError, msg, fields)
}

func (l *DefaultLogger) emit(level common.LogLevel, msg string, fields []interface{}) {
	if level < l.min {
		return
	}

	rec := make(map[string]interface{}, len(l.base)+len(fields)/2+3)
	for k, v := range l.base {
		rec[k] = v
	}
	for i := 0; i+1 < len(fields); i += 2 {
		if k, ok := fields[i].(string); ok {
			rec[k] = fields[i+1]
		}
	}
	rec["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	rec["level"] = levelNames[level]
	rec["msg"] = msg

	line, err := json.Marshal(rec)
	if err != nil {
		line = []byte(fmt.Sprintf(`{"level":"ERROR","msg":"unloggable entry","error":%q}`, err.Error()))
	}
	line = append(line, '\n')

	l.mu.Lock()
	l.out.Write(line)
	l.mu.Unlock()
}

// WithFields returns a child logger whose entries always carry fields.
func (l *DefaultLogger) WithFields(fields map[string]interface{}) common.Logger {
	base := make(map[string]interface{}, len(l.base)+len(fields))
	for k, v := range l.base {
		base[k] = v
	}
	for k, v := range fields {
		base[k] = v
	}
	return &DefaultLogger{out: l.out, min: l.min, base: base}
}

// NewNullLogger returns a logger that discards all messages.
func NewNullLogger() common.Logger {
	return common.NewNullLogger()
}
