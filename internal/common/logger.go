package common

// NullLogger drops everything sent to it. Components fall back to it when
// no logger is wired so they never nil-check before logging.
type NullLogger struct{}

// NewNullLogger returns a logger that discards all messages.
func NewNullLogger() Logger { return NullLogger{} }

func (NullLogger) Debug(string, ...interface{}) {}
func (NullLogger) Info(string, ...interface{})  {}
func (NullLogger) Warn(string, ...interface{})  {}
func (NullLogger) Error(string, ...interface{}) {}
