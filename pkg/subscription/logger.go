package subscription

// Field is one structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// Err wraps an error as a log field under the "error" key.
func Err(err error) Field {
	return Field{Key: "error", Value: err.Error()}
}

// Logger is the structured logging interface consumed by the billing and
// storage layers. Adapters live under pkg/subscription/logger; NoopLogger is
// the default when none is configured.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards all log output.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}
