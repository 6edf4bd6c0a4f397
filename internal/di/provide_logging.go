package di

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// ProvideLogger creates a new zerolog.Logger configured for the runtime environment.
// In Lambda (when AWS_LAMBDA_RUNTIME_API is set), it uses JSON format.
// In terminal/CLI, it uses console format on stderr so stdout stays JSON.
func ProvideLogger() zerolog.Logger {
	return NewLogger(zerolog.InfoLevel)
}

// NewLogger is ProvideLogger at an explicit level. LOG_LEVEL overrides it.
func NewLogger(level zerolog.Level) zerolog.Logger {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if parsed, err := zerolog.ParseLevel(v); err == nil {
			level = parsed
		}
	}

	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		w = os.Stdout
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()
}
