// Package logging provides a thin, structured logging convention on top
// of zap shared by every long-running component of the engine.
package logging

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Fields is a builder for a consistent set of zap fields across
// components. It mirrors the field-builder convention observed in
// service codebases in this ecosystem: components append their own
// context (component name, operation, resource identity) rather than
// formatting ad-hoc strings into log messages.
type Fields []zap.Field

// NewFields returns an empty field set.
func NewFields() Fields {
	return Fields{}
}

// Component tags the log line with the originating component name.
func (f Fields) Component(name string) Fields {
	return append(f, zap.String("component", name))
}

// Operation tags the log line with the operation being performed.
func (f Fields) Operation(op string) Fields {
	return append(f, zap.String("operation", op))
}

// Resource tags the log line with the FHIR resource identity.
func (f Fields) Resource(resourceType, resourceID string) Fields {
	f = append(f, zap.String("resource_type", resourceType))
	if resourceID != "" {
		f = append(f, zap.String("resource_id", resourceID))
	}
	return f
}

// Aspect tags the log line with the validation aspect under evaluation.
func (f Fields) Aspect(aspect string) Fields {
	return append(f, zap.String("aspect", aspect))
}

// Duration records an elapsed time.
func (f Fields) Duration(d time.Duration) Fields {
	return append(f, zap.Duration("duration", d))
}

// Err attaches an error, when non-nil.
func (f Fields) Err(err error) Fields {
	if err == nil {
		return f
	}
	return append(f, zap.Error(err))
}

// Int attaches a named integer field.
func (f Fields) Int(key string, v int) Fields {
	return append(f, zap.Int(key, v))
}

// String attaches a named string field.
func (f Fields) String(key, v string) Fields {
	return append(f, zap.String(key, v))
}

// Bool attaches a named boolean field.
func (f Fields) Bool(key string, v bool) Fields {
	return append(f, zap.Bool(key, v))
}

// NewNop returns a logger that discards all output, used as the default
// when a component is constructed without an explicit logger.
func NewNop() *zap.Logger {
	return zap.NewNop()
}

// New builds the process logger from a LOG_LEVEL string ("debug",
// "info", "warn", "error"). Output is JSON to stderr, matching how a
// long-running service in this ecosystem logs in production.
func New(level string) (*zap.Logger, error) {
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("logging: parse level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger, nil
}
