// Package audit writes structured records of state-changing events: lifecycle transitions,
// administrative actions and object operations.
package audit

import (
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging.
// All audit events carry an event_type field for filtering.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// LogTransition logs an applied lifecycle transition.
// object: rendered object identity
// event: lifecycle event name (e.g., "demote", "archive_commit", "restore_ok")
// from, to: state pairs rendered as CLASS[/RESTORE]
// details: additional context (e.g., bundle id or task id)
func (l *Logger) LogTransition(object, event, from, to, details string) {
	ev := l.logger.Info().
		Str("event_type", "lifecycle").
		Str("object", object).
		Str("event", event).
		Str("from", from).
		Str("to", to)

	if details != "" {
		ev = ev.Str("details", details)
	}

	ev.Msg("Lifecycle transition")
}

// LogRejected logs a transition that was refused, either by the transition table or by a lost
// conditional update.
func (l *Logger) LogRejected(object, event, from, reason string) {
	l.logger.Warn().
		Str("event_type", "lifecycle").
		Str("object", object).
		Str("event", event).
		Str("from", from).
		Str("result", "rejected").
		Str("reason", reason).
		Msg("Lifecycle transition rejected")
}

// LogAdmin logs an administrative API action.
// subject: token subject of the operator
// action: action performed (e.g., "demote", "set_tape_status", "run_archive")
// target: object or tape the action applies to
// result: "allowed", "denied" or "failed"
func (l *Logger) LogAdmin(subject, action, target, result, details string) {
	level := zerolog.InfoLevel
	if result != "allowed" {
		level = zerolog.WarnLevel
	}

	ev := l.logger.WithLevel(level).
		Str("event_type", "admin").
		Str("subject", subject).
		Str("action", action).
		Str("target", target).
		Str("result", result)

	if details != "" {
		ev = ev.Str("details", details)
	}

	ev.Msg("Admin action")
}

// LogS3Op logs a mutating object-storage operation.
// operation: verb (e.g., "PutObject", "DeleteObject", "RestoreObject")
// result: "ok" or the error kind
func (l *Logger) LogS3Op(operation, bucket, objectKey, result, sourceIP string) {
	level := zerolog.InfoLevel
	if result != "ok" {
		level = zerolog.WarnLevel
	}

	ev := l.logger.WithLevel(level).
		Str("event_type", "s3_operation").
		Str("component", "s3").
		Str("operation", operation).
		Str("bucket", bucket).
		Str("result", result).
		Str("source_ip", sourceIP)

	if objectKey != "" {
		ev = ev.Str("object_key", objectKey)
	}

	ev.Msg("S3 operation")
}
