// Package observability provides logging, metrics and tracing for the
// event backbone: structured logging via slog, metrics via OpenTelemetry
// or Prometheus, and tracing via OpenTelemetry.
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"io"
	"log/slog"
	"strings"
	"time"
)

// NewLogger builds the process logger. format is "json" (default) or
// "text"; level is one of debug, info, warn, error (default info).
// Every record carries the app attribute.
func NewLogger(app, format, level string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}

	return slog.New(h).With(slog.String("app", app))
}

// ParseLevel maps a level name to a slog.Level, falling back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnrichLogger adds event context to a logger.
//
// Example:
//
//	l := EnrichLogger(logger, env.EventID, env.EventType(), "report-generator")
//	l.Info("generating report") // includes event_id, event_type, handler
func EnrichLogger(logger *slog.Logger, eventID, eventType, handler string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("handler", handler),
	)
}

// LogPublished logs a stored event and the number of handlers it fans out to.
func LogPublished(logger *slog.Logger, eventID, eventType, aggregateID string, handlers int) {
	if logger == nil {
		return
	}
	logger.Info("event published",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("aggregate_id", aggregateID),
		slog.Int("handlers", handlers),
	)
}

// LogPublishFailed logs an event that could not be stored.
func LogPublishFailed(logger *slog.Logger, eventID, eventType string, err error) {
	if logger == nil {
		return
	}
	logger.Error("event publish failed",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}

// LogBroadcastFailed logs a broadcast failure. The event is already stored,
// so this is a warning.
func LogBroadcastFailed(logger *slog.Logger, eventID, channel string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event broadcast failed",
		slog.String("event_id", eventID),
		slog.String("channel", channel),
		slog.String("error", err.Error()),
	)
}

// LogHandlerRetry logs a failed handler attempt that will be retried.
func LogHandlerRetry(logger *slog.Logger, eventID, handler string, attempt int, wait time.Duration, err error) {
	if logger == nil {
		return
	}
	logger.Warn("handler attempt failed, retrying",
		slog.String("event_id", eventID),
		slog.String("handler", handler),
		slog.Int("attempt", attempt),
		slog.Duration("backoff", wait),
		slog.String("error", err.Error()),
	)
}

// LogHandlerComplete logs successful handler completion.
func LogHandlerComplete(logger *slog.Logger, eventID, handler string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("handler completed",
		slog.String("event_id", eventID),
		slog.String("handler", handler),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogHandlerFailed logs a handler that exhausted its retries.
func LogHandlerFailed(logger *slog.Logger, eventID, eventType, handler string, attempts int, err error) {
	if logger == nil {
		return
	}
	logger.Error("handler failed",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("handler", handler),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

// LogDeadLettered logs an entry pushed onto a dead-letter queue.
func LogDeadLettered(logger *slog.Logger, eventID, eventType, handler string) {
	if logger == nil {
		return
	}
	logger.Warn("event dead-lettered",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("handler", handler),
	)
}

// LogDeadLetterError logs a failure to record a dead-letter entry.
func LogDeadLetterError(logger *slog.Logger, eventID, eventType string, err error) {
	if logger == nil {
		return
	}
	logger.Error("dead-letter enqueue failed",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}

// LogReplay logs the result of a dead-letter replay.
func LogReplay(logger *slog.Logger, eventType string, retried, failed int) {
	if logger == nil {
		return
	}
	logger.Info("dead letters replayed",
		slog.String("event_type", eventType),
		slog.Int("retried", retried),
		slog.Int("failed", failed),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
