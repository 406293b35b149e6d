// Package usage records per-request analytics events. Recording is strictly
// best-effort: a recorder failure is logged and never fails the request that
// produced the event.
package usage

import (
	"context"
	"log/slog"
	"time"
)

// Event describes one completed (or rejected) API call.
type Event struct {
	RequestID   string        `json:"request_id"`
	UserID      string        `json:"user_id,omitempty"`
	AuthType    string        `json:"auth_type,omitempty"`
	SubjectID   string        `json:"subject_id,omitempty"`
	Method      string        `json:"method"`
	Path        string        `json:"path"`
	Status      int           `json:"status"`
	Latency     time.Duration `json:"latency_ns"`
	RateLimited bool          `json:"rate_limited,omitempty"`
	Time        time.Time     `json:"time"`
}

// Recorder persists usage events somewhere useful.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// LogRecorder writes usage events to the structured log. It is the default
// when no analytics transport is configured.
type LogRecorder struct {
	logger *slog.Logger
}

var _ Recorder = (*LogRecorder)(nil)

// NewLogRecorder creates a recorder writing to the given logger.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

// Record logs the event.
func (r *LogRecorder) Record(_ context.Context, ev Event) error {
	r.logger.Info("api usage",
		"request_id", ev.RequestID,
		"user_id", ev.UserID,
		"auth_type", ev.AuthType,
		"method", ev.Method,
		"path", ev.Path,
		"status", ev.Status,
		"latency_ms", ev.Latency.Milliseconds(),
		"rate_limited", ev.RateLimited,
	)
	return nil
}
