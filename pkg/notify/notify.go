// Package notify reports the outcome of a harvest run to external sinks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/Sternrassler/workforce-harvester/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var sentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvest_notifications_total",
	Help: "Notifications sent by sink and outcome",
}, []string{"sink", "outcome"})

// Status values used in notifications.
const (
	StatusOK     = 200
	StatusFailed = 500
)

// Status is the outcome of one run.
type Status struct {
	Status      int
	RecordCount *int
	Message     string
	TargetHost  string
}

// Success returns the notification for a completed load.
func Success(count int, host string) Status {
	return Status{
		Status:      StatusOK,
		RecordCount: &count,
		Message:     "All workers uploaded",
		TargetHost:  host,
	}
}

// Failure returns the notification for an aborted run. The record count
// is left unset.
func Failure(err error, host string) Status {
	msg := "harvest failed"
	if err != nil {
		msg = err.Error()
	}
	return Status{
		Status:     StatusFailed,
		Message:    msg,
		TargetHost: host,
	}
}

// Count renders RecordCount, or "n/a" when unset.
func (s Status) Count() string {
	if s.RecordCount == nil {
		return "n/a"
	}
	return strconv.Itoa(*s.RecordCount)
}

// Notifier delivers a Status.
type Notifier interface {
	Notify(ctx context.Context, s Status) error
}

// Multi delivers to every notifier. All sinks are attempted; their errors
// are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, s Status) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes the status to the log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier logging through the global logger.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logging.NewLogger("notify")}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, s Status) error {
	ev := l.logger.Info()
	if s.Status != StatusOK {
		ev = l.logger.Error()
	}
	ev.Int("status", s.Status).
		Str("record_count", s.Count()).
		Str("target_host", s.TargetHost).
		Msg(s.Message)
	sentTotal.WithLabelValues("log", "ok").Inc()
	return nil
}

func summary(s Status) string {
	return fmt.Sprintf("Status: %d, Workers: %s", s.Status, s.Count())
}
