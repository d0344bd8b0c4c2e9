package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/insightbot/billingcore/pkg/metrics"
	"github.com/insightbot/billingcore/svc/subscription"
)

// Sink delivers one rendered message to a group. Implementations wrap the
// actual chat transport (bot API, test recorder).
type Sink interface {
	SendMessage(ctx context.Context, groupID int64, text string) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, groupID int64, text string) error

func (f SinkFunc) SendMessage(ctx context.Context, groupID int64, text string) error {
	return f(ctx, groupID, text)
}

// Dispatcher fans lifecycle notifications out to a Sink with bounded
// concurrency. Delivery is strictly best-effort: a slow or failing sink
// never blocks or fails the state change that produced the event, so sends
// run detached from the caller with their own timeout.
type Dispatcher struct {
	sink        Sink
	sem         *semaphore.Weighted
	sendTimeout time.Duration
	metrics     *metrics.Collector
	log         *slog.Logger
	wg          sync.WaitGroup
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithConcurrency caps how many sends run at once.
func WithConcurrency(n int64) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithSendTimeout bounds each individual delivery.
func WithSendTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.sendTimeout = t
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithMetrics replaces the metrics collector, for tests.
func WithMetrics(m *metrics.Collector) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// NewDispatcher wires a notification dispatcher around the given sink.
func NewDispatcher(sink Sink, opts ...DispatcherOption) *Dispatcher {
	if sink == nil {
		panic("notify: sink is required")
	}

	d := &Dispatcher{
		sink:        sink,
		sem:         semaphore.NewWeighted(8),
		sendTimeout: 10 * time.Second,
		metrics:     metrics.Default(),
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify implements subscription.Notifier. Events without a user-facing
// template are dropped silently; everything else is queued for delivery.
func (d *Dispatcher) Notify(ctx context.Context, groupID int64, eventType subscription.EventType, data map[string]any) {
	text, ok := Render(eventType, data)
	if !ok {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		// Detached from the caller's context on purpose: the state change
		// that triggered this notification has already committed.
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.sendTimeout)
		defer cancel()

		if err := d.sem.Acquire(sendCtx, 1); err != nil {
			d.metrics.NotificationFailed()
			d.log.Warn("notification dropped waiting for send slot",
				slog.Int64("group_id", groupID),
				slog.String("event_type", string(eventType)))
			return
		}
		defer d.sem.Release(1)

		if err := d.sink.SendMessage(sendCtx, groupID, text); err != nil {
			d.metrics.NotificationFailed()
			d.log.Warn("notification delivery failed",
				slog.Int64("group_id", groupID),
				slog.String("event_type", string(eventType)),
				slog.Any("error", err))
			return
		}
		d.metrics.NotificationSent()
	}()
}

// Wait blocks until all in-flight sends finish. Intended for shutdown and
// tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
