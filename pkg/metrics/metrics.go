// Package metrics exposes Prometheus instrumentation for the billing core.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the counters the lifecycle engine reports.
type Collector struct {
	registry *prometheus.Registry

	trialsCreated      prometheus.Counter
	trialAbuseRejected prometheus.Counter

	webhooksRejected  *prometheus.CounterVec
	webhooksProcessed *prometheus.CounterVec
	paymentsConfirmed prometheus.Counter

	subscriptionsActivated prometheus.Counter

	sweepRuns        *prometheus.CounterVec
	sweepTransitions *prometheus.CounterVec

	notifications *prometheus.CounterVec
}

var (
	instance *Collector
	once     sync.Once
)

// Default returns the process-wide collector.
func Default() *Collector {
	once.Do(func() {
		instance = newCollector(prometheus.NewRegistry())
	})
	return instance
}

// NewIsolated returns a collector bound to its own registry, for tests.
func NewIsolated() *Collector {
	return newCollector(prometheus.NewRegistry())
}

func newCollector(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		trialsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_trials_created_total",
			Help: "Trial subscriptions granted.",
		}),
		trialAbuseRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_trial_abuse_rejected_total",
			Help: "Trial requests rejected by the abuse guard.",
		}),
		webhooksRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhooks_rejected_total",
			Help: "Payment webhooks rejected before processing.",
		}, []string{"reason"}),
		webhooksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhooks_processed_total",
			Help: "Payment webhooks applied, by gateway-reported status.",
		}, []string{"status"}),
		paymentsConfirmed: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_payments_confirmed_total",
			Help: "Payments that reached finished status.",
		}),
		subscriptionsActivated: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_subscriptions_activated_total",
			Help: "Subscription activations (first payment and renewals).",
		}),
		sweepRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_sweep_runs_total",
			Help: "Expiration sweep executions, by result.",
		}, []string{"result"}),
		sweepTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_sweep_transitions_total",
			Help: "State transitions and warnings emitted by the sweep.",
		}, []string{"event"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_notifications_total",
			Help: "Notification delivery attempts, by outcome.",
		}, []string{"status"}),
	}
}

func (c *Collector) TrialCreated()       { c.trialsCreated.Inc() }
func (c *Collector) TrialAbuseRejected() { c.trialAbuseRejected.Inc() }

func (c *Collector) WebhookRejected(reason string) {
	c.webhooksRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) WebhookProcessed(status string) {
	c.webhooksProcessed.WithLabelValues(status).Inc()
}

func (c *Collector) PaymentConfirmed()      { c.paymentsConfirmed.Inc() }
func (c *Collector) SubscriptionActivated() { c.subscriptionsActivated.Inc() }

func (c *Collector) SweepRun(result string) {
	c.sweepRuns.WithLabelValues(result).Inc()
}

func (c *Collector) SweepTransition(event string) {
	c.sweepTransitions.WithLabelValues(event).Inc()
}

func (c *Collector) NotificationSent()   { c.notifications.WithLabelValues("sent").Inc() }
func (c *Collector) NotificationFailed() { c.notifications.WithLabelValues("failed").Inc() }

// Handler returns the HTTP handler serving the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
