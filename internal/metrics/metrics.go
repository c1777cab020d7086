// Package metrics exposes the Prometheus counters recorded by the core services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what services depend on. Nop satisfies it for tests and tools.
type Recorder interface {
	RecordSweep(processed, published, failed int, took time.Duration)
	RecordPublish(outcome string)
	RecordWordsDeducted(n int)
	RecordWordsDenied(reason string)
	RecordWebhookEvent(provider, eventType, result string)
	RecordSubscriptionsExpired(n int)
}

type Collector struct {
	sweeps        prometheus.Counter
	sweepDuration prometheus.Histogram
	sweepPosts    *prometheus.CounterVec
	publishes     *prometheus.CounterVec
	wordsDeducted prometheus.Counter
	wordsDenied   *prometheus.CounterVec
	webhookEvents *prometheus.CounterVec
	subsExpired   prometheus.Counter
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studio_scheduler_sweeps_total",
			Help: "Scheduler sweeps run.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "studio_scheduler_sweep_seconds",
			Help:    "Wall time of one scheduler sweep.",
			Buckets: prometheus.DefBuckets,
		}),
		sweepPosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_scheduler_posts_total",
			Help: "Due posts handled by the scheduler, by result.",
		}, []string{"result"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_publish_total",
			Help: "Publish attempts by outcome.",
		}, []string{"outcome"}),
		wordsDeducted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studio_words_deducted_total",
			Help: "AI words charged against user quotas.",
		}),
		wordsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_words_denied_total",
			Help: "Word deductions refused, by reason.",
		}, []string{"reason"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_billing_webhook_events_total",
			Help: "Billing webhook deliveries by provider, event type and result.",
		}, []string{"provider", "event", "result"}),
		subsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studio_subscriptions_expired_total",
			Help: "Subscriptions flipped to expired by the batch worker.",
		}),
	}
	reg.MustRegister(
		c.sweeps,
		c.sweepDuration,
		c.sweepPosts,
		c.publishes,
		c.wordsDeducted,
		c.wordsDenied,
		c.webhookEvents,
		c.subsExpired,
	)
	return c
}

func (c *Collector) RecordSweep(processed, published, failed int, took time.Duration) {
	c.sweeps.Inc()
	c.sweepDuration.Observe(took.Seconds())
	c.sweepPosts.WithLabelValues("published").Add(float64(published))
	c.sweepPosts.WithLabelValues("failed").Add(float64(failed))
	if skipped := processed - published - failed; skipped > 0 {
		c.sweepPosts.WithLabelValues("skipped").Add(float64(skipped))
	}
}

func (c *Collector) RecordPublish(outcome string) {
	c.publishes.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordWordsDeducted(n int) {
	c.wordsDeducted.Add(float64(n))
}

func (c *Collector) RecordWordsDenied(reason string) {
	c.wordsDenied.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordWebhookEvent(provider, eventType, result string) {
	c.webhookEvents.WithLabelValues(provider, eventType, result).Inc()
}

func (c *Collector) RecordSubscriptionsExpired(n int) {
	c.subsExpired.Add(float64(n))
}

// Handler serves the scrape endpoint for the given gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

type nop struct{}

// Nop discards everything.
var Nop Recorder = nop{}

func (nop) RecordSweep(int, int, int, time.Duration) {}
func (nop) RecordPublish(string) {}
func (nop) RecordWordsDeducted(int) {}
func (nop) RecordWordsDenied(string) {}
func (nop) RecordWebhookEvent(string, string, string) {}
func (nop) RecordSubscriptionsExpired(int) {}
