// Package metrics exposes operator Prometheus metrics.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the operator's Prometheus instruments behind a dedicated
// registry.
type Metrics struct {
	registry *prometheus.Registry
	logger   log.Logger

	OrdersReceived  prometheus.Counter
	OrdersRejected  prometheus.Counter
	MatchesExecuted prometheus.Counter
	MatchingLatency prometheus.Histogram
	PendingOrders   prometheus.Gauge

	GossipMessagesIn  prometheus.Counter
	GossipMessagesOut prometheus.Counter
	ActivePeers       prometheus.Gauge
	FeedPublished     prometheus.Counter

	ProofsSubmitted prometheus.Counter
	ChainEvents     prometheus.Counter

	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// New creates the metric set under the given namespace.
func New(namespace string, logger log.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		logger:   logger,

		OrdersReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_received_total",
			Help:      "Total encrypted orders received from chain and gossip",
		}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Total orders dropped during decryption or validation",
		}),
		MatchesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_executed_total",
			Help:      "Total order matches produced by the matching engine",
		}),
		MatchingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "matching_tick_duration_seconds",
			Help:      "Duration of one matching tick",
			Buckets:   prometheus.DefBuckets,
		}),
		PendingOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_orders",
			Help:      "Orders waiting in the matching queue",
		}),
		GossipMessagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_messages_received_total",
			Help:      "Total gossip messages received",
		}),
		GossipMessagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_messages_sent_total",
			Help:      "Total gossip messages sent",
		}),
		ActivePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_peers",
			Help:      "Currently active P2P peers",
		}),
		FeedPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_messages_published_total",
			Help:      "Total NATS feed messages published",
		}),
		ProofsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proofs_submitted_total",
			Help:      "Total settlement proofs submitted on-chain",
		}),
		ChainEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_events_total",
			Help:      "Total chain events consumed",
		}),
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.OrdersReceived,
		m.OrdersRejected,
		m.MatchesExecuted,
		m.MatchingLatency,
		m.PendingOrders,
		m.GossipMessagesIn,
		m.GossipMessagesOut,
		m.ActivePeers,
		m.FeedPublished,
		m.ProofsSubmitted,
		m.ChainEvents,
		m.memoryUsage,
		m.goroutines,
	)

	return m
}

// Handler returns the scrape handler for the operator registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a metrics HTTP server until the context is cancelled.
func (m *Metrics) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	m.logger.Info("Metrics server starting", "port", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// CollectRuntime samples process-level gauges. Call on a ticker.
func (m *Metrics) CollectRuntime() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.memoryUsage.Set(float64(ms.Alloc))
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}
