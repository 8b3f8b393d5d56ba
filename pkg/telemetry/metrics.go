package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all Prometheus metrics for the process. The traffic
// counters are mirrored to OpenTelemetry instruments so they reach an OTLP
// collector when metric export is enabled. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	replies    *prometheus.CounterVec
	enqueued   *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	retryDelay *prometheus.HistogramVec
	built      *prometheus.CounterVec

	registry *prometheus.Registry
	otel     instruments
}

type instruments struct {
	replies    metric.Int64Counter
	enqueued   metric.Int64Counter
	deliveries metric.Int64Counter
	retryDelay metric.Float64Histogram
}

// newInstruments creates the OpenTelemetry mirrors on meter. Instruments
// created on the global provider before Setup installs an SDK provider are
// forwarded to it once it does.
func newInstruments(meter metric.Meter) (instruments, error) {
	var (
		ins  instruments
		errs [4]error
	)
	ins.replies, errs[0] = meter.Int64Counter("mta.edge.replies",
		metric.WithDescription("Replies sent by edges partitioned by session stage and reply code"),
		metric.WithUnit("{reply}"))
	ins.enqueued, errs[1] = meter.Int64Counter("mta.queue.enqueued",
		metric.WithDescription("Envelopes stored by queues after policy application"),
		metric.WithUnit("{envelope}"))
	ins.deliveries, errs[2] = meter.Int64Counter("mta.queue.deliveries",
		metric.WithDescription("Delivery attempts partitioned by outcome"),
		metric.WithUnit("{attempt}"))
	ins.retryDelay, errs[3] = meter.Float64Histogram("mta.queue.retry_delay",
		metric.WithDescription("Delays handed out by queue backoff functions"),
		metric.WithUnit("s"))
	return ins, errors.Join(errs[:]...)
}

// NewMetrics creates a metrics instance on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	ins, err := newInstruments(otel.GetMeterProvider().Meter(instrumentationPrefix + "telemetry"))
	if err != nil {
		otel.Handle(err)
		ins, _ = newInstruments(noop.NewMeterProvider().Meter(""))
	}

	m := &Metrics{
		otel: ins,
		replies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mta_edge_replies_total",
				Help: "Replies sent by edges partitioned by session stage and reply code",
			},
			[]string{"edge", "stage", "code"},
		),
		enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mta_queue_enqueued_total",
				Help: "Envelopes stored by queues after policy application",
			},
			[]string{"queue"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mta_queue_deliveries_total",
				Help: "Delivery attempts partitioned by outcome (delivered, retry, failed, expired)",
			},
			[]string{"queue", "outcome"},
		),
		retryDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mta_queue_retry_delay_seconds",
				Help:    "Delays handed out by queue backoff functions",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
			[]string{"queue"},
		),
		built: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mta_components_built_total",
				Help: "Components constructed by the graph builder",
			},
			[]string{"kind", "type"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.replies,
		m.enqueued,
		m.deliveries,
		m.retryDelay,
		m.built,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveReply counts one reply sent by an edge.
func (m *Metrics) ObserveReply(edge, stage string, code int) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(edge, stage, strconv.Itoa(code)).Inc()
	m.otel.replies.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("mta.edge", edge),
		attribute.String("mta.stage", stage),
		attribute.Int("mta.reply_code", code),
	))
}

// ObserveEnqueued counts envelopes accepted by a queue.
func (m *Metrics) ObserveEnqueued(queue string, n int) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(queue).Add(float64(n))
	m.otel.enqueued.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String("mta.queue", queue)))
}

// ObserveDelivery counts one delivery attempt outcome.
func (m *Metrics) ObserveDelivery(queue, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(queue, outcome).Inc()
	m.otel.deliveries.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("mta.queue", queue),
		attribute.String("mta.outcome", outcome),
	))
}

// ObserveRetry records a scheduled retry delay.
func (m *Metrics) ObserveRetry(queue string, delay time.Duration) {
	if m == nil {
		return
	}
	m.retryDelay.WithLabelValues(queue).Observe(delay.Seconds())
	m.otel.retryDelay.Record(context.Background(), delay.Seconds(), metric.WithAttributes(attribute.String("mta.queue", queue)))
}

// ObserveBuilt counts a component constructed by the graph builder.
func (m *Metrics) ObserveBuilt(kind, typ string) {
	if m == nil {
		return
	}
	m.built.WithLabelValues(kind, typ).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled. The listener is
// bound before returning so address conflicts surface at startup.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) (*http.Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind metrics listener %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", listener.Addr().String())
	return server, nil
}
