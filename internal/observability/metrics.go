package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles Prometheus collectors for inference calls and turns.
// All Record methods are safe on a nil receiver.
type Metrics struct {
	registry         *prometheus.Registry
	InferenceCalls   *prometheus.CounterVec
	InferenceSeconds *prometheus.HistogramVec
	Tokens           *prometheus.CounterVec
	Turns            *prometheus.CounterVec
	TurnFailures     *prometheus.CounterVec
	Episodes         *prometheus.CounterVec
}

// NewMetrics constructs a registry with the scheduler collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtgym_inference_calls_total",
		Help: "Inference calls by backend, call mode and outcome",
	}, []string{"backend", "mode", "outcome"})

	secs := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rtgym_inference_duration_seconds",
		Help:    "Wall clock spent per inference call",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "mode"})

	tokens := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtgym_tokens_total",
		Help: "Tokens charged against budgets by backend",
	}, []string{"backend"})

	turns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtgym_turns_total",
		Help: "Decided turns by strategy",
	}, []string{"strategy"})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtgym_turn_failures_total",
		Help: "Turn failures by strategy and kind (parse, provider, default)",
	}, []string{"strategy", "kind"})

	episodes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtgym_episodes_total",
		Help: "Finished episodes by strategy and result",
	}, []string{"strategy", "result"})

	reg.MustRegister(calls, secs, tokens, turns, failures, episodes)

	return &Metrics{
		registry:         reg,
		InferenceCalls:   calls,
		InferenceSeconds: secs,
		Tokens:           tokens,
		Turns:            turns,
		TurnFailures:     failures,
		Episodes:         episodes,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordInference records one inference call.
func (m *Metrics) RecordInference(backend, mode, outcome string, took time.Duration, tokens int) {
	if m == nil {
		return
	}
	m.InferenceCalls.WithLabelValues(backend, mode, outcome).Inc()
	m.InferenceSeconds.WithLabelValues(backend, mode).Observe(took.Seconds())
	if tokens > 0 {
		m.Tokens.WithLabelValues(backend).Add(float64(tokens))
	}
}

// RecordTurn records a decided turn and its failure kinds.
func (m *Metrics) RecordTurn(strategy string, parseFailed, providerFailed, defaultUsed bool) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(strategy).Inc()
	if parseFailed {
		m.TurnFailures.WithLabelValues(strategy, "parse").Inc()
	}
	if providerFailed {
		m.TurnFailures.WithLabelValues(strategy, "provider").Inc()
	}
	if defaultUsed {
		m.TurnFailures.WithLabelValues(strategy, "default").Inc()
	}
}

// RecordEpisode records a finished episode.
func (m *Metrics) RecordEpisode(strategy string, err error) {
	if m == nil {
		return
	}
	result := "done"
	if err != nil {
		result = "error"
	}
	m.Episodes.WithLabelValues(strategy, result).Inc()
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
