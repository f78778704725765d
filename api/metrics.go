// Package api exposes a swarm agent over gRPC, a framed Arrow delta-sync endpoint
// and Prometheus metrics.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VanDung-dev/HieraChain-Swarm/consensus"
)

// Metrics holds all Prometheus metrics for an agent. It observes both the consensus
// manager and the state synchronizer.
type Metrics struct {
	// Consensus metrics
	ConsensusTotal    *prometheus.CounterVec
	ConsensusFailures *prometheus.CounterVec
	ConsensusDuration *prometheus.HistogramVec
	MaliciousAgents   prometheus.Counter

	// State sync metrics
	SyncTotal     *prometheus.CounterVec
	SyncConflicts prometheus.Counter
	SyncDuration  prometheus.Histogram

	// System metrics
	PendingProposals prometheus.Gauge
	PeerCount        prometheus.Gauge

	// gRPC metrics
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
}

var (
	_ consensus.Observer = (*Metrics)(nil)
)

// NewMetrics registers a new set of metrics with reg under namespace.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConsensusTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_total",
			Help:      "Consensus rounds by algorithm and decision",
		}, []string{"algorithm", "decision"}),
		ConsensusFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_failures_total",
			Help:      "Consensus requests that failed before a decision",
		}, []string{"algorithm"}),
		ConsensusDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consensus_duration_seconds",
			Help:      "Time from proposal to decision",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"algorithm"}),
		MaliciousAgents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "byzantine_malicious_agents_total",
			Help:      "Participants excluded for inconsistent votes",
		}),

		SyncTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_sync_total",
			Help:      "State synchronization runs by outcome",
		}, []string{"result"}),
		SyncConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_sync_conflicts_total",
			Help:      "Conflicting keys resolved during synchronization",
		}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_sync_duration_seconds",
			Help:      "State synchronization latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		PendingProposals: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_proposals",
			Help:      "Consensus rounds waiting for votes",
		}),
		PeerCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_count",
			Help:      "Known network peers",
		}),

		GRPCRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total gRPC requests by method and status",
		}, []string{"method", "status"}),
		GRPCRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC request duration by method",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// ObserveConsensus records a decided round.
func (m *Metrics) ObserveConsensus(r *consensus.Result) {
	m.ConsensusTotal.WithLabelValues(r.Algorithm, r.Decision.String()).Inc()
	m.ConsensusDuration.WithLabelValues(r.Algorithm).Observe(r.Duration.Seconds())
	if agents, ok := r.Metadata["malicious_agents"].([]string); ok {
		m.MaliciousAgents.Add(float64(len(agents)))
	}
}

// ObserveConsensusFailure records a request that never reached a decision.
func (m *Metrics) ObserveConsensusFailure(algorithm string) {
	m.ConsensusFailures.WithLabelValues(algorithm).Inc()
}

// ObserveSync records a synchronization run.
func (m *Metrics) ObserveSync(_ string, ok bool, conflicts int, duration time.Duration) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.SyncTotal.WithLabelValues(result).Inc()
	m.SyncConflicts.Add(float64(conflicts))
	m.SyncDuration.Observe(duration.Seconds())
}

// RecordGRPCRequest records a gRPC request.
func (m *Metrics) RecordGRPCRequest(method, status string, duration time.Duration) {
	m.GRPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.GRPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// UpdatePending updates the pending proposals gauge.
func (m *Metrics) UpdatePending(n int) {
	m.PendingProposals.Set(float64(n))
}

// UpdatePeers updates the peer gauge.
func (m *Metrics) UpdatePeers(n int) {
	m.PeerCount.Set(float64(n))
}

// MetricsServer runs an HTTP server exposing /metrics and /health.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a metrics server on addr serving the metrics of gatherer.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the HTTP handler, useful with httptest.
func (s *MetricsServer) Handler() http.Handler {
	return s.server.Handler
}

// Serve serves on lis until Stop is called.
func (s *MetricsServer) Serve(lis net.Listener) error {
	if err := s.server.Serve(lis); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// StartAsync starts the metrics server in a goroutine.
func (s *MetricsServer) StartAsync() {
	go func() {
		_ = s.server.ListenAndServe()
	}()
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
