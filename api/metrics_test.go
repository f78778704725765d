package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/HieraChain-Swarm/consensus"
)

func TestMetricsObserveConsensus(t *testing.T) {
	m := NewMetrics("swarm", prometheus.NewRegistry())

	m.ObserveConsensus(&consensus.Result{Algorithm: "byzantine", Decision: consensus.Approved, Duration: time.Millisecond,
		Metadata: map[string]interface{}{"malicious_agents": []string{"d", "e"}}})
	m.ObserveConsensus(&consensus.Result{Algorithm: "quorum", Decision: consensus.Timeout})
	m.ObserveConsensusFailure("quorum")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsensusTotal.WithLabelValues("byzantine", "approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsensusTotal.WithLabelValues("quorum", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsensusFailures.WithLabelValues("quorum")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MaliciousAgents))
}

func TestMetricsObserveSync(t *testing.T) {
	m := NewMetrics("swarm", prometheus.NewRegistry())

	m.ObserveSync("s", true, 2, time.Millisecond)
	m.ObserveSync("s", false, 0, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncTotal.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SyncConflicts))
}

func TestMetricsGauges(t *testing.T) {
	m := NewMetrics("swarm", prometheus.NewRegistry())
	m.UpdatePending(3)
	m.UpdatePeers(7)

	if v := testutil.ToFloat64(m.PendingProposals); v != 3 {
		t.Errorf("Expected 3 pending proposals, got %v", v)
	}
	if v := testutil.ToFloat64(m.PeerCount); v != 7 {
		t.Errorf("Expected 7 peers, got %v", v)
	}
}

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("swarm", reg)
	m.ObserveSync("s", true, 0, time.Millisecond)

	srv := httptest.NewServer(NewMetricsServer(":0", reg).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body := new(strings.Builder)
	_, err = io.Copy(body, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "swarm_state_sync_total")
}
