package api

import (
	"encoding/json"

	"github.com/VanDung-dev/HieraChain-Swarm/consensus"
	"github.com/VanDung-dev/HieraChain-Swarm/statesync"
)

// Request and response bodies of SwarmService. They travel as JSON.

type Empty struct{}

type ConsensusRequest struct {
	SwarmID   string `json:"swarm_id"`
	Payload   []byte `json:"payload,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

type ConsensusResponse struct {
	Result *consensus.Result `json:"result"`
}

type SyncRequest struct {
	SwarmID   string `json:"swarm_id"`
	Key       string `json:"key"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

type SyncResponse struct {
	Synchronized bool                    `json:"synchronized"`
	State        *statesync.StateVersion `json:"state,omitempty"`
}

type UpdateStateRequest struct {
	SwarmID  string            `json:"swarm_id"`
	Key      string            `json:"key"`
	Value    json.RawMessage   `json:"value"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type GetStateRequest struct {
	SwarmID string `json:"swarm_id"`
	Key     string `json:"key"`
}

type StateResponse struct {
	Found bool                    `json:"found"`
	State *statesync.StateVersion `json:"state,omitempty"`
}

type DeltaSyncRequest struct {
	SwarmID      string `json:"swarm_id"`
	SinceVersion int64  `json:"since_version"`
}

type DeltaSyncResponse struct {
	States []statesync.StateVersion `json:"states"`
}

type ClearStateRequest struct {
	SwarmID string `json:"swarm_id"`
	Key     string `json:"key,omitempty"`
}

type ClearStateResponse struct {
	Cleared bool `json:"cleared"`
}

type StatsResponse struct {
	NodeID    string          `json:"node_id"`
	Consensus consensus.Stats `json:"consensus"`
}

type HealthResponse struct {
	Healthy       bool   `json:"healthy"`
	Version       string `json:"version"`
	NodeID        string `json:"node_id"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
