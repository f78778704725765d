package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/VanDung-dev/HieraChain-Swarm/consensus"
	"github.com/VanDung-dev/HieraChain-Swarm/statesync"
)

// Backend is the agent the API serves.
type Backend interface {
	NodeID() string
	RequestConsensus(ctx context.Context, swarmID string, payload []byte, opts ...consensus.RequestOption) (*consensus.Result, error)
	SynchronizeState(ctx context.Context, swarmID, key string, timeout time.Duration) (bool, error)
	UpdateState(ctx context.Context, swarmID, key string, value json.RawMessage, metadata map[string]string) (statesync.StateVersion, error)
	GetState(ctx context.Context, swarmID, key string) (statesync.StateVersion, bool, error)
	DeltaSyncer
	ClearState(ctx context.Context, swarmID, key string) (bool, error)
	Stats() consensus.Stats
}

// DeltaSyncer serves delta sync queries.
type DeltaSyncer interface {
	DeltaSync(ctx context.Context, swarmID string, sinceVersion int64) ([]statesync.StateVersion, error)
}
