package api

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/VanDung-dev/HieraChain-Swarm/consensus"
	"github.com/VanDung-dev/HieraChain-Swarm/statesync"
)

// Client calls SwarmService over a gRPC connection.
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial connects to the SwarmService at target without transport security.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, own: true}, nil
}

// NewClient wraps an existing connection. Close leaves it open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection if the client dialed it.
func (c *Client) Close() error {
	if c.own {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, grpc.CallContentSubtype(CodecName))
}

// RequestConsensus asks the agent to run a consensus round. Empty algorithm and zero
// timeout use the agent defaults.
func (c *Client) RequestConsensus(ctx context.Context, swarmID string, payload []byte, algorithm string, timeout time.Duration) (*consensus.Result, error) {
	var resp ConsensusResponse
	err := c.invoke(ctx, "RequestConsensus", &ConsensusRequest{
		SwarmID:   swarmID,
		Payload:   payload,
		Algorithm: algorithm,
		TimeoutMs: timeout.Milliseconds(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// SynchronizeState asks the agent to synchronize key.
func (c *Client) SynchronizeState(ctx context.Context, swarmID, key string, timeout time.Duration) (*SyncResponse, error) {
	var resp SyncResponse
	err := c.invoke(ctx, "SynchronizeState", &SyncRequest{SwarmID: swarmID, Key: key, TimeoutMs: timeout.Milliseconds()}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateState writes value on the agent.
func (c *Client) UpdateState(ctx context.Context, swarmID, key string, value json.RawMessage, metadata map[string]string) (*statesync.StateVersion, error) {
	var resp StateResponse
	err := c.invoke(ctx, "UpdateState", &UpdateStateRequest{SwarmID: swarmID, Key: key, Value: value, Metadata: metadata}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.State, nil
}

// GetState reads key; nil means the agent holds no version.
func (c *Client) GetState(ctx context.Context, swarmID, key string) (*statesync.StateVersion, error) {
	var resp StateResponse
	if err := c.invoke(ctx, "GetState", &GetStateRequest{SwarmID: swarmID, Key: key}, &resp); err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, nil
	}
	return resp.State, nil
}

// DeltaSync returns every version newer than sinceVersion.
func (c *Client) DeltaSync(ctx context.Context, swarmID string, sinceVersion int64) ([]statesync.StateVersion, error) {
	var resp DeltaSyncResponse
	if err := c.invoke(ctx, "DeltaSync", &DeltaSyncRequest{SwarmID: swarmID, SinceVersion: sinceVersion}, &resp); err != nil {
		return nil, err
	}
	return resp.States, nil
}

// ClearState clears key, or the whole swarm when key is empty.
func (c *Client) ClearState(ctx context.Context, swarmID, key string) (bool, error) {
	var resp ClearStateResponse
	if err := c.invoke(ctx, "ClearState", &ClearStateRequest{SwarmID: swarmID, Key: key}, &resp); err != nil {
		return false, err
	}
	return resp.Cleared, nil
}

// GetStats returns the agent statistics.
func (c *Client) GetStats(ctx context.Context) (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.invoke(ctx, "GetStats", &Empty{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HealthCheck returns the agent health.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.invoke(ctx, "HealthCheck", &Empty{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
