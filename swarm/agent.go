// Package swarm assembles a swarm agent: a consensus manager and a state synchronizer
// sharing one transport and one store, plus the inbound message dispatch that ties
// them to the network.
package swarm

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/HieraChain-Swarm/consensus"
	"github.com/VanDung-dev/HieraChain-Swarm/logger"
	"github.com/VanDung-dev/HieraChain-Swarm/network"
	"github.com/VanDung-dev/HieraChain-Swarm/statesync"
	"github.com/VanDung-dev/HieraChain-Swarm/storage"
)

// Voter decides how this agent votes on a proposal in a given round.
type Voter func(ctx context.Context, req consensus.RequestPayload, round int) consensus.Choice

// ApproveAll votes For every proposal.
func ApproveAll(context.Context, consensus.RequestPayload, int) consensus.Choice {
	return consensus.For
}

// Config configures an Agent.
type Config struct {
	NodeID    string
	Consensus consensus.Config
	Sync      statesync.Config
	// MaxParallelSyncs bounds SynchronizeAll, 0 means unbounded.
	MaxParallelSyncs int
}

// DefaultConfig returns a configuration for nodeID with library defaults.
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:           nodeID,
		Consensus:        consensus.DefaultConfig(),
		Sync:             statesync.DefaultConfig(),
		MaxParallelSyncs: 8,
	}
}

// Option configures an Agent.
type Option func(*agentOptions)

type agentOptions struct {
	voter              Voter
	consensusObservers []consensus.Observer
	syncObservers      []statesync.Observer
	log                *zap.SugaredLogger
}

// WithVoter replaces the default ApproveAll voter.
func WithVoter(v Voter) Option {
	return func(o *agentOptions) { o.voter = v }
}

// WithConsensusObserver adds a consensus observer.
func WithConsensusObserver(obs consensus.Observer) Option {
	return func(o *agentOptions) { o.consensusObservers = append(o.consensusObservers, obs) }
}

// WithSyncObserver adds a synchronization observer.
func WithSyncObserver(obs statesync.Observer) Option {
	return func(o *agentOptions) { o.syncObservers = append(o.syncObservers, obs) }
}

// WithLogger replaces the agent logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *agentOptions) { o.log = log }
}

// Agent is one participant of a swarm.
type Agent struct {
	nodeID    string
	config    Config
	transport network.Transport
	store     storage.Store

	manager *consensus.Manager
	sync    *statesync.Synchronizer
	voter   Voter
	log     *zap.SugaredLogger

	mu       sync.Mutex
	handled  map[string]int64
	rejected int64
}

// NewAgent creates an agent. The caller delivers inbound messages to HandleMessage.
func NewAgent(config Config, transport network.Transport, store storage.Store, opts ...Option) (*Agent, error) {
	if config.NodeID == "" {
		return nil, errors.New("agent needs a node id")
	}
	if err := config.Consensus.Validate(); err != nil {
		return nil, err
	}
	if err := config.Sync.Validate(); err != nil {
		return nil, err
	}

	o := agentOptions{voter: ApproveAll}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.NewLogger("Agent").Named(config.NodeID)
	}

	registry, err := consensus.NewBuiltinRegistry(config.Consensus)
	if err != nil {
		return nil, err
	}
	resolver, err := statesync.NewResolver(config.Sync.Resolver)
	if err != nil {
		return nil, err
	}

	managerOpts := make([]consensus.ManagerOption, 0, len(o.consensusObservers))
	for _, obs := range o.consensusObservers {
		managerOpts = append(managerOpts, consensus.WithObserver(obs))
	}
	syncOpts := make([]statesync.Option, 0, len(o.syncObservers))
	for _, obs := range o.syncObservers {
		syncOpts = append(syncOpts, statesync.WithObserver(obs))
	}

	return &Agent{
		nodeID:    config.NodeID,
		config:    config,
		transport: transport,
		store:     store,
		manager:   consensus.NewManager(config.NodeID, transport, registry, config.Consensus, managerOpts...),
		sync:      statesync.NewSynchronizer(config.NodeID, transport, store, resolver, config.Sync, syncOpts...),
		voter:     o.voter,
		log:       o.log,
		handled:   make(map[string]int64),
	}, nil
}

// NodeID returns the agent id.
func (a *Agent) NodeID() string { return a.nodeID }

// Manager returns the consensus manager.
func (a *Agent) Manager() *consensus.Manager { return a.manager }

// Synchronizer returns the state synchronizer.
func (a *Agent) Synchronizer() *statesync.Synchronizer { return a.sync }

// HandleMessage dispatches an inbound message by type. It is a network.MessageHandler.
func (a *Agent) HandleMessage(msg *network.Message) error {
	err := a.dispatch(context.Background(), msg)

	a.mu.Lock()
	a.handled[msg.Type]++
	if err != nil {
		a.rejected++
	}
	a.mu.Unlock()

	if err != nil {
		a.log.Warnf("dropping %s from %s: %v", msg.Type, msg.From, err)
	}
	return err
}

func (a *Agent) dispatch(ctx context.Context, msg *network.Message) error {
	switch msg.Type {
	case network.TypeConsensusRequest:
		var req consensus.RequestPayload
		if err := msg.Decode(&req); err != nil {
			return err
		}
		return a.vote(ctx, req)

	case network.TypeConsensusVote:
		var vp consensus.VotePayload
		if err := msg.Decode(&vp); err != nil {
			return err
		}
		if vp.Vote.ParticipantID != msg.From {
			return errors.Wrapf(consensus.ErrInvalidVote, "vote for %s sent by %s", vp.Vote.ParticipantID, msg.From)
		}
		return a.manager.HandleVote(vp.Vote)

	case network.TypeStateRequest:
		var req statesync.StateRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		return a.sync.HandleRequest(ctx, req)

	case network.TypeStateResponse:
		var resp statesync.StateResponse
		if err := msg.Decode(&resp); err != nil {
			return err
		}
		if resp.Responder != msg.From {
			return errors.Wrapf(statesync.ErrInvalidResponse, "response for %s sent by %s", resp.Responder, msg.From)
		}
		return a.sync.HandleResponse(resp)

	case network.TypeStateUpdate:
		var upd statesync.StateUpdate
		if err := msg.Decode(&upd); err != nil {
			return err
		}
		applied, err := a.sync.ApplyUpdate(ctx, upd.SwarmID, upd.State)
		if err != nil {
			return err
		}
		if applied {
			a.log.Debugf("applied %s/%s v%d from %s", upd.SwarmID, upd.State.Key, upd.State.Version, msg.From)
		}
		return nil

	default:
		return errors.Newf("unknown message type %q", msg.Type)
	}
}

// vote answers a consensus request with one vote per requested round.
func (a *Agent) vote(ctx context.Context, req consensus.RequestPayload) error {
	member := false
	for _, p := range req.Participants {
		if p == a.nodeID {
			member = true
			break
		}
	}
	if !member {
		return nil
	}

	rounds := req.Rounds
	if rounds < 1 {
		rounds = 1
	}
	for round := 0; round < rounds; round++ {
		msg, err := network.NewMessage(network.TypeConsensusVote, req.SwarmID, consensus.VotePayload{
			Vote: consensus.NewVote(a.nodeID, req.ProposalID, a.voter(ctx, req, round), round),
		})
		if err != nil {
			return err
		}
		if err := a.transport.Send(ctx, a.nodeID, req.Requester, msg); err != nil {
			return errors.Wrapf(err, "voting on %s", req.ProposalID)
		}
	}
	return nil
}

// RequestConsensus runs a consensus round over swarmID.
func (a *Agent) RequestConsensus(ctx context.Context, swarmID string, payload []byte, opts ...consensus.RequestOption) (*consensus.Result, error) {
	return a.manager.RequestConsensus(ctx, swarmID, payload, opts...)
}

// SynchronizeState synchronizes one key; a zero timeout uses the configured one.
func (a *Agent) SynchronizeState(ctx context.Context, swarmID, key string, timeout time.Duration) (bool, error) {
	return a.sync.SynchronizeState(ctx, swarmID, key, timeout)
}

// SynchronizeAll synchronizes keys concurrently and reports the per-key outcome. The
// first hard failure cancels the remaining runs. With no keys it synchronizes every
// locally stored key.
func (a *Agent) SynchronizeAll(ctx context.Context, swarmID string, keys []string, timeout time.Duration) (map[string]bool, error) {
	if len(keys) == 0 {
		stored, err := a.sync.Keys(ctx, swarmID)
		if err != nil {
			return nil, err
		}
		keys = stored
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.config.MaxParallelSyncs > 0 {
		g.SetLimit(a.config.MaxParallelSyncs)
	}

	var mu sync.Mutex
	results := make(map[string]bool, len(keys))
	for _, key := range keys {
		key := key
		g.Go(func() error {
			ok, err := a.sync.SynchronizeState(gctx, swarmID, key, timeout)
			mu.Lock()
			results[key] = ok
			mu.Unlock()
			return err
		})
	}

	err := g.Wait()
	return results, err
}

// UpdateState writes a local value and broadcasts it.
func (a *Agent) UpdateState(ctx context.Context, swarmID, key string, value json.RawMessage, metadata map[string]string) (statesync.StateVersion, error) {
	return a.sync.UpdateState(ctx, swarmID, key, value, metadata)
}

// GetState returns the stored version of key.
func (a *Agent) GetState(ctx context.Context, swarmID, key string) (statesync.StateVersion, bool, error) {
	return a.sync.GetState(ctx, swarmID, key)
}

// DeltaSync returns every retained version newer than sinceVersion.
func (a *Agent) DeltaSync(ctx context.Context, swarmID string, sinceVersion int64) ([]statesync.StateVersion, error) {
	return a.sync.DeltaSync(ctx, swarmID, sinceVersion)
}

// CatchUp applies versions fetched from a peer, typically through api.FetchDelta,
// and returns how many were newer than the local ones.
func (a *Agent) CatchUp(ctx context.Context, swarmID string, versions []statesync.StateVersion) (int, error) {
	applied := 0
	for _, sv := range versions {
		ok, err := a.sync.ApplyUpdate(ctx, swarmID, sv)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

// Watermarks returns the stored version of every key of swarmID. Versions count per
// key, so a delta request must carry one watermark per key.
func (a *Agent) Watermarks(ctx context.Context, swarmID string) (map[string]int64, error) {
	keys, err := a.sync.Keys(ctx, swarmID)
	if err != nil {
		return nil, err
	}
	marks := make(map[string]int64, len(keys))
	for _, key := range keys {
		sv, ok, err := a.sync.GetState(ctx, swarmID, key)
		if err != nil {
			return nil, err
		}
		if ok {
			marks[key] = sv.Version
		}
	}
	return marks, nil
}

// ClearState deletes key, or every key of swarmID when key is empty.
func (a *Agent) ClearState(ctx context.Context, swarmID, key string) (bool, error) {
	return a.sync.ClearState(ctx, swarmID, key)
}

// Stats returns consensus statistics.
func (a *Agent) Stats() consensus.Stats {
	return a.manager.Stats()
}

// AgentStats contains message dispatch statistics.
type AgentStats struct {
	NodeID   string           `json:"node_id"`
	Handled  map[string]int64 `json:"handled"`
	Rejected int64            `json:"rejected"`
	Pending  int              `json:"pending_proposals"`
}

// GetStats returns message dispatch statistics.
func (a *Agent) GetStats() AgentStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	handled := make(map[string]int64, len(a.handled))
	for t, n := range a.handled {
		handled[t] = n
	}

	return AgentStats{
		NodeID:   a.nodeID,
		Handled:  handled,
		Rejected: a.rejected,
		Pending:  a.manager.Pending(),
	}
}

// Close closes the store.
func (a *Agent) Close() error {
	return a.store.Close()
}
