package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Swarm/logger"
	"github.com/VanDung-dev/HieraChain-Swarm/network"
)

// Topology is the part of the transport the manager needs.
type Topology interface {
	Participants(ctx context.Context, swarmID string) ([]string, error)
	Broadcast(ctx context.Context, from string, msg *network.Message) (int, error)
}

// Observer is notified about every finished round.
type Observer interface {
	ObserveConsensus(r *Result)
	ObserveConsensusFailure(algorithm string)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger replaces the manager logger.
func WithLogger(log *zap.SugaredLogger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithObserver adds an observer.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// RequestOption configures a single RequestConsensus call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	algorithm string
	timeout   time.Duration
}

// WithAlgorithm selects a registered algorithm by name.
func WithAlgorithm(name string) RequestOption {
	return func(o *requestOptions) { o.algorithm = name }
}

// WithTimeout bounds the vote collection.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

type pendingRound struct {
	proposal *Proposal
	expected int
	votes    []Vote
	seen     map[voteKey]bool
	done     chan struct{}
	closed   bool
}

// Manager runs consensus rounds: it proposes, broadcasts, collects votes within a
// timeout and lets the selected algorithm decide. One mutex guards the in-flight
// rounds and the statistics.
type Manager struct {
	nodeID   string
	topology Topology
	registry *Registry
	config   Config

	log       *zap.SugaredLogger
	observers []Observer

	mu      sync.Mutex
	pending map[string]*pendingRound
	stats   *statsBook
}

// NewManager creates a manager that broadcasts as nodeID.
func NewManager(nodeID string, topology Topology, registry *Registry, config Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		nodeID:   nodeID,
		topology: topology,
		registry: registry,
		config:   config,
		log:      logger.NewLogger("ConsensusManager").Named(nodeID),
		pending:  make(map[string]*pendingRound),
		stats:    newStatsBook(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the manager's algorithm registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Register adds a custom algorithm to the manager's registry.
func (m *Manager) Register(name string, alg Algorithm) error {
	return m.registry.Register(name, alg)
}

// RequestConsensus runs one round over the participants of swarmID. Rejected and
// Timeout are returned as results; errors mean the round could not run.
func (m *Manager) RequestConsensus(ctx context.Context, swarmID string, payload []byte, opts ...RequestOption) (*Result, error) {
	o := requestOptions{algorithm: m.config.DefaultAlgorithm, timeout: m.config.Timeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = DefaultConfig().Timeout
	}

	alg, err := m.registry.Get(o.algorithm)
	if err != nil {
		return nil, err
	}
	name := alg.Name()
	start := time.Now()

	participants, err := m.topology.Participants(ctx, swarmID)
	if err != nil {
		m.fail(name)
		return nil, errors.Wrapf(err, "resolving participants of %s", swarmID)
	}
	if len(participants) == 0 {
		return m.noRecipients(name, uuid.NewString(), start), nil
	}

	proposal, err := alg.Propose(payload, participants)
	if err != nil {
		m.fail(name)
		return nil, err
	}
	proposal.SwarmID = swarmID

	round := &pendingRound{
		proposal: proposal,
		expected: proposal.ExpectedVotes(),
		seen:     make(map[voteKey]bool),
		done:     make(chan struct{}),
	}
	m.mu.Lock()
	m.pending[proposal.ID] = round
	m.mu.Unlock()
	defer m.drop(proposal.ID)

	msg, err := network.NewMessage(network.TypeConsensusRequest, swarmID, RequestPayload{
		ProposalID:   proposal.ID,
		SwarmID:      swarmID,
		Algorithm:    name,
		Payload:      proposal.Payload,
		Participants: proposal.Participants,
		Rounds:       proposal.Rounds,
		Requester:    m.nodeID,
	})
	if err != nil {
		m.fail(name)
		return nil, err
	}

	recipients, err := m.topology.Broadcast(ctx, m.nodeID, msg)
	if err != nil {
		m.fail(name)
		return nil, errors.Wrapf(err, "broadcasting proposal %s", proposal.ID)
	}
	if recipients == 0 {
		return m.noRecipients(name, proposal.ID, start), nil
	}

	timeoutReached := m.wait(ctx, round, o.timeout)

	m.mu.Lock()
	votes := append([]Vote(nil), round.votes...)
	m.mu.Unlock()

	result, err := alg.Decide(proposal.ID, votes, timeoutReached)
	if err != nil {
		m.fail(name)
		return nil, err
	}

	m.log.Infof("proposal %s in %s decided %s by %s (%d/%d votes, %s)",
		proposal.ID, swarmID, result.Decision, name, len(votes), round.expected, time.Since(start).Round(time.Millisecond))

	m.record(result)
	return result, nil
}

// wait blocks until every expected vote arrived, the timeout elapsed or ctx is done.
// It reports whether the round ended without all votes.
func (m *Manager) wait(ctx context.Context, round *pendingRound, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-round.done:
		return false
	case <-timer.C:
		return true
	case <-ctx.Done():
		return true
	}
}

// HandleVote delivers an inbound vote to its round.
func (m *Manager) HandleVote(vote Vote) error {
	if err := vote.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	round, ok := m.pending[vote.ProposalID]
	if !ok {
		return errors.Wrapf(ErrInvalidVote, "no pending proposal %s", vote.ProposalID)
	}
	if !round.proposal.HasParticipant(vote.ParticipantID) {
		return errors.Wrapf(ErrInvalidVote, "%s is not a participant of %s", vote.ParticipantID, vote.ProposalID)
	}
	if vote.Round >= round.proposal.RoundCount() {
		return errors.Wrapf(ErrInvalidVote, "round %d out of range for %s", vote.Round, vote.ProposalID)
	}
	key := voteKey{vote.ParticipantID, vote.Round}
	if round.seen[key] {
		return errors.Wrapf(ErrInvalidVote, "duplicate vote from %s in round %d", vote.ParticipantID, vote.Round)
	}

	round.seen[key] = true
	round.votes = append(round.votes, vote)
	if len(round.votes) >= round.expected && !round.closed {
		round.closed = true
		close(round.done)
	}
	return nil
}

// Pending returns the number of rounds waiting for votes.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Stats returns aggregated statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.snapshot()
}

func (m *Manager) drop(proposalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, proposalID)
}

func (m *Manager) noRecipients(algorithm, proposalID string, start time.Time) *Result {
	m.log.Warnf("no participants to consult for %s", algorithm)
	r := &Result{
		ProposalID: proposalID,
		Decision:   Timeout,
		Duration:   time.Since(start),
		Algorithm:  algorithm,
		Metadata:   map[string]interface{}{"reason": "no_recipients"},
	}
	m.record(r)
	return r
}

func (m *Manager) record(r *Result) {
	m.mu.Lock()
	m.stats.record(r)
	m.mu.Unlock()

	for _, o := range m.observers {
		o.ObserveConsensus(r)
	}
}

func (m *Manager) fail(algorithm string) {
	m.mu.Lock()
	m.stats.fail(algorithm)
	m.mu.Unlock()

	for _, o := range m.observers {
		o.ObserveConsensusFailure(algorithm)
	}
}
