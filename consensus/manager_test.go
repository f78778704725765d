package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/HieraChain-Swarm/network"
)

type voteFunc func(participant string, round int) Choice

// testSwarm joins n voters to a hub. The first member owns the manager.
type testSwarm struct {
	hub     *network.Hub
	manager *Manager
	ids     []string
}

func newTestSwarm(t *testing.T, ids []string, cfg Config, vote voteFunc, opts ...ManagerOption) *testSwarm {
	t.Helper()

	hub := network.NewHub(network.DefaultHubConfig())
	t.Cleanup(hub.Close)

	registry, err := NewBuiltinRegistry(cfg)
	require.NoError(t, err)

	s := &testSwarm{hub: hub, ids: ids}
	s.manager = NewManager(ids[0], hub, registry, cfg, opts...)

	for _, id := range ids {
		id := id
		hub.Join("swarm", id, func(msg *network.Message) error {
			switch msg.Type {
			case network.TypeConsensusRequest:
				var req RequestPayload
				if err := msg.Decode(&req); err != nil {
					return err
				}
				for round := 0; round < req.Rounds; round++ {
					out, err := network.NewMessage(network.TypeConsensusVote, req.SwarmID, VotePayload{
						Vote: NewVote(id, req.ProposalID, vote(id, round), round),
					})
					if err != nil {
						return err
					}
					if err := hub.Send(context.Background(), id, req.Requester, out); err != nil {
						return err
					}
				}
			case network.TypeConsensusVote:
				var vp VotePayload
				if err := msg.Decode(&vp); err != nil {
					return err
				}
				return s.manager.HandleVote(vp.Vote)
			}
			return nil
		})
	}
	return s
}

func fixedVotes(choices map[string]Choice) voteFunc {
	return func(participant string, _ int) Choice {
		if c, ok := choices[participant]; ok {
			return c
		}
		return Abstain
	}
}

func TestManagerQuorumEndToEnd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 2 * time.Second

	s := newTestSwarm(t, []string{"a", "b", "c"}, cfg, fixedVotes(map[string]Choice{
		"a": For, "b": For, "c": Against,
	}))

	start := time.Now()
	r, err := s.manager.RequestConsensus(context.Background(), "swarm", []byte("scale-up"), WithAlgorithm("quorum"))
	require.NoError(t, err)

	assert.Equal(t, Approved, r.Decision)
	assert.Equal(t, 2, r.VotesFor)
	assert.Equal(t, 1, r.VotesAgainst)
	assert.Less(t, time.Since(start), cfg.Timeout, "all votes arrived, no need to wait for the timeout")
	assert.Equal(t, 0, s.manager.Pending())
}

func TestManagerWeightedEndToEnd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = map[string]float64{"A": 3.0, "B": 2.0, "C": 1.5, "D": 1.0}

	s := newTestSwarm(t, []string{"A", "B", "C", "D"}, cfg, fixedVotes(map[string]Choice{
		"A": For, "B": For, "C": Against, "D": Against,
	}))

	r, err := s.manager.RequestConsensus(context.Background(), "swarm", nil, WithAlgorithm("weighted"))
	require.NoError(t, err)

	assert.Equal(t, Approved, r.Decision)
	assert.InDelta(t, 5.0, r.Metadata["weighted_for"], 1e-9)
	assert.InDelta(t, 0.667, r.Metadata["weighted_ratio"], 1e-3)
}

func TestManagerByzantineEndToEnd(t *testing.T) {
	cfg := DefaultConfig()
	vote := func(participant string, round int) Choice {
		if participant == "d" && round == 1 {
			return Against
		}
		return For
	}

	s := newTestSwarm(t, []string{"a", "b", "c", "d"}, cfg, vote)

	r, err := s.manager.RequestConsensus(context.Background(), "swarm", nil, WithAlgorithm("byzantine"))
	require.NoError(t, err)

	assert.Equal(t, Approved, r.Decision)
	assert.Equal(t, []string{"d"}, r.Metadata["malicious_agents"])
}

func TestManagerTimeout(t *testing.T) {
	cfg := DefaultConfig()
	s := newTestSwarm(t, []string{"a", "b", "c", "d"}, cfg, fixedVotes(map[string]Choice{"a": Against}))
	s.hub.Mute("b", true)
	s.hub.Mute("c", true)
	s.hub.Mute("d", true)

	start := time.Now()
	r, err := s.manager.RequestConsensus(context.Background(), "swarm", nil, WithTimeout(100*time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, Timeout, r.Decision, "only a quarter of the swarm voted")
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestManagerContextCanceled(t *testing.T) {
	cfg := DefaultConfig()
	s := newTestSwarm(t, []string{"a", "b"}, cfg, fixedVotes(nil))
	s.hub.Mute("b", true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	r, err := s.manager.RequestConsensus(ctx, "swarm", nil, WithTimeout(10*time.Second))
	require.NoError(t, err)
	assert.NotEqual(t, Approved, r.Decision)
}

type emptyTopology struct{}

func (emptyTopology) Participants(context.Context, string) ([]string, error) { return nil, nil }

func (emptyTopology) Broadcast(context.Context, string, *network.Message) (int, error) {
	return 0, nil
}

func TestManagerNoRecipients(t *testing.T) {
	registry, err := NewBuiltinRegistry(DefaultConfig())
	require.NoError(t, err)
	m := NewManager("lonely", emptyTopology{}, registry, DefaultConfig())

	start := time.Now()
	r, err := m.RequestConsensus(context.Background(), "void", nil)
	require.NoError(t, err)

	assert.Equal(t, Timeout, r.Decision)
	assert.Equal(t, "no_recipients", r.Metadata["reason"])
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(1), m.Stats().Timeouts)
}

func TestManagerUnknownAlgorithm(t *testing.T) {
	s := newTestSwarm(t, []string{"a"}, DefaultConfig(), fixedVotes(nil))

	_, err := s.manager.RequestConsensus(context.Background(), "swarm", nil, WithAlgorithm("raft"))
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestManagerByzantineTooSmall(t *testing.T) {
	s := newTestSwarm(t, []string{"a", "b", "c"}, DefaultConfig(), fixedVotes(nil))

	_, err := s.manager.RequestConsensus(context.Background(), "swarm", nil, WithAlgorithm("byzantine"))
	assert.ErrorIs(t, err, ErrInvalidParticipantCount)
	assert.Equal(t, int64(1), s.manager.Stats().Failures)
}

func TestManagerHandleVote(t *testing.T) {
	registry, _ := NewBuiltinRegistry(DefaultConfig())
	m := NewManager("a", emptyTopology{}, registry, DefaultConfig())

	err := m.HandleVote(NewVote("a", "nope", For, 0))
	assert.ErrorIs(t, err, ErrInvalidVote)

	err = m.HandleVote(Vote{ProposalID: "p"})
	assert.ErrorIs(t, err, ErrInvalidVote)

	round := &pendingRound{
		proposal: &Proposal{ID: "p", Participants: []string{"a", "b"}, Rounds: 1},
		expected: 2,
		seen:     make(map[voteKey]bool),
		done:     make(chan struct{}),
	}
	m.pending["p"] = round

	require.NoError(t, m.HandleVote(NewVote("a", "p", For, 0)))
	assert.ErrorIs(t, m.HandleVote(NewVote("a", "p", Against, 0)), ErrInvalidVote)
	assert.ErrorIs(t, m.HandleVote(NewVote("z", "p", For, 0)), ErrInvalidVote)
	require.NoError(t, m.HandleVote(NewVote("b", "p", For, 0)))

	select {
	case <-round.done:
	default:
		t.Fatal("round should be complete after all expected votes")
	}
}

func TestManagerRejectsOutOfRangeRounds(t *testing.T) {
	registry, _ := NewBuiltinRegistry(DefaultConfig())
	m := NewManager("a", emptyTopology{}, registry, DefaultConfig())

	round := &pendingRound{
		proposal: &Proposal{ID: "p", Participants: []string{"a", "b", "c"}, Rounds: 1},
		expected: 3,
		seen:     make(map[voteKey]bool),
		done:     make(chan struct{}),
	}
	m.pending["p"] = round

	require.NoError(t, m.HandleVote(NewVote("a", "p", Against, 0)))
	assert.ErrorIs(t, m.HandleVote(NewVote("a", "p", Against, 1)), ErrInvalidVote)
	assert.ErrorIs(t, m.HandleVote(NewVote("a", "p", Against, 2)), ErrInvalidVote)

	select {
	case <-round.done:
		t.Fatal("one participant must not complete the round alone")
	default:
	}
	if len(round.votes) != 1 {
		t.Errorf("Expected 1 recorded vote, got %d", len(round.votes))
	}

	require.NoError(t, m.HandleVote(NewVote("b", "p", For, 0)))
	require.NoError(t, m.HandleVote(NewVote("c", "p", For, 0)))
	select {
	case <-round.done:
	default:
		t.Fatal("round should be complete after all expected votes")
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	results  []*Result
	failures []string
}

func (o *recordingObserver) ObserveConsensus(r *Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, r)
}

func (o *recordingObserver) ObserveConsensusFailure(algorithm string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, algorithm)
}

func TestManagerStatsAndObserver(t *testing.T) {
	obs := &recordingObserver{}
	choices := map[string]Choice{"a": For, "b": For, "c": For}

	s := newTestSwarm(t, []string{"a", "b", "c"}, DefaultConfig(), fixedVotes(choices), WithObserver(obs))
	ctx := context.Background()

	_, err := s.manager.RequestConsensus(ctx, "swarm", nil)
	require.NoError(t, err)
	_, err = s.manager.RequestConsensus(ctx, "swarm", nil, WithAlgorithm("unanimous"))
	require.NoError(t, err)
	_, err = s.manager.RequestConsensus(ctx, "swarm", nil, WithAlgorithm("byzantine"))
	require.Error(t, err)

	stats := s.manager.Stats()
	assert.Equal(t, int64(3), stats.TotalProposals)
	assert.Equal(t, int64(2), stats.Approved)
	assert.Equal(t, int64(1), stats.Failures)
	assert.InDelta(t, 2.0/3.0, stats.ApprovalRate, 1e-9)
	assert.Equal(t, int64(1), stats.ByAlgorithm["quorum"].Approved)
	assert.Equal(t, int64(1), stats.ByAlgorithm["unanimous"].Approved)
	assert.Equal(t, int64(1), stats.ByAlgorithm["byzantine"].Failures)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Len(t, obs.results, 2)
	assert.Equal(t, []string{"byzantine"}, obs.failures)
}

func TestManagerConcurrentRequests(t *testing.T) {
	s := newTestSwarm(t, []string{"a", "b", "c", "d", "e"}, DefaultConfig(), fixedVotes(map[string]Choice{
		"a": For, "b": For, "c": For, "d": Against, "e": Against,
	}))

	var wg sync.WaitGroup
	results := make([]*Result, 20)
	errs := make([]error, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.manager.RequestConsensus(context.Background(), "swarm", nil)
		}(i)
	}
	wg.Wait()

	ids := make(map[string]bool)
	for i, r := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, Approved, r.Decision)
		assert.False(t, ids[r.ProposalID], "proposal ids are unique")
		ids[r.ProposalID] = true
	}
	assert.Equal(t, int64(20), s.manager.Stats().Approved)
}
