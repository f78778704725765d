package consensus

import (
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Algorithm decides proposals over a fixed participant set.
//
// Decide must be deterministic for identical inputs and idempotent per proposal id:
// once a proposal is decided, later calls return the first result.
type Algorithm interface {
	Name() string
	Propose(payload []byte, participants []string) (*Proposal, error)
	Decide(proposalID string, votes []Vote, timeoutReached bool) (*Result, error)
}

const defaultBookLimit = 4096

// proposalBook tracks the proposals of one algorithm and caches their results.
type proposalBook struct {
	mu        sync.Mutex
	proposals map[string]*Proposal
	results   map[string]*Result
	order     []string
	limit     int
}

func newProposalBook() *proposalBook {
	return &proposalBook{
		proposals: make(map[string]*Proposal),
		results:   make(map[string]*Result),
		limit:     defaultBookLimit,
	}
}

// open creates and records a proposal with a fresh id.
func (b *proposalBook) open(payload []byte, participants []string, rounds int) *Proposal {
	ids := append([]string(nil), participants...)
	sort.Strings(ids)

	p := &Proposal{
		ID:           uuid.NewString(),
		Payload:      append([]byte(nil), payload...),
		Participants: ids,
		Rounds:       rounds,
		CreatedAt:    time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.proposals[p.ID] = p
	b.order = append(b.order, p.ID)
	for len(b.order) > b.limit {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.proposals, oldest)
		delete(b.results, oldest)
	}
	return p
}

// lookup returns the proposal and its cached result, if decided.
func (b *proposalBook) lookup(id string) (*Proposal, *Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.proposals[id]
	if !ok {
		return nil, nil, errors.Wrapf(ErrInvalidVote, "unknown proposal %s", id)
	}
	return p, b.results[id], nil
}

// settle stores r unless another caller decided first; the stored result is returned.
func (b *proposalBook) settle(id string, r *Result) *Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.results[id]; ok {
		return prev
	}
	if _, ok := b.proposals[id]; ok {
		b.results[id] = r
	}
	return r
}

type voteKey struct {
	participant string
	round       int
}

// filterVotes drops votes that do not belong to p: wrong proposal, unknown voter,
// bad choice, round out of range or a second vote for the same round.
func filterVotes(p *Proposal, votes []Vote, log *zap.SugaredLogger) ([]Vote, int) {
	rounds := p.Rounds
	if rounds < 1 {
		rounds = 1
	}

	seen := make(map[voteKey]bool, len(votes))
	valid := make([]Vote, 0, len(votes))
	invalid := 0

	for _, v := range votes {
		var reason string
		switch {
		case v.ProposalID != p.ID:
			reason = "vote for another proposal"
		case !p.HasParticipant(v.ParticipantID):
			reason = "unknown participant"
		case !v.Choice.Valid():
			reason = "unknown choice"
		case v.Round < 0 || v.Round >= rounds:
			reason = "round out of range"
		case seen[voteKey{v.ParticipantID, v.Round}]:
			reason = "duplicate vote"
		}
		if reason != "" {
			invalid++
			log.Warnf("dropping vote from %s on %s (round %d): %s", v.ParticipantID, p.ID, v.Round, reason)
			continue
		}
		seen[voteKey{v.ParticipantID, v.Round}] = true
		valid = append(valid, v)
	}

	return valid, invalid
}

type tally struct {
	For, Against, Abstain int
}

func (t tally) cast() int {
	return t.For + t.Against + t.Abstain
}

func countVotes(votes []Vote) tally {
	var t tally
	for _, v := range votes {
		switch v.Choice {
		case For:
			t.For++
		case Against:
			t.Against++
		case Abstain:
			t.Abstain++
		}
	}
	return t
}

func validateThreshold(threshold float64) error {
	if threshold <= 0 || threshold > 1 {
		return errors.Wrapf(ErrInvalidThreshold, "got %v", threshold)
	}
	return nil
}

func requireParticipants(participants []string, min int) error {
	if len(participants) < min {
		return errors.Wrapf(ErrInvalidParticipantCount, "need at least %d participants, got %d", min, len(participants))
	}
	seen := make(map[string]bool, len(participants))
	for _, id := range participants {
		if id == "" {
			return errors.Wrap(ErrInvalidParticipantCount, "empty participant id")
		}
		if seen[id] {
			return errors.Wrapf(ErrInvalidParticipantCount, "duplicate participant %s", id)
		}
		seen[id] = true
	}
	return nil
}
