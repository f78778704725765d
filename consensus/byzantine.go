package consensus

import (
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Swarm/logger"
)

// MinByzantineRounds is the smallest number of voting rounds a Byzantine proposal may use.
const MinByzantineRounds = 3

// ByzantineConfig configures a Byzantine algorithm.
type ByzantineConfig struct {
	Name           string
	FaultTolerance int
	Rounds         int
	// Participants, when positive, is checked against 3f+1 at construction.
	Participants int
}

// DefaultByzantineConfig tolerates one faulty participant over three rounds.
func DefaultByzantineConfig() ByzantineConfig {
	return ByzantineConfig{
		Name:           "byzantine",
		FaultTolerance: 1,
		Rounds:         MinByzantineRounds,
	}
}

// Byzantine collects one vote per participant per round. A participant that changes
// its choice between rounds is malicious and its votes are excluded; the honest
// remainder must reach 2f+1 agreeing votes.
type Byzantine struct {
	config ByzantineConfig
	book   *proposalBook
	log    *zap.SugaredLogger
}

var _ Algorithm = (*Byzantine)(nil)

// NewByzantine creates a Byzantine algorithm.
func NewByzantine(config ByzantineConfig) (*Byzantine, error) {
	if config.FaultTolerance < 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "negative fault tolerance %d", config.FaultTolerance)
	}
	if config.Rounds < MinByzantineRounds {
		return nil, errors.Wrapf(ErrInvalidConfig, "need at least %d rounds, got %d", MinByzantineRounds, config.Rounds)
	}
	if config.Participants > 0 && config.Participants < MinParticipants(config.FaultTolerance) {
		return nil, errors.Wrapf(ErrInvalidParticipantCount, "%d participants cannot tolerate %d faults (need %d)",
			config.Participants, config.FaultTolerance, MinParticipants(config.FaultTolerance))
	}
	if config.Name == "" {
		config.Name = "byzantine"
	}

	return &Byzantine{
		config: config,
		book:   newProposalBook(),
		log:    logger.NewLogger("Consensus").Named(config.Name),
	}, nil
}

// MinParticipants returns 3f+1.
func MinParticipants(faultTolerance int) int {
	return 3*faultTolerance + 1
}

func (b *Byzantine) Name() string { return b.config.Name }

// Quorum returns 2f+1.
func (b *Byzantine) Quorum() int {
	return 2*b.config.FaultTolerance + 1
}

func (b *Byzantine) Propose(payload []byte, participants []string) (*Proposal, error) {
	if err := requireParticipants(participants, MinParticipants(b.config.FaultTolerance)); err != nil {
		return nil, err
	}
	return b.book.open(payload, participants, b.config.Rounds), nil
}

func (b *Byzantine) Decide(proposalID string, votes []Vote, timeoutReached bool) (*Result, error) {
	p, prev, err := b.book.lookup(proposalID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		return prev, nil
	}

	valid, invalid := filterVotes(p, votes, b.log)

	choices := make(map[string]map[Choice]bool)
	for _, v := range valid {
		if choices[v.ParticipantID] == nil {
			choices[v.ParticipantID] = make(map[Choice]bool)
		}
		choices[v.ParticipantID][v.Choice] = true
	}

	malicious := make([]string, 0)
	var honest tally
	for _, id := range p.Participants {
		seen := choices[id]
		switch {
		case len(seen) == 0:
			// did not vote
		case len(seen) > 1:
			malicious = append(malicious, id)
		case seen[For]:
			honest.For++
		case seen[Against]:
			honest.Against++
		default:
			honest.Abstain++
		}
	}
	sort.Strings(malicious)

	quorum := b.Quorum()
	decision := Rejected
	switch {
	case honest.For >= quorum:
		decision = Approved
	case honest.Against >= quorum:
		decision = Rejected
	case timeoutReached:
		decision = Timeout
	}

	if len(malicious) > 0 {
		b.log.Warnf("proposal %s: excluded inconsistent participants %v", p.ID, malicious)
	}
	b.log.Debugf("proposal %s: honest for=%d against=%d abstain=%d, quorum %d -> %s",
		p.ID, honest.For, honest.Against, honest.Abstain, quorum, decision)

	r := &Result{
		ProposalID:   p.ID,
		Decision:     decision,
		VotesFor:     honest.For,
		VotesAgainst: honest.Against,
		VotesAbstain: honest.Abstain,
		Participants: len(p.Participants),
		Duration:     time.Since(p.CreatedAt),
		Algorithm:    b.config.Name,
		Metadata: map[string]interface{}{
			"malicious_agents": malicious,
			"honest_for":       honest.For,
			"honest_against":   honest.Against,
			"quorum":           quorum,
			"fault_tolerance":  b.config.FaultTolerance,
			"rounds":           p.Rounds,
			"invalid_votes":    invalid,
		},
	}
	return b.book.settle(p.ID, r), nil
}
