package consensus

import (
	"time"

	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Swarm/logger"
)

// Quorum threshold presets. Approval needs a ratio strictly above the threshold.
const (
	SimpleMajority = 0.51
	Supermajority  = 0.66
	StrongMajority = 0.75
	// Unanimous is the one exception to the strict comparison: it approves when every
	// participant votes For.
	Unanimous = 1.0
)

// QuorumConfig configures a Quorum algorithm.
type QuorumConfig struct {
	Name      string
	Threshold float64
	// RequireMajority turns low participation at timeout into a Timeout decision.
	RequireMajority bool
}

// DefaultQuorumConfig returns a simple-majority configuration.
func DefaultQuorumConfig() QuorumConfig {
	return QuorumConfig{
		Name:            "quorum",
		Threshold:       SimpleMajority,
		RequireMajority: true,
	}
}

// Quorum approves when the fraction of For votes over all participants exceeds the
// threshold. Equality is not approval, except that a unanimous threshold is met when
// every participant votes For.
type Quorum struct {
	config QuorumConfig
	book   *proposalBook
	log    *zap.SugaredLogger
}

var _ Algorithm = (*Quorum)(nil)

// NewQuorum creates a Quorum algorithm.
func NewQuorum(config QuorumConfig) (*Quorum, error) {
	if err := validateThreshold(config.Threshold); err != nil {
		return nil, err
	}
	if config.Name == "" {
		config.Name = "quorum"
	}
	return &Quorum{
		config: config,
		book:   newProposalBook(),
		log:    logger.NewLogger("Consensus").Named(config.Name),
	}, nil
}

func (q *Quorum) Name() string { return q.config.Name }

// Threshold returns the approval threshold.
func (q *Quorum) Threshold() float64 { return q.config.Threshold }

func (q *Quorum) Propose(payload []byte, participants []string) (*Proposal, error) {
	if err := requireParticipants(participants, 1); err != nil {
		return nil, err
	}
	return q.book.open(payload, participants, 1), nil
}

func (q *Quorum) Decide(proposalID string, votes []Vote, timeoutReached bool) (*Result, error) {
	p, prev, err := q.book.lookup(proposalID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		return prev, nil
	}

	valid, invalid := filterVotes(p, votes, q.log)
	t := countVotes(valid)
	total := len(p.Participants)

	ratio := float64(t.For) / float64(total)
	participation := float64(t.cast()) / float64(total)

	approved := ratio > q.config.Threshold
	if q.config.Threshold >= Unanimous && t.For == total {
		approved = true
	}

	decision := Rejected
	switch {
	case approved:
		decision = Approved
	case timeoutReached && q.config.RequireMajority && participation < 0.5:
		decision = Timeout
	}

	q.log.Debugf("proposal %s: for=%d against=%d abstain=%d of %d, ratio %.3f vs %.2f -> %s",
		p.ID, t.For, t.Against, t.Abstain, total, ratio, q.config.Threshold, decision)

	r := &Result{
		ProposalID:   p.ID,
		Decision:     decision,
		VotesFor:     t.For,
		VotesAgainst: t.Against,
		VotesAbstain: t.Abstain,
		Participants: total,
		Duration:     time.Since(p.CreatedAt),
		Algorithm:    q.config.Name,
		Metadata: map[string]interface{}{
			"threshold":          q.config.Threshold,
			"approval_ratio":     ratio,
			"participation_rate": participation,
			"invalid_votes":      invalid,
		},
	}
	return q.book.settle(p.ID, r), nil
}
