package consensus

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Swarm/logger"
)

// GossipConfig configures a Gossip algorithm.
type GossipConfig struct {
	Name                 string
	Fanout               int
	MaxRounds            int
	ConvergenceThreshold float64
	Seed                 int64
}

// DefaultGossipConfig returns a configuration with sensible defaults.
func DefaultGossipConfig() GossipConfig {
	return GossipConfig{
		Name:                 "gossip",
		Fanout:               3,
		MaxRounds:            10,
		ConvergenceThreshold: 0.95,
		Seed:                 1,
	}
}

// Gossip runs an epidemic protocol over the initial votes. Every round each node
// exchanges opinions with Fanout random peers, both ways, and adopts the majority of
// its neighbourhood (a tie keeps its own opinion). It stops early once the share of
// nodes holding the dominant opinion reaches ConvergenceThreshold.
type Gossip struct {
	config GossipConfig
	book   *proposalBook
	log    *zap.SugaredLogger
}

var _ Algorithm = (*Gossip)(nil)

// NewGossip creates a Gossip algorithm.
func NewGossip(config GossipConfig) (*Gossip, error) {
	if config.Fanout < 1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "fanout must be positive, got %d", config.Fanout)
	}
	if config.MaxRounds < 1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "max rounds must be positive, got %d", config.MaxRounds)
	}
	if err := validateThreshold(config.ConvergenceThreshold); err != nil {
		return nil, err
	}
	if config.Name == "" {
		config.Name = "gossip"
	}

	return &Gossip{
		config: config,
		book:   newProposalBook(),
		log:    logger.NewLogger("Consensus").Named(config.Name),
	}, nil
}

func (g *Gossip) Name() string { return g.config.Name }

func (g *Gossip) Propose(payload []byte, participants []string) (*Proposal, error) {
	if err := requireParticipants(participants, 1); err != nil {
		return nil, err
	}
	return g.book.open(payload, participants, 1), nil
}

func (g *Gossip) Decide(proposalID string, votes []Vote, timeoutReached bool) (*Result, error) {
	p, prev, err := g.book.lookup(proposalID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		return prev, nil
	}

	valid, invalid := filterVotes(p, votes, g.log)
	initial := countVotes(valid)

	opinions := make([]Choice, len(p.Participants))
	index := make(map[string]int, len(p.Participants))
	for i, id := range p.Participants {
		index[id] = i
		opinions[i] = Abstain
	}
	for _, v := range valid {
		opinions[index[v.ParticipantID]] = v.Choice
	}

	rng := rand.New(rand.NewSource(g.seedFor(p.ID)))
	converged := false
	rounds := 0
	agreement, dominant := agreementRatio(opinions)

	if initial.For+initial.Against > 0 {
		for rounds < g.config.MaxRounds {
			opinions = g.round(rng, opinions)
			rounds++
			agreement, dominant = agreementRatio(opinions)
			if agreement >= g.config.ConvergenceThreshold {
				converged = true
				break
			}
		}
	}

	final := countOpinions(opinions)
	decision := Rejected
	switch {
	case initial.For+initial.Against == 0 && timeoutReached:
		decision = Timeout
	case final.For > final.Against:
		decision = Approved
	}

	g.log.Debugf("proposal %s: %d rounds, agreement %.3f on %s, converged=%v -> %s",
		p.ID, rounds, agreement, dominant, converged, decision)

	r := &Result{
		ProposalID:   p.ID,
		Decision:     decision,
		VotesFor:     initial.For,
		VotesAgainst: initial.Against,
		VotesAbstain: initial.Abstain,
		Participants: len(p.Participants),
		Duration:     time.Since(p.CreatedAt),
		Algorithm:    g.config.Name,
		Metadata: map[string]interface{}{
			"converged":       converged,
			"rounds":          rounds,
			"agreement_ratio": agreement,
			"final_for":       final.For,
			"final_against":   final.Against,
			"fanout":          g.config.Fanout,
			"invalid_votes":   invalid,
		},
	}
	return g.book.settle(p.ID, r), nil
}

func (g *Gossip) seedFor(proposalID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(proposalID))
	return g.config.Seed ^ int64(h.Sum64())
}

// round performs one synchronous exchange over the previous opinions.
func (g *Gossip) round(rng *rand.Rand, opinions []Choice) []Choice {
	n := len(opinions)
	neighbours := make([]map[int]bool, n)
	for i := range neighbours {
		neighbours[i] = make(map[int]bool)
	}

	fanout := g.config.Fanout
	if fanout > n-1 {
		fanout = n - 1
	}
	for i := 0; i < n; i++ {
		for _, j := range samplePeers(rng, n, i, fanout) {
			neighbours[i][j] = true
			neighbours[j][i] = true
		}
	}

	next := make([]Choice, n)
	for i := 0; i < n; i++ {
		var t tally
		bump(&t, opinions[i])
		for j := range neighbours[i] {
			bump(&t, opinions[j])
		}
		switch {
		case t.For > t.Against:
			next[i] = For
		case t.Against > t.For:
			next[i] = Against
		default:
			next[i] = opinions[i]
		}
	}
	return next
}

// samplePeers picks k distinct indexes in [0, n) other than self.
func samplePeers(rng *rand.Rand, n, self, k int) []int {
	if k <= 0 {
		return nil
	}
	perm := rng.Perm(n - 1)[:k]
	out := make([]int, k)
	for i, j := range perm {
		if j >= self {
			j++
		}
		out[i] = j
	}
	return out
}

func bump(t *tally, c Choice) {
	switch c {
	case For:
		t.For++
	case Against:
		t.Against++
	}
}

func countOpinions(opinions []Choice) tally {
	var t tally
	for _, c := range opinions {
		switch c {
		case For:
			t.For++
		case Against:
			t.Against++
		default:
			t.Abstain++
		}
	}
	return t
}

// agreementRatio returns the share of nodes holding the dominant decided opinion.
func agreementRatio(opinions []Choice) (float64, Choice) {
	if len(opinions) == 0 {
		return 0, Abstain
	}
	t := countOpinions(opinions)
	dominant, count := For, t.For
	if t.Against > t.For {
		dominant, count = Against, t.Against
	}
	if count == 0 {
		return 0, Abstain
	}
	return float64(count) / float64(len(opinions)), dominant
}
