package consensus

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Swarm/logger"
)

// WeightedConfig configures a Weighted algorithm.
type WeightedConfig struct {
	Name            string
	Threshold       float64
	DefaultWeight   float64
	Weights         map[string]float64
	RequireMajority bool
}

// DefaultWeightedConfig returns a configuration with sensible defaults.
func DefaultWeightedConfig() WeightedConfig {
	return WeightedConfig{
		Name:          "weighted",
		Threshold:     0.6,
		DefaultWeight: 1.0,
	}
}

// Weighted approves when the weight of For votes over the total weight of all
// participants exceeds the threshold.
type Weighted struct {
	name            string
	threshold       float64
	defaultWeight   float64
	requireMajority bool

	mu      sync.RWMutex
	weights map[string]float64

	book *proposalBook
	log  *zap.SugaredLogger
}

var _ Algorithm = (*Weighted)(nil)

// NewWeighted creates a Weighted algorithm.
func NewWeighted(config WeightedConfig) (*Weighted, error) {
	if err := validateThreshold(config.Threshold); err != nil {
		return nil, err
	}
	if config.DefaultWeight == 0 {
		config.DefaultWeight = 1.0
	}
	if config.DefaultWeight < 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "negative default weight %v", config.DefaultWeight)
	}
	if config.Name == "" {
		config.Name = "weighted"
	}

	w := &Weighted{
		name:            config.Name,
		threshold:       config.Threshold,
		defaultWeight:   config.DefaultWeight,
		requireMajority: config.RequireMajority,
		weights:         make(map[string]float64),
		book:            newProposalBook(),
		log:             logger.NewLogger("Consensus").Named(config.Name),
	}
	if err := w.SetWeights(config.Weights); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Weighted) Name() string { return w.name }

// SetWeight replaces one participant's weight. It applies to proposals decided afterwards.
func (w *Weighted) SetWeight(participantID string, weight float64) error {
	if weight < 0 {
		return errors.Wrapf(ErrInvalidConfig, "negative weight %v for %s", weight, participantID)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.weights[participantID] = weight
	return nil
}

// SetWeights replaces several weights at once; nothing changes if any weight is negative.
func (w *Weighted) SetWeights(weights map[string]float64) error {
	for id, weight := range weights {
		if weight < 0 {
			return errors.Wrapf(ErrInvalidConfig, "negative weight %v for %s", weight, id)
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, weight := range weights {
		w.weights[id] = weight
	}
	return nil
}

// Weight returns the weight used for participantID.
func (w *Weighted) Weight(participantID string) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if weight, ok := w.weights[participantID]; ok {
		return weight
	}
	return w.defaultWeight
}

func (w *Weighted) Propose(payload []byte, participants []string) (*Proposal, error) {
	if err := requireParticipants(participants, 1); err != nil {
		return nil, err
	}
	return w.book.open(payload, participants, 1), nil
}

func (w *Weighted) Decide(proposalID string, votes []Vote, timeoutReached bool) (*Result, error) {
	p, prev, err := w.book.lookup(proposalID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		return prev, nil
	}

	valid, invalid := filterVotes(p, votes, w.log)
	t := countVotes(valid)

	var totalWeight, weightedFor, weightedCast float64
	for _, id := range p.Participants {
		totalWeight += w.Weight(id)
	}
	for _, v := range valid {
		weight := w.Weight(v.ParticipantID)
		weightedCast += weight
		if v.Choice == For {
			weightedFor += weight
		}
	}

	var ratio, participation float64
	if totalWeight > 0 {
		ratio = weightedFor / totalWeight
		participation = weightedCast / totalWeight
	}

	decision := Rejected
	switch {
	case ratio > w.threshold:
		decision = Approved
	case timeoutReached && w.requireMajority && participation < 0.5:
		decision = Timeout
	}

	w.log.Debugf("proposal %s: weighted_for=%.2f of %.2f, ratio %.3f vs %.2f -> %s",
		p.ID, weightedFor, totalWeight, ratio, w.threshold, decision)

	r := &Result{
		ProposalID:   p.ID,
		Decision:     decision,
		VotesFor:     t.For,
		VotesAgainst: t.Against,
		VotesAbstain: t.Abstain,
		Participants: len(p.Participants),
		Duration:     time.Since(p.CreatedAt),
		Algorithm:    w.name,
		Metadata: map[string]interface{}{
			"threshold":      w.threshold,
			"weighted_for":   weightedFor,
			"total_weight":   totalWeight,
			"weighted_ratio": ratio,
			"invalid_votes":  invalid,
		},
	}
	return w.book.settle(p.ID, r), nil
}
