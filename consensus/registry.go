package consensus

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Registry maps algorithm names to implementations.
type Registry struct {
	mu         sync.RWMutex
	algorithms map[string]Algorithm
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{algorithms: make(map[string]Algorithm)}
}

// Register adds alg under name. Names are unique.
func (r *Registry) Register(name string, alg Algorithm) error {
	if name == "" {
		return errors.Wrap(ErrInvalidConfig, "empty algorithm name")
	}
	if alg == nil {
		return errors.Wrapf(ErrInvalidConfig, "nil algorithm for %s", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.algorithms[name]; ok {
		return errors.Wrapf(ErrAlgorithmExists, "%s", name)
	}
	r.algorithms[name] = alg
	return nil
}

// Replace registers alg under name, overwriting any previous implementation.
func (r *Registry) Replace(name string, alg Algorithm) error {
	if name == "" {
		return errors.Wrap(ErrInvalidConfig, "empty algorithm name")
	}
	if alg == nil {
		return errors.Wrapf(ErrInvalidConfig, "nil algorithm for %s", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.algorithms[name] = alg
	return nil
}

// Get returns the algorithm registered under name.
func (r *Registry) Get(name string) (Algorithm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	alg, ok := r.algorithms[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownAlgorithm, "%q", name)
	}
	return alg, nil
}

// Names returns the registered names in ascending order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.algorithms))
	for name := range r.algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewBuiltinRegistry returns a registry holding the built-in algorithms configured from cfg:
// quorum, supermajority, strong, unanimous, weighted, byzantine and gossip.
func NewBuiltinRegistry(cfg Config) (*Registry, error) {
	r := NewRegistry()

	quorums := []QuorumConfig{
		{Name: "quorum", Threshold: cfg.QuorumThreshold, RequireMajority: cfg.RequireMajority},
		{Name: "supermajority", Threshold: Supermajority, RequireMajority: cfg.RequireMajority},
		{Name: "strong", Threshold: StrongMajority, RequireMajority: cfg.RequireMajority},
		{Name: "unanimous", Threshold: Unanimous, RequireMajority: cfg.RequireMajority},
	}
	for _, qc := range quorums {
		q, err := NewQuorum(qc)
		if err != nil {
			return nil, errors.Wrapf(err, "building %s", qc.Name)
		}
		if err := r.Register(qc.Name, q); err != nil {
			return nil, err
		}
	}

	w, err := NewWeighted(WeightedConfig{
		Name:            "weighted",
		Threshold:       cfg.WeightedThreshold,
		DefaultWeight:   1.0,
		Weights:         cfg.Weights,
		RequireMajority: cfg.RequireMajority,
	})
	if err != nil {
		return nil, errors.Wrap(err, "building weighted")
	}
	if err := r.Register(w.Name(), w); err != nil {
		return nil, err
	}

	b, err := NewByzantine(ByzantineConfig{
		Name:           "byzantine",
		FaultTolerance: cfg.ByzantineFaultTolerance,
		Rounds:         cfg.ByzantineRounds,
	})
	if err != nil {
		return nil, errors.Wrap(err, "building byzantine")
	}
	if err := r.Register(b.Name(), b); err != nil {
		return nil, err
	}

	g, err := NewGossip(GossipConfig{
		Name:                 "gossip",
		Fanout:               cfg.GossipFanout,
		MaxRounds:            cfg.GossipMaxRounds,
		ConvergenceThreshold: cfg.GossipConvergenceThreshold,
		Seed:                 cfg.GossipSeed,
	})
	if err != nil {
		return nil, errors.Wrap(err, "building gossip")
	}
	if err := r.Register(g.Name(), g); err != nil {
		return nil, err
	}

	return r, nil
}
