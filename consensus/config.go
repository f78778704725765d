package consensus

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Config holds the manager defaults and the parameters of the built-in algorithms.
type Config struct {
	DefaultAlgorithm string        `yaml:"default_algorithm"`
	Timeout          time.Duration `yaml:"timeout"`

	QuorumThreshold float64 `yaml:"quorum_threshold"`
	RequireMajority bool    `yaml:"require_majority"`

	WeightedThreshold float64            `yaml:"weighted_threshold"`
	Weights           map[string]float64 `yaml:"weights"`

	ByzantineFaultTolerance int `yaml:"byzantine_fault_tolerance"`
	ByzantineRounds         int `yaml:"byzantine_rounds"`

	GossipFanout               int     `yaml:"gossip_fanout"`
	GossipMaxRounds            int     `yaml:"gossip_max_rounds"`
	GossipConvergenceThreshold float64 `yaml:"gossip_convergence_threshold"`
	GossipSeed                 int64   `yaml:"gossip_seed"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	gossip := DefaultGossipConfig()
	return Config{
		DefaultAlgorithm:           "quorum",
		Timeout:                    5 * time.Second,
		QuorumThreshold:            SimpleMajority,
		RequireMajority:            true,
		WeightedThreshold:          DefaultWeightedConfig().Threshold,
		ByzantineFaultTolerance:    1,
		ByzantineRounds:            MinByzantineRounds,
		GossipFanout:               gossip.Fanout,
		GossipMaxRounds:            gossip.MaxRounds,
		GossipConvergenceThreshold: gossip.ConvergenceThreshold,
		GossipSeed:                 gossip.Seed,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.DefaultAlgorithm == "" {
		return errors.Wrap(ErrInvalidConfig, "default_algorithm is empty")
	}
	if c.Timeout <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "timeout must be positive, got %s", c.Timeout)
	}
	if err := validateThreshold(c.QuorumThreshold); err != nil {
		return errors.Wrap(err, "quorum_threshold")
	}
	if err := validateThreshold(c.WeightedThreshold); err != nil {
		return errors.Wrap(err, "weighted_threshold")
	}
	if c.ByzantineFaultTolerance < 0 {
		return errors.Wrap(ErrInvalidConfig, "byzantine_fault_tolerance is negative")
	}
	if c.ByzantineRounds < MinByzantineRounds {
		return errors.Wrapf(ErrInvalidConfig, "byzantine_rounds must be at least %d", MinByzantineRounds)
	}
	if c.GossipFanout < 1 || c.GossipMaxRounds < 1 {
		return errors.Wrap(ErrInvalidConfig, "gossip fanout and max rounds must be positive")
	}
	if err := validateThreshold(c.GossipConvergenceThreshold); err != nil {
		return errors.Wrap(err, "gossip_convergence_threshold")
	}
	return nil
}
