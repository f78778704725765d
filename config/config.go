// Package config loads the swarmd configuration from YAML with environment overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap/zapcore"
	"go.yaml.in/yaml/v2"

	"github.com/VanDung-dev/HieraChain-Swarm/consensus"
	"github.com/VanDung-dev/HieraChain-Swarm/logger"
	"github.com/VanDung-dev/HieraChain-Swarm/network"
	"github.com/VanDung-dev/HieraChain-Swarm/statesync"
	"github.com/VanDung-dev/HieraChain-Swarm/storage"
)

// EnvPrefix prefixes every environment override, e.g. HSW_NODE_ID.
const EnvPrefix = "HSW_"

// Transports
const (
	TransportZMQ = "zmq"
	TransportHub = "hub"
)

// Config is the complete agent configuration.
type Config struct {
	Node      NodeConfig       `yaml:"node"`
	Network   NetworkConfig    `yaml:"network"`
	Consensus consensus.Config `yaml:"consensus"`
	Sync      statesync.Config `yaml:"sync"`
	Storage   storage.Config   `yaml:"storage"`
	API       APIConfig        `yaml:"api"`
	Logging   logger.Config    `yaml:"logging"`
}

// NodeConfig identifies the agent.
type NodeConfig struct {
	ID      string `yaml:"id"`
	SwarmID string `yaml:"swarm_id"`
}

// NetworkConfig selects and configures the transport.
type NetworkConfig struct {
	Transport string   `yaml:"transport"`
	Host      string   `yaml:"host"`
	Port      int      `yaml:"port"`
	SeedNodes []string `yaml:"seed_nodes"`
	MaxHops   int      `yaml:"max_hops"`
}

// APIConfig holds the listen addresses of the exposed endpoints. An empty address
// disables the endpoint.
type APIConfig struct {
	GRPCAddress    string `yaml:"grpc_address"`
	DeltaAddress   string `yaml:"delta_address"`
	MetricsAddress string `yaml:"metrics_address"`
	// AuthToken protects the gRPC endpoint when set.
	AuthToken string `yaml:"auth_token"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	netDefaults := network.DefaultNetworkConfig()
	return Config{
		Node: NodeConfig{
			ID:      "agent-1",
			SwarmID: "default",
		},
		Network: NetworkConfig{
			Transport: TransportZMQ,
			Host:      netDefaults.Host,
			Port:      netDefaults.Port,
			SeedNodes: []string{},
			MaxHops:   netDefaults.MaxHops,
		},
		Consensus: consensus.DefaultConfig(),
		Sync:      statesync.DefaultConfig(),
		Storage:   storage.DefaultConfig(),
		API: APIConfig{
			GRPCAddress:    ":50051",
			DeltaAddress:   ":50052",
			MetricsAddress: ":9090",
		},
		Logging: logger.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and validates the
// result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "reading config %s", path)
		}
		if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parsing config %s", path)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects bad values eagerly.
func (c Config) Validate() error {
	if c.Node.ID == "" {
		return errors.New("node.id is required")
	}
	if c.Node.SwarmID == "" {
		return errors.New("node.swarm_id is required")
	}

	switch c.Network.Transport {
	case TransportZMQ:
		if c.Network.Port < 1 || c.Network.Port > 65535 {
			return errors.Newf("network.port %d out of range", c.Network.Port)
		}
	case TransportHub:
	default:
		return errors.Newf("unknown network.transport %q", c.Network.Transport)
	}
	if c.Network.MaxHops < 0 {
		return errors.New("network.max_hops is negative")
	}

	if err := c.Consensus.Validate(); err != nil {
		return errors.Wrap(err, "consensus")
	}
	if err := c.Sync.Validate(); err != nil {
		return errors.Wrap(err, "sync")
	}

	switch c.Storage.Backend {
	case storage.BackendMemory, storage.BackendBadger:
	default:
		return errors.Newf("unknown storage.backend %q", c.Storage.Backend)
	}

	if c.Logging.Level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(strings.ToLower(c.Logging.Level))); err != nil {
			return errors.Wrapf(err, "logging.level %q", c.Logging.Level)
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		return errors.Newf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}

// NetworkService returns the network.NetworkConfig of this agent.
func (c Config) NetworkService() network.NetworkConfig {
	return network.NetworkConfig{
		NodeID:    c.Node.ID,
		Host:      c.Network.Host,
		Port:      c.Network.Port,
		SeedNodes: c.Network.SeedNodes,
		Swarms:    []string{c.Node.SwarmID},
		MaxHops:   c.Network.MaxHops,
	}
}

// ApplyEnv overrides fields from HSW_* variables looked up with lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"NODE_ID":                     &c.Node.ID,
		"NODE_SWARM_ID":               &c.Node.SwarmID,
		"NETWORK_TRANSPORT":           &c.Network.Transport,
		"NETWORK_HOST":                &c.Network.Host,
		"CONSENSUS_DEFAULT_ALGORITHM": &c.Consensus.DefaultAlgorithm,
		"SYNC_RESOLVER":               &c.Sync.Resolver,
		"STORAGE_BACKEND":             &c.Storage.Backend,
		"STORAGE_PATH":                &c.Storage.Path,
		"API_GRPC_ADDRESS":            &c.API.GRPCAddress,
		"API_DELTA_ADDRESS":           &c.API.DeltaAddress,
		"API_METRICS_ADDRESS":         &c.API.MetricsAddress,
		"API_AUTH_TOKEN":              &c.API.AuthToken,
		"LOGGING_LEVEL":               &c.Logging.Level,
		"LOGGING_FORMAT":              &c.Logging.Format,
	}
	for name, field := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*field = v
		}
	}

	ints := map[string]*int{
		"NETWORK_PORT":                        &c.Network.Port,
		"NETWORK_MAX_HOPS":                    &c.Network.MaxHops,
		"CONSENSUS_BYZANTINE_FAULT_TOLERANCE": &c.Consensus.ByzantineFaultTolerance,
		"CONSENSUS_BYZANTINE_ROUNDS":          &c.Consensus.ByzantineRounds,
		"CONSENSUS_GOSSIP_FANOUT":             &c.Consensus.GossipFanout,
		"CONSENSUS_GOSSIP_MAX_ROUNDS":         &c.Consensus.GossipMaxRounds,
		"SYNC_HISTORY_RETENTION":              &c.Sync.HistoryRetention,
	}
	for name, field := range ints {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "%s%s", EnvPrefix, name)
			}
			*field = n
		}
	}

	floats := map[string]*float64{
		"CONSENSUS_QUORUM_THRESHOLD":             &c.Consensus.QuorumThreshold,
		"CONSENSUS_WEIGHTED_THRESHOLD":           &c.Consensus.WeightedThreshold,
		"CONSENSUS_GOSSIP_CONVERGENCE_THRESHOLD": &c.Consensus.GossipConvergenceThreshold,
	}
	for name, field := range floats {
		if v, ok := lookup(EnvPrefix + name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return errors.Wrapf(err, "%s%s", EnvPrefix, name)
			}
			*field = f
		}
	}

	durations := map[string]*time.Duration{
		"CONSENSUS_TIMEOUT": &c.Consensus.Timeout,
		"SYNC_TIMEOUT":      &c.Sync.Timeout,
	}
	for name, field := range durations {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return errors.Wrapf(err, "%s%s", EnvPrefix, name)
			}
			*field = d
		}
	}

	if v, ok := lookup(EnvPrefix + "CONSENSUS_REQUIRE_MAJORITY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%sCONSENSUS_REQUIRE_MAJORITY", EnvPrefix)
		}
		c.Consensus.RequireMajority = b
	}
	if v, ok := lookup(EnvPrefix + "CONSENSUS_GOSSIP_SEED"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "%sCONSENSUS_GOSSIP_SEED", EnvPrefix)
		}
		c.Consensus.GossipSeed = n
	}
	if v, ok := lookup(EnvPrefix + "NETWORK_SEED_NODES"); ok {
		c.Network.SeedNodes = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
