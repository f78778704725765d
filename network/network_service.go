package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Swarm/logger"
)

// NetworkConfig defines configuration for the network service.
type NetworkConfig struct {
	NodeID    string   `json:"node_id" yaml:"node_id"`
	Host      string   `json:"host" yaml:"host"`
	Port      int      `json:"port" yaml:"port"`
	SeedNodes []string `json:"seed_nodes" yaml:"seed_nodes"`
	Swarms    []string `json:"swarms" yaml:"swarms"`
	MaxHops   int      `json:"max_hops" yaml:"max_hops"`
}

// DefaultNetworkConfig returns a configuration with sensible defaults.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		NodeID:    "node-1",
		Host:      "127.0.0.1",
		Port:      5555,
		SeedNodes: []string{},
		MaxHops:   5,
	}
}

// NetworkStatus represents the current status of the network service.
type NetworkStatus struct {
	NodeID       string          `json:"node_id"`
	Address      string          `json:"address"`
	IsRunning    bool            `json:"is_running"`
	PeerCount    int             `json:"peer_count"`
	HealthyPeers int             `json:"healthy_peers"`
	NodeStats    NodeStats       `json:"node_stats"`
	Propagation  PropagatorStats `json:"propagation"`
}

// NetworkService orchestrates ZmqNode, P2PManager and Propagator behind the Transport
// interface. Peer control traffic is consumed here; everything else reaches the
// handler set with SetMessageHandler.
type NetworkService struct {
	config     NetworkConfig
	node       *ZmqNode
	p2p        *P2PManager
	propagator *Propagator
	log        *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	handler MessageHandler
	running bool
}

var _ Transport = (*NetworkService)(nil)

// NewNetworkService creates a new network service with the given configuration.
func NewNetworkService(config NetworkConfig) *NetworkService {
	node := NewZmqNode(config.NodeID, config.Host, config.Port)
	for _, s := range config.Swarms {
		node.JoinSwarm(s)
	}

	propagator := NewPropagator(config.NodeID, node)
	if config.MaxHops > 0 {
		propagator.SetMaxHops(config.MaxHops)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ns := &NetworkService{
		config:     config,
		node:       node,
		p2p:        NewP2PManager(node),
		propagator: propagator,
		log:        logger.NewLogger("NetworkService").Named(config.NodeID),
		ctx:        ctx,
		cancel:     cancel,
	}
	node.SetHandler(ns.dispatch)
	return ns
}

// Start initializes and starts the network service.
func (ns *NetworkService) Start() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.running {
		return nil
	}

	if err := ns.node.Start(); err != nil {
		return errors.Wrap(err, "failed to start ZMQ node")
	}

	ns.p2p.Start()
	ns.propagator.Start()

	if len(ns.config.SeedNodes) > 0 {
		if err := ns.p2p.DiscoverPeers(ns.ctx, ns.config.SeedNodes); err != nil {
			ns.log.Warnf("peer discovery failed: %v", err)
		}
	}

	if err := ns.p2p.AnnounceSelf(ns.ctx); err != nil {
		ns.log.Warnf("self-announce failed: %v", err)
	}

	ns.running = true
	ns.log.Infof("started at %s:%d (swarms %v)", ns.config.Host, ns.config.Port, ns.node.Swarms())
	return nil
}

// Stop gracefully shuts down the network service.
func (ns *NetworkService) Stop() {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if !ns.running {
		return
	}

	ns.cancel()
	ns.propagator.Stop()
	ns.p2p.Stop()
	ns.node.Stop()

	ns.running = false
	ns.log.Infof("stopped")
}

// NodeID returns the local node id.
func (ns *NetworkService) NodeID() string {
	return ns.config.NodeID
}

// JoinSwarm adds the local node to swarmID and re-announces membership.
func (ns *NetworkService) JoinSwarm(ctx context.Context, swarmID string) error {
	ns.node.JoinSwarm(swarmID)
	if !ns.IsRunning() {
		return nil
	}
	return ns.p2p.AnnounceSelf(ctx)
}

// LeaveSwarm removes the local node from swarmID and re-announces membership.
func (ns *NetworkService) LeaveSwarm(ctx context.Context, swarmID string) error {
	ns.node.LeaveSwarm(swarmID)
	if !ns.IsRunning() {
		return nil
	}
	return ns.p2p.AnnounceSelf(ctx)
}

// Participants returns the known members of swarmID.
func (ns *NetworkService) Participants(ctx context.Context, swarmID string) ([]string, error) {
	return ns.node.Participants(ctx, swarmID)
}

// Broadcast sends msg to every member of its swarm. State updates go through the
// propagator so peers relay them further.
func (ns *NetworkService) Broadcast(ctx context.Context, from string, msg *Message) (int, error) {
	if !ns.IsRunning() {
		return 0, ErrNodeNotRunning
	}

	if msg.Type == TypeStateUpdate {
		return ns.propagator.Propagate(ctx, msg)
	}
	return ns.node.Broadcast(ctx, from, msg)
}

// Send sends msg to a single node.
func (ns *NetworkService) Send(ctx context.Context, from, to string, msg *Message) error {
	if !ns.IsRunning() {
		return ErrNodeNotRunning
	}
	return ns.node.Send(ctx, from, to, msg)
}

func (ns *NetworkService) dispatch(msg *Message) error {
	handled, err := ns.p2p.HandleMessage(ns.ctx, msg)
	if handled {
		return err
	}

	if msg.Type == TypeStateUpdate && !ns.propagator.HandleIncoming(ns.ctx, msg) {
		return nil
	}

	ns.mu.RLock()
	handler := ns.handler
	ns.mu.RUnlock()

	if handler == nil {
		return nil
	}
	return handler(msg)
}

// GetStatus returns the current status of the network service.
func (ns *NetworkService) GetStatus() NetworkStatus {
	ns.mu.RLock()
	running := ns.running
	ns.mu.RUnlock()

	return NetworkStatus{
		NodeID:       ns.config.NodeID,
		Address:      fmt.Sprintf("tcp://%s:%d", ns.config.Host, ns.config.Port),
		IsRunning:    running,
		PeerCount:    ns.p2p.PeerCount(),
		HealthyPeers: len(ns.p2p.GetHealthyPeers()),
		NodeStats:    ns.node.GetStats(),
		Propagation:  ns.propagator.GetStats(),
	}
}

// RegisterPeer adds a peer to the network.
func (ns *NetworkService) RegisterPeer(peerID, address string, swarms []string) {
	ns.node.RegisterPeer(peerID, address, swarms)
}

// UnregisterPeer removes a peer from the network.
func (ns *NetworkService) UnregisterPeer(peerID string) {
	ns.node.UnregisterPeer(peerID)
}

// GetPeers returns all known peers.
func (ns *NetworkService) GetPeers() map[string]*PeerInfo {
	return ns.node.GetPeers()
}

// GetHealthyPeers returns all healthy (active) peers.
func (ns *NetworkService) GetHealthyPeers() []*PeerInfo {
	return ns.p2p.GetHealthyPeers()
}

// SetMessageHandler sets the handler for swarm messages.
func (ns *NetworkService) SetMessageHandler(handler MessageHandler) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.handler = handler
}

// WaitForPeers blocks until swarmID has at least n participants or ctx is done.
func (ns *NetworkService) WaitForPeers(ctx context.Context, swarmID string, n int) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		ids, _ := ns.Participants(ctx, swarmID)
		if len(ids) >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "swarm %s has %d of %d participants", swarmID, len(ids), n)
		case <-ticker.C:
		}
	}
}

// IsRunning returns whether the service is currently running.
func (ns *NetworkService) IsRunning() bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.running
}
