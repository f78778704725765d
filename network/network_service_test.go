package network

import (
	"context"
	"testing"
	"time"
)

func TestNewNetworkService(t *testing.T) {
	config := DefaultNetworkConfig()
	ns := NewNetworkService(config)

	if ns == nil {
		t.Fatal("NewNetworkService returned nil")
	}

	if ns.config.NodeID != "node-1" {
		t.Errorf("Expected NodeID 'node-1', got %s", ns.config.NodeID)
	}

	if ns.node == nil {
		t.Error("ZmqNode should be initialized")
	}

	if ns.p2p == nil {
		t.Error("P2PManager should be initialized")
	}

	if ns.propagator == nil {
		t.Error("Propagator should be initialized")
	}
}

func TestDefaultNetworkConfig(t *testing.T) {
	config := DefaultNetworkConfig()

	if config.NodeID != "node-1" {
		t.Errorf("Expected NodeID 'node-1', got %s", config.NodeID)
	}

	if config.Host != "127.0.0.1" {
		t.Errorf("Expected Host '127.0.0.1', got %s", config.Host)
	}

	if config.Port != 5555 {
		t.Errorf("Expected Port 5555, got %d", config.Port)
	}

	if len(config.SeedNodes) != 0 {
		t.Errorf("Expected empty SeedNodes, got %v", config.SeedNodes)
	}

	if config.MaxHops != 5 {
		t.Errorf("Expected MaxHops 5, got %d", config.MaxHops)
	}
}

func TestNetworkServiceGetStatusNotRunning(t *testing.T) {
	config := DefaultNetworkConfig()
	ns := NewNetworkService(config)

	status := ns.GetStatus()

	if status.NodeID != "node-1" {
		t.Errorf("Expected NodeID 'node-1', got %s", status.NodeID)
	}

	if status.IsRunning {
		t.Error("Service should not be running yet")
	}

	if status.PeerCount != 0 {
		t.Errorf("Expected 0 peers, got %d", status.PeerCount)
	}
}

func TestNetworkServiceSwarmMembership(t *testing.T) {
	config := DefaultNetworkConfig()
	config.Swarms = []string{"alpha"}
	ns := NewNetworkService(config)

	ids, _ := ns.Participants(context.Background(), "alpha")
	if len(ids) != 1 || ids[0] != "node-1" {
		t.Errorf("Expected [node-1], got %v", ids)
	}

	if err := ns.JoinSwarm(context.Background(), "beta"); err != nil {
		t.Fatalf("JoinSwarm failed: %v", err)
	}
	ids, _ = ns.Participants(context.Background(), "beta")
	if len(ids) != 1 {
		t.Errorf("Expected 1 participant in beta, got %v", ids)
	}

	_ = ns.LeaveSwarm(context.Background(), "beta")
	ids, _ = ns.Participants(context.Background(), "beta")
	if len(ids) != 0 {
		t.Errorf("Expected empty beta, got %v", ids)
	}
}

func TestNetworkServiceRegisterPeer(t *testing.T) {
	config := DefaultNetworkConfig()
	ns := NewNetworkService(config)

	ns.RegisterPeer("peer1", "tcp://127.0.0.1:5556", nil)

	peers := ns.GetPeers()
	if len(peers) != 1 {
		t.Errorf("Expected 1 peer, got %d", len(peers))
	}

	if peers["peer1"] == nil {
		t.Error("peer1 not found")
	}

	ns.UnregisterPeer("peer1")
	peers = ns.GetPeers()
	if len(peers) != 0 {
		t.Errorf("Expected 0 peers after unregister, got %d", len(peers))
	}
}

func TestNetworkServiceBroadcastBeforeStart(t *testing.T) {
	config := DefaultNetworkConfig()
	ns := NewNetworkService(config)

	msg, _ := NewMessage(TypeStateUpdate, "alpha", map[string]int{"v": 1})
	if _, err := ns.Broadcast(context.Background(), "node-1", msg); err != ErrNodeNotRunning {
		t.Errorf("Expected ErrNodeNotRunning, got %v", err)
	}
}

func TestNetworkServiceSendBeforeStart(t *testing.T) {
	config := DefaultNetworkConfig()
	ns := NewNetworkService(config)

	msg, _ := NewMessage(TypeStateRequest, "alpha", nil)
	if err := ns.Send(context.Background(), "node-1", "peer1", msg); err != ErrNodeNotRunning {
		t.Errorf("Expected ErrNodeNotRunning, got %v", err)
	}
}

func TestNetworkServiceDiscoveryAndBroadcast(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ZeroMQ integration test in short mode")
	}

	seedCfg := NetworkConfig{NodeID: "seed", Host: "127.0.0.1", Port: 27651, Swarms: []string{"alpha"}, MaxHops: 3}
	seed := NewNetworkService(seedCfg)
	if err := seed.Start(); err != nil {
		t.Fatalf("seed start failed: %v", err)
	}
	defer seed.Stop()

	joinerCfg := NetworkConfig{
		NodeID:    "joiner",
		Host:      "127.0.0.1",
		Port:      27652,
		Swarms:    []string{"alpha"},
		SeedNodes: []string{"tcp://127.0.0.1:27651"},
		MaxHops:   3,
	}
	joiner := NewNetworkService(joinerCfg)

	received := make(chan *Message, 4)
	seed.SetMessageHandler(func(msg *Message) error {
		received <- msg
		return nil
	})

	if err := joiner.Start(); err != nil {
		t.Fatalf("joiner start failed: %v", err)
	}
	defer joiner.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := joiner.WaitForPeers(ctx, "alpha", 2); err != nil {
		t.Fatalf("joiner never saw the seed: %v", err)
	}
	if err := seed.WaitForPeers(ctx, "alpha", 2); err != nil {
		t.Fatalf("seed never saw the joiner: %v", err)
	}

	msg, _ := NewMessage(TypeConsensusRequest, "alpha", map[string]string{"id": "p1"})
	n, err := joiner.Broadcast(ctx, "joiner", msg)
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 recipients, got %d", n)
	}

	select {
	case got := <-received:
		if got.From != "joiner" || got.Type != TypeConsensusRequest {
			t.Errorf("Unexpected message %+v", got)
		}
	case <-ctx.Done():
		t.Fatal("seed did not receive the broadcast")
	}
}
