package network

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewZmqNode(t *testing.T) {
	node := NewZmqNode("test-node", "127.0.0.1", 5555)
	if node == nil {
		t.Fatal("NewZmqNode returned nil")
	}

	if node.nodeID != "test-node" {
		t.Errorf("Expected nodeID 'test-node', got %s", node.nodeID)
	}

	if node.address != "tcp://127.0.0.1:5555" {
		t.Errorf("Expected address 'tcp://127.0.0.1:5555', got %s", node.address)
	}
}

func TestZmqNodeRegisterPeer(t *testing.T) {
	node := NewZmqNode("test-node", "127.0.0.1", 5555)

	node.RegisterPeer("peer1", "tcp://127.0.0.1:5556", []string{"swarm-a"})

	peers := node.GetPeers()
	if len(peers) != 1 {
		t.Errorf("Expected 1 peer, got %d", len(peers))
	}

	if peers["peer1"] == nil {
		t.Fatal("peer1 not found")
	}
	if len(peers["peer1"].Swarms) != 1 || peers["peer1"].Swarms[0] != "swarm-a" {
		t.Errorf("Expected swarms [swarm-a], got %v", peers["peer1"].Swarms)
	}

	node.UnregisterPeer("peer1")
	peers = node.GetPeers()
	if len(peers) != 0 {
		t.Errorf("Expected 0 peers after unregister, got %d", len(peers))
	}
}

func TestZmqNodeParticipants(t *testing.T) {
	node := NewZmqNode("n2", "127.0.0.1", 5555)
	node.RegisterPeer("n3", "tcp://127.0.0.1:5557", []string{"a"})
	node.RegisterPeer("n1", "tcp://127.0.0.1:5556", []string{"a", "b"})
	node.RegisterPeer("n4", "tcp://127.0.0.1:5558", []string{"b"})

	ids, _ := node.Participants(context.Background(), "a")
	if len(ids) != 2 || ids[0] != "n1" || ids[1] != "n3" {
		t.Errorf("Expected [n1 n3] without local membership, got %v", ids)
	}

	node.JoinSwarm("a")
	ids, _ = node.Participants(context.Background(), "a")
	if len(ids) != 3 || ids[1] != "n2" {
		t.Errorf("Expected [n1 n2 n3], got %v", ids)
	}
}

func TestZmqNodeSendNotRunning(t *testing.T) {
	node := NewZmqNode("test-node", "127.0.0.1", 5555)
	msg, _ := NewMessage(TypeStateRequest, "a", nil)

	if err := node.Send(context.Background(), "test-node", "peer", msg); err != ErrNodeNotRunning {
		t.Errorf("Expected ErrNodeNotRunning, got %v", err)
	}
}

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(TypeConsensusVote, "swarm-a", map[string]string{"data": "hello"})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	if msg.Type != TypeConsensusVote {
		t.Errorf("Expected type %s, got %s", TypeConsensusVote, msg.Type)
	}
	if msg.Nonce == "" {
		t.Error("Nonce should be set")
	}

	var payload map[string]string
	if err := msg.Decode(&payload); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if payload["data"] != "hello" {
		t.Error("Payload data mismatch")
	}
}

func TestMessageEncodeDecode(t *testing.T) {
	msg, _ := NewMessage(TypeStateUpdate, "swarm-a", map[string]int{"v": 1})
	msg.From = "node1"

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if decoded.From != "node1" || decoded.SwarmID != "swarm-a" || decoded.Nonce != msg.Nonce {
		t.Errorf("Decoded message mismatch: %+v", decoded)
	}

	if _, err := DecodeMessage([]byte(`{"from":"x"}`)); err == nil {
		t.Error("Expected error for message without type")
	}
}

func TestMessageTooLarge(t *testing.T) {
	big := make([]byte, MaxNetworkMessageSize)
	for i := range big {
		big[i] = 'a'
	}
	msg, err := NewMessage(TypeStateResponse, "a", string(big))
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	if _, err := msg.Encode(); err == nil {
		t.Error("Expected ErrMessageTooLarge")
	}
}

func TestMessageClone(t *testing.T) {
	msg, _ := NewMessage(TypeStateUpdate, "a", map[string]int{"v": 1})
	c := msg.Clone()
	c.Payload[0] = 'x'

	if msg.Payload[0] == 'x' {
		t.Error("Clone should not share the payload buffer")
	}
}

func TestNodeStats(t *testing.T) {
	node := NewZmqNode("test-node", "127.0.0.1", 5555)
	node.RegisterPeer("peer1", "tcp://127.0.0.1:5556", nil)
	node.JoinSwarm("a")

	stats := node.GetStats()

	if stats.NodeID != "test-node" {
		t.Errorf("Expected NodeID 'test-node', got %s", stats.NodeID)
	}

	if stats.PeerCount != 1 {
		t.Errorf("Expected PeerCount 1, got %d", stats.PeerCount)
	}

	if len(stats.Swarms) != 1 {
		t.Errorf("Expected 1 swarm, got %v", stats.Swarms)
	}

	if stats.IsRunning {
		t.Error("Node should not be running")
	}
}

func TestNewP2PManager(t *testing.T) {
	node := NewZmqNode("test-node", "127.0.0.1", 5555)
	p2p := NewP2PManager(node)

	if p2p == nil {
		t.Fatal("NewP2PManager returned nil")
	}

	if p2p.PeerCount() != 0 {
		t.Errorf("Expected 0 peers, got %d", p2p.PeerCount())
	}
}

func TestP2PManagerHandleAnnounce(t *testing.T) {
	node := NewZmqNode("test-node", "127.0.0.1", 5555)
	p2p := NewP2PManager(node)

	msg, _ := NewMessage(TypePeerAnnounce, "", announcement{
		PeerID:  "peer1",
		Address: "tcp://127.0.0.1:5556",
		Swarms:  []string{"a"},
	})
	msg.From = "peer1"

	handled, err := p2p.HandleMessage(context.Background(), msg)
	if !handled || err != nil {
		t.Fatalf("Expected announce to be handled, got %v %v", handled, err)
	}

	if p2p.PeerCount() != 1 {
		t.Errorf("Expected 1 peer, got %d", p2p.PeerCount())
	}

	ids, _ := node.Participants(context.Background(), "a")
	if len(ids) != 1 || ids[0] != "peer1" {
		t.Errorf("Expected peer1 in swarm a, got %v", ids)
	}

	// own announcements are ignored
	self, _ := NewMessage(TypePeerAnnounce, "", announcement{PeerID: "test-node", Address: "tcp://x:1"})
	_, _ = p2p.HandleMessage(context.Background(), self)
	if p2p.PeerCount() != 1 {
		t.Errorf("Expected 1 peer after self announce, got %d", p2p.PeerCount())
	}
}

func TestP2PManagerIgnoresSwarmTraffic(t *testing.T) {
	node := NewZmqNode("test-node", "127.0.0.1", 5555)
	p2p := NewP2PManager(node)

	msg, _ := NewMessage(TypeConsensusVote, "a", map[string]string{})
	handled, err := p2p.HandleMessage(context.Background(), msg)
	if handled || err != nil {
		t.Errorf("Consensus traffic should not be handled by P2P, got %v %v", handled, err)
	}
}

func TestP2PManagerGetHealthyPeers(t *testing.T) {
	node := NewZmqNode("test-node", "127.0.0.1", 5555)
	p2p := NewP2PManager(node)

	node.RegisterPeer("peer1", "tcp://127.0.0.1:5556", nil)
	p2p.knownPeers["peer1"] = &PeerInfo{
		ID:       "peer1",
		Address:  "tcp://127.0.0.1:5556",
		LastSeen: time.Now(),
	}
	p2p.knownPeers["stale"] = &PeerInfo{
		ID:       "stale",
		Address:  "tcp://127.0.0.1:5557",
		LastSeen: time.Now().Add(-time.Hour),
	}

	healthy := p2p.GetHealthyPeers()
	if len(healthy) != 1 {
		t.Errorf("Expected 1 healthy peer, got %d", len(healthy))
	}

	p2p.prune()
	if p2p.PeerCount() != 1 {
		t.Errorf("Expected stale peer to be pruned, got %d peers", p2p.PeerCount())
	}
}

type recordingRelayer struct {
	mu        sync.Mutex
	broadcast []*Message
	relayed   []*Message
	excluded  [][]string
}

func (r *recordingRelayer) Broadcast(_ context.Context, _ string, msg *Message) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = append(r.broadcast, msg)
	return 1, nil
}

func (r *recordingRelayer) Relay(_ context.Context, msg *Message, exclude []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relayed = append(r.relayed, msg)
	r.excluded = append(r.excluded, exclude)
	return nil
}

func TestNewPropagator(t *testing.T) {
	prop := NewPropagator("test-node", &recordingRelayer{})

	if prop == nil {
		t.Fatal("NewPropagator returned nil")
	}

	stats := prop.GetStats()
	if stats.MaxHops != 5 {
		t.Errorf("Expected MaxHops 5, got %d", stats.MaxHops)
	}
}

func TestPropagatorIsDuplicate(t *testing.T) {
	prop := NewPropagator("test-node", &recordingRelayer{})

	hash := "test-hash-123"

	if prop.IsDuplicate(hash) {
		t.Error("Should not be duplicate initially")
	}

	prop.seenMessages.Store(hash, time.Now())

	if !prop.IsDuplicate(hash) {
		t.Error("Should be duplicate after storing")
	}
}

func TestPropagatorSetMaxHops(t *testing.T) {
	prop := NewPropagator("test-node", &recordingRelayer{})

	prop.SetMaxHops(10)

	stats := prop.GetStats()
	if stats.MaxHops != 10 {
		t.Errorf("Expected MaxHops 10, got %d", stats.MaxHops)
	}
}

func TestPropagatorHandleIncoming(t *testing.T) {
	out := &recordingRelayer{}
	prop := NewPropagator("me", out)
	ctx := context.Background()

	msg, _ := NewMessage(TypeStateUpdate, "a", map[string]int{"v": 1})
	msg.From = "origin"
	msg.To = "me"

	if !prop.HandleIncoming(ctx, msg) {
		t.Fatal("First copy should be processed")
	}
	if len(out.relayed) != 1 || out.relayed[0].Hops != 1 {
		t.Fatalf("Expected one relay with hops 1, got %v", out.relayed)
	}
	if out.excluded[0][0] != "origin" {
		t.Errorf("Relay should exclude the origin, got %v", out.excluded[0])
	}

	// a relayed copy from another peer is a duplicate
	dup := msg.Clone()
	dup.Hops = 2
	dup.To = "me"
	if prop.HandleIncoming(ctx, dup) {
		t.Error("Duplicate should not be processed")
	}

	// hop limit stops relaying but the message is still processed
	prop.SetMaxHops(0)
	fresh, _ := NewMessage(TypeStateUpdate, "a", map[string]int{"v": 2})
	fresh.From = "origin"
	if !prop.HandleIncoming(ctx, fresh) {
		t.Error("Fresh message should be processed")
	}
	if len(out.relayed) != 1 {
		t.Errorf("Expected no further relay at hop limit, got %d", len(out.relayed))
	}
}

func TestPropagatorOwnLoopback(t *testing.T) {
	out := &recordingRelayer{}
	prop := NewPropagator("me", out)
	ctx := context.Background()

	msg, _ := NewMessage(TypeStateUpdate, "a", map[string]int{"v": 1})
	if _, err := prop.Propagate(ctx, msg); err != nil {
		t.Fatalf("Propagate failed: %v", err)
	}

	if !prop.HandleIncoming(ctx, msg.Clone()) {
		t.Error("Own loopback copy should be processed")
	}

	relayedBack := msg.Clone()
	relayedBack.Hops = 1
	if prop.HandleIncoming(ctx, relayedBack) {
		t.Error("Own message relayed back should be dropped")
	}
	if len(out.relayed) != 0 {
		t.Errorf("Own messages should not be relayed, got %d", len(out.relayed))
	}
}
