package network

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Swarm/logger"
)

const seedPrefix = "seed:"

type announcement struct {
	PeerID  string   `json:"peer_id"`
	Address string   `json:"address"`
	Swarms  []string `json:"swarms,omitempty"`
}

type peerList struct {
	Peers []PeerInfo `json:"peers"`
}

// P2PManager handles peer discovery and swarm membership.
type P2PManager struct {
	node       *ZmqNode
	knownPeers map[string]*PeerInfo
	seedNodes  []string
	mu         sync.RWMutex
	log        *zap.SugaredLogger

	pruneInterval time.Duration
	staleTimeout  time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewP2PManager creates a new P2P manager.
func NewP2PManager(node *ZmqNode) *P2PManager {
	return &P2PManager{
		node:          node,
		knownPeers:    make(map[string]*PeerInfo),
		pruneInterval: 30 * time.Second,
		staleTimeout:  5 * time.Minute,
		stopChan:      make(chan struct{}),
		log:           logger.NewLogger("P2P").Named(node.ID()),
	}
}

// Start begins the stale peer pruner.
func (p *P2PManager) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.pruneStalePeers()
}

// Stop stops P2P management.
func (p *P2PManager) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()
}

// DiscoverPeers asks every seed address for its peer list. Seeds are registered under a
// placeholder id until their exchange response reveals the real one.
func (p *P2PManager) DiscoverPeers(ctx context.Context, seeds []string) error {
	p.mu.Lock()
	p.seedNodes = seeds
	p.mu.Unlock()

	var lastErr error
	for _, addr := range seeds {
		seedID := seedPrefix + addr
		p.node.RegisterPeer(seedID, addr, nil)

		msg, err := NewMessage(TypePeerExchangeRequest, "", p.self())
		if err != nil {
			return err
		}
		if err := p.node.Send(ctx, p.node.ID(), seedID, msg); err != nil {
			p.log.Warnf("peer exchange with seed %s failed: %v", addr, err)
			lastErr = err
		}
	}
	return lastErr
}

// HandleMessage processes P2P control messages. It reports false for any other type.
func (p *P2PManager) HandleMessage(ctx context.Context, msg *Message) (bool, error) {
	switch msg.Type {
	case TypePeerExchangeRequest:
		return true, p.handlePeerExchangeRequest(ctx, msg)
	case TypePeerExchangeResponse:
		return true, p.handlePeerExchangeResponse(msg)
	case TypePeerAnnounce:
		return true, p.handlePeerAnnounce(msg)
	}
	return false, nil
}

func (p *P2PManager) handlePeerExchangeRequest(ctx context.Context, msg *Message) error {
	var req announcement
	if err := msg.Decode(&req); err != nil {
		return err
	}
	p.learn(req)

	p.mu.RLock()
	list := peerList{Peers: make([]PeerInfo, 0, len(p.knownPeers)+1)}
	for _, peer := range p.knownPeers {
		if peer.ID == req.PeerID {
			continue
		}
		list.Peers = append(list.Peers, *peer.copy())
	}
	p.mu.RUnlock()

	self := p.self()
	list.Peers = append(list.Peers, PeerInfo{
		ID:       self.PeerID,
		Address:  self.Address,
		Swarms:   self.Swarms,
		LastSeen: time.Now(),
	})

	resp, err := NewMessage(TypePeerExchangeResponse, "", list)
	if err != nil {
		return err
	}
	return p.node.Send(ctx, p.node.ID(), req.PeerID, resp)
}

func (p *P2PManager) handlePeerExchangeResponse(msg *Message) error {
	var list peerList
	if err := msg.Decode(&list); err != nil {
		return err
	}

	for _, peer := range list.Peers {
		p.learn(announcement{PeerID: peer.ID, Address: peer.Address, Swarms: peer.Swarms})
	}

	// the seed answered under its real id
	for _, peer := range list.Peers {
		if peer.ID == msg.From {
			p.node.UnregisterPeer(seedPrefix + peer.Address)
		}
	}
	return nil
}

func (p *P2PManager) handlePeerAnnounce(msg *Message) error {
	var ann announcement
	if err := msg.Decode(&ann); err != nil {
		return err
	}
	p.learn(ann)
	return nil
}

func (p *P2PManager) learn(ann announcement) {
	if ann.PeerID == "" || ann.Address == "" || ann.PeerID == p.node.ID() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if peer, exists := p.knownPeers[ann.PeerID]; exists {
		peer.Address = ann.Address
		peer.Swarms = append([]string(nil), ann.Swarms...)
		peer.LastSeen = time.Now()
	} else {
		p.knownPeers[ann.PeerID] = &PeerInfo{
			ID:       ann.PeerID,
			Address:  ann.Address,
			Swarms:   append([]string(nil), ann.Swarms...),
			LastSeen: time.Now(),
		}
		p.log.Debugf("learned peer %s at %s (swarms %v)", ann.PeerID, ann.Address, ann.Swarms)
	}
	p.node.RegisterPeer(ann.PeerID, ann.Address, ann.Swarms)
}

func (p *P2PManager) self() announcement {
	return announcement{
		PeerID:  p.node.ID(),
		Address: p.node.Address(),
		Swarms:  p.node.Swarms(),
	}
}

// AnnounceSelf sends this node's address and swarm membership to every known peer.
func (p *P2PManager) AnnounceSelf(ctx context.Context) error {
	msg, err := NewMessage(TypePeerAnnounce, "", p.self())
	if err != nil {
		return err
	}

	var lastErr error
	for id := range p.node.GetPeers() {
		if err := p.node.Send(ctx, p.node.ID(), id, msg); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (p *P2PManager) pruneStalePeers() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.prune()
		}
	}
}

// prune removes peers that haven't been seen recently.
func (p *P2PManager) prune() {
	nodePeers := p.node.GetPeers()

	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-p.staleTimeout)
	for peerID, peer := range p.knownPeers {
		// traffic seen by the node counts as liveness
		if np, ok := nodePeers[peerID]; ok && np.LastSeen.After(peer.LastSeen) {
			peer.LastSeen = np.LastSeen
		}
		if peer.LastSeen.Before(cutoff) {
			delete(p.knownPeers, peerID)
			p.node.UnregisterPeer(peerID)
			p.log.Infof("pruned stale peer %s", peerID)
		}
	}
}

// GetHealthyPeers returns peers seen within the stale timeout.
func (p *P2PManager) GetHealthyPeers() []*PeerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cutoff := time.Now().Add(-p.staleTimeout)
	healthy := make([]*PeerInfo, 0)

	for _, peer := range p.knownPeers {
		if peer.LastSeen.After(cutoff) {
			healthy = append(healthy, peer.copy())
		}
	}

	return healthy
}

// PeerCount returns the number of known peers.
func (p *P2PManager) PeerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.knownPeers)
}
