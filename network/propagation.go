package network

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// relayer is the part of ZmqNode the propagator depends on.
type relayer interface {
	Broadcast(ctx context.Context, from string, msg *Message) (int, error)
	Relay(ctx context.Context, msg *Message, exclude []string) error
}

// Propagator suppresses duplicate messages and relays them hop by hop.
type Propagator struct {
	nodeID string
	out    relayer

	// hash -> first seen
	seenMessages sync.Map

	maxHops       int
	cacheExpiry   time.Duration
	cleanInterval time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

// NewPropagator creates a new message propagator.
func NewPropagator(nodeID string, out relayer) *Propagator {
	return &Propagator{
		nodeID:        nodeID,
		out:           out,
		maxHops:       5,
		cacheExpiry:   5 * time.Minute,
		cleanInterval: time.Minute,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the seen-cache cleaner.
func (p *Propagator) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.cacheCleaner()
}

// Stop stops propagation operations.
func (p *Propagator) Stop() {
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

// Propagate marks msg as seen and broadcasts it to its swarm.
func (p *Propagator) Propagate(ctx context.Context, msg *Message) (int, error) {
	msg.From = p.nodeID
	msg.Hops = 0
	p.seenMessages.Store(p.hashMessage(msg), time.Now())

	return p.out.Broadcast(ctx, p.nodeID, msg)
}

// HandleIncoming reports whether msg should be processed; false means it is a
// duplicate. Fresh messages below the hop limit are relayed to everyone except the sender.
func (p *Propagator) HandleIncoming(ctx context.Context, msg *Message) bool {
	// own loopback copy is processed once, relayed copies of it are dropped
	if msg.From == p.nodeID {
		return msg.Hops == 0
	}

	hash := p.hashMessage(msg)

	if _, loaded := p.seenMessages.LoadOrStore(hash, time.Now()); loaded {
		return false
	}

	p.mu.Lock()
	maxHops := p.maxHops
	p.mu.Unlock()

	if msg.Hops >= maxHops {
		return true
	}

	fwd := msg.Clone()
	fwd.Hops++
	_ = p.out.Relay(ctx, fwd, []string{msg.From, msg.To})

	return true
}

// IsDuplicate checks if a message hash has been seen before.
func (p *Propagator) IsDuplicate(hash string) bool {
	_, seen := p.seenMessages.Load(hash)
	return seen
}

// hashMessage ignores hops and the receiver so relayed copies collide with the original.
func (p *Propagator) hashMessage(msg *Message) string {
	h := sha256.New()
	h.Write([]byte(msg.Type))
	h.Write([]byte{0})
	h.Write([]byte(msg.From))
	h.Write([]byte{0})
	h.Write([]byte(msg.SwarmID))
	h.Write([]byte{0})
	h.Write([]byte(msg.Nonce))
	h.Write([]byte{0})
	h.Write(msg.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (p *Propagator) cacheCleaner() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.cleanCache()
		}
	}
}

// cleanCache removes expired entries from the seen messages cache.
func (p *Propagator) cleanCache() {
	cutoff := time.Now().Add(-p.cacheExpiry)

	p.seenMessages.Range(func(key, value interface{}) bool {
		if ts, ok := value.(time.Time); ok && ts.Before(cutoff) {
			p.seenMessages.Delete(key)
		}
		return true
	})
}

// SetMaxHops sets the maximum number of hops for message propagation.
func (p *Propagator) SetMaxHops(hops int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxHops = hops
}

// PropagatorStats contains propagator statistics.
type PropagatorStats struct {
	MaxHops   int  `json:"max_hops"`
	CacheSize int  `json:"cache_size"`
	IsRunning bool `json:"is_running"`
}

// GetStats returns propagator statistics.
func (p *Propagator) GetStats() PropagatorStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	cacheSize := 0
	p.seenMessages.Range(func(key, value interface{}) bool {
		cacheSize++
		return true
	})

	return PropagatorStats{
		MaxHops:   p.maxHops,
		CacheSize: cacheSize,
		IsRunning: p.running,
	}
}
