package network

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Swarm/core"
	"github.com/VanDung-dev/HieraChain-Swarm/logger"
)

// HubConfig configures an in-process hub.
type HubConfig struct {
	Workers   int
	QueueSize int
	// Latency delays every delivery, useful to exercise timeouts.
	Latency time.Duration
}

// DefaultHubConfig returns a configuration with sensible defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Workers:   8,
		QueueSize: 4096,
	}
}

// Hub is an in-process Transport. Every delivery runs on a worker pool so a handler
// never executes on the goroutine that broadcast the message.
type Hub struct {
	config HubConfig
	pool   *core.WorkerPool
	log    *zap.SugaredLogger

	mu       sync.RWMutex
	swarms   map[string]map[string]struct{}
	handlers map[string]MessageHandler
	muted    map[string]bool

	delivered int64
	failed    int64
}

// NewHub creates a hub and starts its worker pool.
func NewHub(config HubConfig) *Hub {
	h := &Hub{
		config:   config,
		log:      logger.NewLogger("Hub"),
		swarms:   make(map[string]map[string]struct{}),
		handlers: make(map[string]MessageHandler),
		muted:    make(map[string]bool),
	}
	h.pool = core.NewWorkerPool("hub", config.Workers, config.QueueSize, h.onResult)
	return h
}

func (h *Hub) onResult(r *core.Result) {
	if r.Err != nil {
		atomic.AddInt64(&h.failed, 1)
		h.log.Debugf("delivery %s failed: %v", r.JobID, r.Err)
		return
	}
	atomic.AddInt64(&h.delivered, 1)
}

// Join adds nodeID to swarmID. The handler receives every message addressed to the node.
func (h *Hub) Join(swarmID, nodeID string, handler MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.swarms[swarmID]
	if !ok {
		members = make(map[string]struct{})
		h.swarms[swarmID] = members
	}
	members[nodeID] = struct{}{}
	if handler != nil {
		h.handlers[nodeID] = handler
	}
}

// Leave removes nodeID from swarmID. The node keeps its handler for other swarms.
func (h *Hub) Leave(swarmID, nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.swarms[swarmID]; ok {
		delete(members, nodeID)
		if len(members) == 0 {
			delete(h.swarms, swarmID)
		}
	}
}

// Mute makes deliveries to nodeID silently disappear, simulating a crashed or partitioned node.
func (h *Hub) Mute(nodeID string, muted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.muted[nodeID] = muted
}

// Participants returns the sorted members of swarmID.
func (h *Hub) Participants(_ context.Context, swarmID string) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.swarms[swarmID]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Broadcast delivers msg to every member of msg.SwarmID, the sender included.
func (h *Hub) Broadcast(ctx context.Context, from string, msg *Message) (int, error) {
	if msg.SwarmID == "" {
		return 0, ErrMissingSwarm
	}

	ids, _ := h.Participants(ctx, msg.SwarmID)
	msg.From = from

	sent := 0
	var lastErr error
	for _, id := range ids {
		out := msg.Clone()
		out.To = id
		if err := h.deliver(ctx, id, out); err != nil {
			lastErr = err
			continue
		}
		sent++
	}

	if sent == 0 && lastErr != nil {
		return 0, lastErr
	}
	return sent, nil
}

// Send delivers msg to a single node.
func (h *Hub) Send(ctx context.Context, from, to string, msg *Message) error {
	out := msg.Clone()
	out.From = from
	out.To = to
	return h.deliver(ctx, to, out)
}

func (h *Hub) deliver(ctx context.Context, to string, msg *Message) error {
	h.mu.RLock()
	handler, ok := h.handlers[to]
	muted := h.muted[to]
	h.mu.RUnlock()

	if !ok {
		return errors.Wrapf(ErrPeerNotFound, "node %s", to)
	}
	if muted {
		return nil
	}

	latency := h.config.Latency
	job := core.NewJob(fmt.Sprintf("%s->%s:%s", msg.From, to, msg.Type), func(ctx context.Context) error {
		if latency > 0 {
			select {
			case <-time.After(latency):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return handler(msg)
	})

	if err := h.pool.Submit(ctx, job); err != nil {
		return errors.Wrapf(ErrSendFailed, "to %s: %v", to, err)
	}
	return nil
}

// HubStats contains hub statistics.
type HubStats struct {
	Swarms    int            `json:"swarms"`
	Nodes     int            `json:"nodes"`
	Delivered int64          `json:"delivered"`
	Failed    int64          `json:"failed"`
	Pool      core.PoolStats `json:"pool"`
}

// GetStats returns hub statistics.
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	swarms, nodes := len(h.swarms), len(h.handlers)
	h.mu.RUnlock()

	return HubStats{
		Swarms:    swarms,
		Nodes:     nodes,
		Delivered: atomic.LoadInt64(&h.delivered),
		Failed:    atomic.LoadInt64(&h.failed),
		Pool:      h.pool.GetStats(),
	}
}

// Close stops the worker pool after in-flight deliveries finish.
func (h *Hub) Close() {
	h.pool.Shutdown()
}
