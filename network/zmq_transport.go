package network

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Swarm/logger"
)

// PeerInfo contains information about a network peer.
type PeerInfo struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	Swarms   []string  `json:"swarms,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

func (p *PeerInfo) inSwarm(swarmID string) bool {
	for _, s := range p.Swarms {
		if s == swarmID {
			return true
		}
	}
	return false
}

func (p *PeerInfo) copy() *PeerInfo {
	c := *p
	c.Swarms = append([]string(nil), p.Swarms...)
	return &c
}

// ZmqNode is a ZeroMQ-based network node. A ROUTER socket receives, one DEALER per
// peer sends.
type ZmqNode struct {
	nodeID  string
	host    string
	port    int
	address string

	ctx    context.Context
	cancel context.CancelFunc

	router  zmq4.Socket
	dealers map[string]zmq4.Socket

	peers  map[string]*PeerInfo
	swarms map[string]bool
	mu     sync.RWMutex

	handler MessageHandler
	msgChan chan *Message

	replayCache     map[string]time.Time
	replayCacheMu   sync.Mutex
	replayTolerance time.Duration

	log     *zap.SugaredLogger
	running bool
	wg      sync.WaitGroup
}

// NewZmqNode creates a new ZeroMQ node.
func NewZmqNode(nodeID string, host string, port int) *ZmqNode {
	ctx, cancel := context.WithCancel(context.Background())

	return &ZmqNode{
		nodeID:          nodeID,
		host:            host,
		port:            port,
		address:         fmt.Sprintf("tcp://%s:%d", host, port),
		ctx:             ctx,
		cancel:          cancel,
		dealers:         make(map[string]zmq4.Socket),
		peers:           make(map[string]*PeerInfo),
		swarms:          make(map[string]bool),
		msgChan:         make(chan *Message, 1000),
		replayCache:     make(map[string]time.Time),
		replayTolerance: 60 * time.Second,
		log:             logger.NewLogger("ZmqNode").Named(nodeID),
	}
}

// ID returns the node id.
func (n *ZmqNode) ID() string {
	return n.nodeID
}

// Address returns the tcp address the ROUTER binds to.
func (n *ZmqNode) Address() string {
	return n.address
}

// Start binds the ROUTER socket and starts the receive loops.
func (n *ZmqNode) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return errors.New("node already running")
	}

	n.router = zmq4.NewRouter(n.ctx, zmq4.WithID(zmq4.SocketIdentity(n.nodeID)))
	if err := n.router.Listen(n.address); err != nil {
		n.mu.Unlock()
		return errors.Wrapf(err, "failed to bind router on %s", n.address)
	}

	n.running = true
	n.mu.Unlock()

	n.wg.Add(3)
	go n.receiverLoop()
	go n.messageProcessor()
	go n.replayCacheCleaner()

	return nil
}

// Stop closes every socket and waits for the loops to exit.
func (n *ZmqNode) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.mu.Unlock()

	n.cancel()

	if n.router != nil {
		if err := n.router.Close(); err != nil {
			n.log.Debugf("router close: %v", err)
		}
	}

	n.mu.Lock()
	for id, dealer := range n.dealers {
		if err := dealer.Close(); err != nil {
			n.log.Debugf("dealer %s close: %v", id, err)
		}
		delete(n.dealers, id)
	}
	n.mu.Unlock()

	n.wg.Wait()
}

// JoinSwarm marks this node as a member of swarmID.
func (n *ZmqNode) JoinSwarm(swarmID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.swarms[swarmID] = true
}

// LeaveSwarm removes the membership.
func (n *ZmqNode) LeaveSwarm(swarmID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.swarms, swarmID)
}

// Swarms returns the swarms this node belongs to, sorted.
func (n *ZmqNode) Swarms() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]string, 0, len(n.swarms))
	for s := range n.swarms {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// RegisterPeer adds or refreshes a peer.
func (n *ZmqNode) RegisterPeer(peerID, address string, swarms []string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.peers[peerID] = &PeerInfo{
		ID:       peerID,
		Address:  address,
		Swarms:   append([]string(nil), swarms...),
		LastSeen: time.Now(),
	}
}

// UnregisterPeer removes a peer and closes its DEALER socket.
func (n *ZmqNode) UnregisterPeer(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.peers, peerID)

	if dealer, ok := n.dealers[peerID]; ok {
		if err := dealer.Close(); err != nil {
			n.log.Debugf("dealer %s close: %v", peerID, err)
		}
		delete(n.dealers, peerID)
	}
}

// SetHandler sets the message handler callback.
func (n *ZmqNode) SetHandler(handler MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = handler
}

// Participants returns this node (when it is a member) and every peer announced in swarmID.
func (n *ZmqNode) Participants(_ context.Context, swarmID string) ([]string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	ids := make([]string, 0, len(n.peers)+1)
	if n.swarms[swarmID] {
		ids = append(ids, n.nodeID)
	}
	for id, peer := range n.peers {
		if peer.inSwarm(swarmID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Send delivers a message to one node. Messages addressed to this node are handed to
// the local handler without touching the network.
func (n *ZmqNode) Send(_ context.Context, from, to string, msg *Message) error {
	n.mu.RLock()
	if !n.running {
		n.mu.RUnlock()
		return ErrNodeNotRunning
	}
	n.mu.RUnlock()

	out := msg.Clone()
	out.From = from
	out.To = to
	if out.Nonce == "" {
		out.Nonce = fmt.Sprintf("%d-%s", time.Now().UnixNano(), n.nodeID)
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}

	if to == n.nodeID {
		return n.enqueue(out)
	}

	n.mu.RLock()
	peer, ok := n.peers[to]
	n.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrPeerNotFound, "peer %s", to)
	}

	dealer, err := n.getOrCreateDealer(to, peer.Address)
	if err != nil {
		return err
	}

	data, err := out.Encode()
	if err != nil {
		return err
	}

	if err := dealer.Send(zmq4.NewMsg(data)); err != nil {
		return errors.Wrapf(ErrSendFailed, "to %s: %v", to, err)
	}
	return nil
}

// Broadcast sends msg to every participant of msg.SwarmID, this node included.
func (n *ZmqNode) Broadcast(ctx context.Context, from string, msg *Message) (int, error) {
	if msg.SwarmID == "" {
		return 0, ErrMissingSwarm
	}

	ids, err := n.Participants(ctx, msg.SwarmID)
	if err != nil {
		return 0, err
	}

	sent := 0
	var lastErr error
	for _, id := range ids {
		if err := n.Send(ctx, from, id, msg); err != nil {
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

// Relay forwards msg to every swarm peer except the ones listed in exclude. Used for
// hop-limited propagation, it never loops back to this node.
func (n *ZmqNode) Relay(ctx context.Context, msg *Message, exclude []string) error {
	excludeSet := map[string]bool{n.nodeID: true}
	for _, id := range exclude {
		excludeSet[id] = true
	}

	ids, err := n.Participants(ctx, msg.SwarmID)
	if err != nil {
		return err
	}

	var lastErr error
	for _, id := range ids {
		if excludeSet[id] {
			continue
		}
		n.mu.RLock()
		peer := n.peers[id]
		n.mu.RUnlock()
		if peer == nil {
			continue
		}

		dealer, err := n.getOrCreateDealer(id, peer.Address)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := msg.Encode()
		if err != nil {
			return err
		}
		if err := dealer.Send(zmq4.NewMsg(data)); err != nil {
			lastErr = errors.Wrapf(ErrSendFailed, "relay to %s: %v", id, err)
		}
	}
	return lastErr
}

// GetPeers returns a copy of all registered peers.
func (n *ZmqNode) GetPeers() map[string]*PeerInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make(map[string]*PeerInfo, len(n.peers))
	for id, peer := range n.peers {
		peers[id] = peer.copy()
	}
	return peers
}

func (n *ZmqNode) getOrCreateDealer(peerID, address string) (zmq4.Socket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if dealer, ok := n.dealers[peerID]; ok {
		return dealer, nil
	}

	dealer := zmq4.NewDealer(n.ctx, zmq4.WithID(zmq4.SocketIdentity(n.nodeID)))
	if err := dealer.Dial(address); err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", address)
	}

	n.dealers[peerID] = dealer
	return dealer, nil
}

func (n *ZmqNode) enqueue(msg *Message) error {
	select {
	case n.msgChan <- msg:
		return nil
	default:
		return errors.Wrap(ErrSendFailed, "inbound queue full")
	}
}

// receiverLoop reads the ROUTER socket. The last frame carries the payload, the
// first one is the sender identity.
func (n *ZmqNode) receiverLoop() {
	defer n.wg.Done()

	for {
		raw, err := n.router.Recv()
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
				continue
			}
		}
		if len(raw.Frames) == 0 {
			continue
		}

		msg, err := DecodeMessage(raw.Frames[len(raw.Frames)-1])
		if err != nil {
			n.log.Debugf("dropping malformed message: %v", err)
			continue
		}

		if !n.isValidReplay(msg) {
			continue
		}

		n.mu.Lock()
		if peer, ok := n.peers[msg.From]; ok {
			peer.LastSeen = time.Now()
		}
		n.mu.Unlock()

		if err := n.enqueue(msg); err != nil {
			n.log.Warnf("dropping %s from %s: %v", msg.Type, msg.From, err)
		}
	}
}

func (n *ZmqNode) messageProcessor() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case msg := <-n.msgChan:
			n.mu.RLock()
			handler := n.handler
			n.mu.RUnlock()

			if handler == nil {
				continue
			}
			if err := handler(msg); err != nil {
				n.log.Debugf("handler failed for %s from %s: %v", msg.Type, msg.From, err)
			}
		}
	}
}

// isValidReplay rejects messages whose nonce was already seen or whose timestamp is
// outside the replay tolerance.
func (n *ZmqNode) isValidReplay(msg *Message) bool {
	if msg.Nonce == "" {
		return true
	}

	n.replayCacheMu.Lock()
	defer n.replayCacheMu.Unlock()

	key := msg.From + "/" + msg.Nonce
	if _, seen := n.replayCache[key]; seen {
		return false
	}
	if time.Since(msg.Timestamp) > n.replayTolerance {
		return false
	}

	n.replayCache[key] = time.Now()
	return true
}

func (n *ZmqNode) replayCacheCleaner() {
	defer n.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.cleanReplayCache()
		}
	}
}

func (n *ZmqNode) cleanReplayCache() {
	n.replayCacheMu.Lock()
	defer n.replayCacheMu.Unlock()

	cutoff := time.Now().Add(-n.replayTolerance)
	for nonce, ts := range n.replayCache {
		if ts.Before(cutoff) {
			delete(n.replayCache, nonce)
		}
	}
}

// NodeStats contains node statistics.
type NodeStats struct {
	NodeID    string   `json:"node_id"`
	Address   string   `json:"address"`
	Swarms    []string `json:"swarms"`
	PeerCount int      `json:"peer_count"`
	IsRunning bool     `json:"is_running"`
	QueueSize int      `json:"queue_size"`
}

// GetStats returns current node statistics.
func (n *ZmqNode) GetStats() NodeStats {
	swarms := n.Swarms()

	n.mu.RLock()
	defer n.mu.RUnlock()

	return NodeStats{
		NodeID:    n.nodeID,
		Address:   n.address,
		Swarms:    swarms,
		PeerCount: len(n.peers),
		IsRunning: n.running,
		QueueSize: len(n.msgChan),
	}
}
