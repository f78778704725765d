package statesync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Swarm/logger"
	"github.com/VanDung-dev/HieraChain-Swarm/network"
	"github.com/VanDung-dev/HieraChain-Swarm/storage"
)

// Config configures a Synchronizer.
type Config struct {
	Timeout          time.Duration `yaml:"timeout"`
	Resolver         string        `yaml:"resolver"`
	HistoryRetention int           `yaml:"history_retention"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          5 * time.Second,
		Resolver:         ResolverLWW,
		HistoryRetention: 64,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return errors.Newf("sync timeout must be positive, got %s", c.Timeout)
	}
	if c.HistoryRetention < 1 {
		return errors.Newf("history retention must be at least 1, got %d", c.HistoryRetention)
	}
	if _, err := NewResolver(c.Resolver); err != nil {
		return err
	}
	return nil
}

// Observer is notified about every synchronization run.
type Observer interface {
	ObserveSync(swarmID string, ok bool, conflicts int, duration time.Duration)
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger replaces the synchronizer logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Synchronizer) { s.log = log }
}

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(s *Synchronizer) { s.observers = append(s.observers, o) }
}

type versionKey struct {
	swarmID string
	key     string
}

type pendingRequest struct {
	swarmID   string
	key       string
	expected  int
	responses map[string]*StateVersion
	done      chan struct{}
	closed    bool
}

func (p *pendingRequest) complete() {
	if p.expected > 0 && len(p.responses) >= p.expected && !p.closed {
		p.closed = true
		close(p.done)
	}
}

// Synchronizer keeps replicated state consistent across a swarm. One mutex guards
// the pending requests and the version table, and serializes every write so stored
// versions strictly increase per (swarm, key).
type Synchronizer struct {
	nodeID    string
	transport network.Transport
	store     storage.Store
	resolver  ConflictResolver
	config    Config

	log       *zap.SugaredLogger
	observers []Observer

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	versions map[versionKey]int64
}

// NewSynchronizer creates a synchronizer acting as nodeID.
func NewSynchronizer(nodeID string, transport network.Transport, store storage.Store, resolver ConflictResolver, config Config, opts ...Option) *Synchronizer {
	if config.HistoryRetention < 1 {
		config.HistoryRetention = DefaultConfig().HistoryRetention
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if resolver == nil {
		resolver = LastWriteWins{}
	}

	s := &Synchronizer{
		nodeID:    nodeID,
		transport: transport,
		store:     store,
		resolver:  resolver,
		config:    config,
		log:       logger.NewLogger("StateSync").Named(nodeID),
		pending:   make(map[string]*pendingRequest),
		versions:  make(map[versionKey]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolver returns the configured conflict resolver.
func (s *Synchronizer) Resolver() ConflictResolver {
	return s.resolver
}

// SynchronizeState collects every participant's version of key, resolves conflicts and
// writes the result one version above everything observed. It reports false without
// error when nobody could be consulted or no one holds the key. Once the result is
// stored the run reports true; a failed update broadcast is only logged and peers
// pick the version up on their next sync or delta.
func (s *Synchronizer) SynchronizeState(ctx context.Context, swarmID, key string, timeout time.Duration) (bool, error) {
	start := time.Now()
	ok, conflicts, err := s.synchronize(ctx, swarmID, key, timeout)
	if err != nil {
		s.log.Warnf("synchronizing %s/%s failed: %v", swarmID, key, err)
	}
	for _, o := range s.observers {
		o.ObserveSync(swarmID, ok, conflicts, time.Since(start))
	}
	return ok, err
}

func (s *Synchronizer) synchronize(ctx context.Context, swarmID, key string, timeout time.Duration) (bool, int, error) {
	if timeout <= 0 {
		timeout = s.config.Timeout
	}

	req := &pendingRequest{
		swarmID:   swarmID,
		key:       key,
		responses: make(map[string]*StateVersion),
		done:      make(chan struct{}),
	}
	requestID := uuid.NewString()

	s.mu.Lock()
	s.pending[requestID] = req
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
	}()

	msg, err := network.NewMessage(network.TypeStateRequest, swarmID, StateRequest{
		RequestID: requestID,
		SwarmID:   swarmID,
		Key:       key,
		Requester: s.nodeID,
	})
	if err != nil {
		return false, 0, err
	}

	recipients, err := s.transport.Broadcast(ctx, s.nodeID, msg)
	if err != nil {
		return false, 0, errors.Wrapf(err, "broadcasting state request for %s", key)
	}
	if recipients == 0 {
		s.log.Warnf("no participants to synchronize %s/%s with", swarmID, key)
		return false, 0, nil
	}

	s.mu.Lock()
	req.expected = recipients
	req.complete()
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	select {
	case <-req.done:
	case <-timer.C:
	case <-ctx.Done():
	}
	timer.Stop()

	s.mu.Lock()
	byOwner := make(map[string][]StateVersion, len(req.responses)+1)
	answered := len(req.responses)
	for owner, sv := range req.responses {
		if sv != nil {
			byOwner[owner] = []StateVersion{sv.Clone()}
		}
	}
	s.mu.Unlock()

	if answered < recipients {
		s.log.Debugf("sync %s/%s proceeding with %d of %d responses", swarmID, key, answered, recipients)
	}

	local, found, err := s.GetState(context.Background(), swarmID, key)
	if err != nil {
		return false, 0, err
	}
	if found {
		byOwner[s.nodeID] = []StateVersion{local}
	}

	owners := make([]string, 0, len(byOwner))
	for owner := range byOwner {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	candidates := make([]StateVersion, 0, len(owners))
	for _, owner := range owners {
		candidates = append(candidates, byOwner[owner]...)
	}

	if len(candidates) == 0 {
		s.log.Debugf("no participant holds %s/%s", swarmID, key)
		return false, 0, nil
	}

	conflicts := DetectConflicts(byOwner)
	var resolved StateVersion
	if len(conflicts) > 0 {
		resolved, err = s.resolver.Resolve(key, candidates)
		if err != nil {
			return false, len(conflicts), err
		}
		s.log.Infof("resolved %d conflicting versions of %s/%s with %s", len(candidates), swarmID, key, s.resolver.Name())
	} else {
		resolved = newest(candidates)
	}

	written, err := s.write(ctx, swarmID, resolved, maxVersion(candidates))
	if err != nil {
		return false, len(conflicts), err
	}

	if err := s.broadcastUpdate(ctx, swarmID, written); err != nil {
		s.log.Warnf("%s/%s v%d is stored but peers were not notified: %v", swarmID, key, written.Version, err)
	}
	return true, len(conflicts), nil
}

func newest(candidates []StateVersion) StateVersion {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Version > best.Version {
			best = c
		}
	}
	return best.Clone()
}

// write persists sv at max(observed, stored)+1 as owned by this node. The version
// table only moves after the store accepted both the state and its history entry.
func (s *Synchronizer) write(ctx context.Context, swarmID string, sv StateVersion, observed int64) (StateVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.currentVersionLocked(ctx, swarmID, sv.Key)
	if err != nil {
		return StateVersion{}, err
	}
	if stored > observed {
		observed = stored
	}

	out := sv.Clone()
	out.Version = observed + 1
	out.OwnerID = s.nodeID
	out.Timestamp = time.Now()

	if err := s.persistLocked(ctx, swarmID, out); err != nil {
		return StateVersion{}, err
	}
	return out, nil
}

func (s *Synchronizer) persistLocked(ctx context.Context, swarmID string, sv StateVersion) error {
	data, err := encodeRecord(sv)
	if err != nil {
		return err
	}
	entry, err := json.Marshal(sv)
	if err != nil {
		return errors.Wrap(err, "encoding history entry")
	}

	hk := historyKey(sv.Key, sv.Version)
	if err := s.store.Put(ctx, swarmID, NamespaceHistory, hk, entry); err != nil {
		return errors.Wrapf(err, "recording history of %s/%s", swarmID, sv.Key)
	}
	if err := s.store.Put(ctx, swarmID, NamespaceState, sv.Key, data); err != nil {
		if derr := s.store.Delete(ctx, swarmID, NamespaceHistory, hk); derr != nil {
			s.log.Warnf("dropping orphaned history of %s/%s: %v", swarmID, sv.Key, derr)
		}
		return errors.Wrapf(err, "persisting %s/%s", swarmID, sv.Key)
	}

	s.versions[versionKey{swarmID, sv.Key}] = sv.Version

	if err := s.pruneHistoryLocked(ctx, swarmID, sv.Key); err != nil {
		s.log.Warnf("pruning history of %s/%s: %v", swarmID, sv.Key, err)
	}
	return nil
}

// currentVersionLocked returns the stored version of key, 0 when absent.
func (s *Synchronizer) currentVersionLocked(ctx context.Context, swarmID, key string) (int64, error) {
	if v, ok := s.versions[versionKey{swarmID, key}]; ok {
		return v, nil
	}

	data, err := s.store.Get(ctx, swarmID, NamespaceState, key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "reading %s/%s", swarmID, key)
	}
	sv, err := decodeRecord(key, data)
	if err != nil {
		return 0, err
	}
	s.versions[versionKey{swarmID, key}] = sv.Version
	return sv.Version, nil
}

func historyKey(key string, version int64) string {
	return fmt.Sprintf("%s\x00%020d", key, version)
}

func (s *Synchronizer) historyKeys(ctx context.Context, swarmID, key string) ([]string, error) {
	all, err := s.store.ListKeys(ctx, swarmID, NamespaceHistory)
	if err != nil {
		return nil, err
	}
	prefix := key + "\x00"
	out := make([]string, 0)
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *Synchronizer) pruneHistoryLocked(ctx context.Context, swarmID, key string) error {
	keys, err := s.historyKeys(ctx, swarmID, key)
	if err != nil {
		return err
	}
	// zero-padded versions sort in version order
	for len(keys) > s.config.HistoryRetention {
		if err := s.store.Delete(ctx, swarmID, NamespaceHistory, keys[0]); err != nil {
			return err
		}
		keys = keys[1:]
	}
	return nil
}

func (s *Synchronizer) broadcastUpdate(ctx context.Context, swarmID string, sv StateVersion) error {
	msg, err := network.NewMessage(network.TypeStateUpdate, swarmID, StateUpdate{SwarmID: swarmID, State: sv})
	if err != nil {
		return err
	}
	if _, err := s.transport.Broadcast(ctx, s.nodeID, msg); err != nil {
		return errors.Wrapf(err, "broadcasting update of %s/%s", swarmID, sv.Key)
	}
	return nil
}

// UpdateState writes a local value one version above the stored one and broadcasts it.
func (s *Synchronizer) UpdateState(ctx context.Context, swarmID, key string, value json.RawMessage, metadata map[string]string) (StateVersion, error) {
	if !json.Valid(value) {
		return StateVersion{}, errors.Wrapf(ErrInvalidValue, "key %s", key)
	}

	sv := StateVersion{Key: key, Value: value, Metadata: metadata}
	written, err := s.write(ctx, swarmID, sv, 0)
	if err != nil {
		return StateVersion{}, err
	}
	if err := s.broadcastUpdate(ctx, swarmID, written); err != nil {
		return written, err
	}
	return written, nil
}

// ApplyUpdate stores an inbound version if it is newer than the stored one.
func (s *Synchronizer) ApplyUpdate(ctx context.Context, swarmID string, sv StateVersion) (bool, error) {
	if sv.Key == "" {
		return false, errors.New("state update without key")
	}
	if !json.Valid(sv.Value) {
		return false, errors.Wrapf(ErrInvalidValue, "key %s", sv.Key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.currentVersionLocked(ctx, swarmID, sv.Key)
	if err != nil {
		return false, err
	}
	if sv.Version <= stored {
		return false, nil
	}

	if err := s.persistLocked(ctx, swarmID, sv.Clone()); err != nil {
		return false, err
	}
	return true, nil
}

// HandleRequest answers a state_request with this node's stored version.
func (s *Synchronizer) HandleRequest(ctx context.Context, req StateRequest) error {
	resp := StateResponse{
		RequestID: req.RequestID,
		SwarmID:   req.SwarmID,
		Key:       req.Key,
		Responder: s.nodeID,
	}

	sv, found, err := s.GetState(ctx, req.SwarmID, req.Key)
	if err != nil {
		return err
	}
	if found {
		resp.State = &sv
	}

	msg, err := network.NewMessage(network.TypeStateResponse, req.SwarmID, resp)
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, s.nodeID, req.Requester, msg)
}

// HandleResponse delivers an inbound state_response to its pending request.
func (s *Synchronizer) HandleResponse(resp StateResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pending[resp.RequestID]
	if !ok {
		return errors.Wrapf(ErrUnknownRequest, "%s from %s", resp.RequestID, resp.Responder)
	}
	if resp.State != nil && resp.State.Key != req.key {
		return errors.Newf("response for key %s to a request for %s", resp.State.Key, req.key)
	}
	if _, dup := req.responses[resp.Responder]; dup {
		return nil
	}

	req.responses[resp.Responder] = resp.State
	req.complete()
	return nil
}

// GetState returns the latest stored version of key.
func (s *Synchronizer) GetState(ctx context.Context, swarmID, key string) (StateVersion, bool, error) {
	data, err := s.store.Get(ctx, swarmID, NamespaceState, key)
	if errors.Is(err, storage.ErrNotFound) {
		return StateVersion{}, false, nil
	}
	if err != nil {
		return StateVersion{}, false, errors.Wrapf(err, "reading %s/%s", swarmID, key)
	}
	sv, err := decodeRecord(key, data)
	if err != nil {
		return StateVersion{}, false, err
	}
	return sv, true, nil
}

// Keys returns the stored keys of swarmID.
func (s *Synchronizer) Keys(ctx context.Context, swarmID string) ([]string, error) {
	return s.store.ListKeys(ctx, swarmID, NamespaceState)
}

// DeltaSync returns every retained version newer than sinceVersion, sorted by key
// then version.
func (s *Synchronizer) DeltaSync(ctx context.Context, swarmID string, sinceVersion int64) ([]StateVersion, error) {
	keys, err := s.store.ListKeys(ctx, swarmID, NamespaceHistory)
	if err != nil {
		return nil, errors.Wrapf(err, "listing history of %s", swarmID)
	}

	out := make([]StateVersion, 0)
	for _, k := range keys {
		data, err := s.store.Get(ctx, swarmID, NamespaceHistory, k)
		if errors.Is(err, storage.ErrNotFound) {
			// pruned or cleared concurrently
			continue
		}
		if err != nil {
			return nil, err
		}

		var sv StateVersion
		if err := json.Unmarshal(data, &sv); err != nil {
			return nil, errors.Wrapf(err, "decoding history entry %q", k)
		}
		if sv.Version > sinceVersion {
			out = append(out, sv)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// NewerThan keeps the versions above the watermark of their key. Keys without a
// watermark keep every version.
func NewerThan(states []StateVersion, watermarks map[string]int64) []StateVersion {
	out := make([]StateVersion, 0, len(states))
	for _, sv := range states {
		if sv.Version > watermarks[sv.Key] {
			out = append(out, sv)
		}
	}
	return out
}

// ClearState deletes key, or every key of swarmID when key is empty, together with
// its history and version tracking. Clearing missing keys succeeds.
func (s *Synchronizer) ClearState(ctx context.Context, swarmID, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stateKeys, history []string
	var err error
	if key == "" {
		if stateKeys, err = s.store.ListKeys(ctx, swarmID, NamespaceState); err != nil {
			return false, err
		}
		if history, err = s.store.ListKeys(ctx, swarmID, NamespaceHistory); err != nil {
			return false, err
		}
	} else {
		stateKeys = []string{key}
		if history, err = s.historyKeys(ctx, swarmID, key); err != nil {
			return false, err
		}
	}

	for _, k := range stateKeys {
		if err := s.store.Delete(ctx, swarmID, NamespaceState, k); err != nil {
			return false, errors.Wrapf(err, "clearing %s/%s", swarmID, k)
		}
	}
	for _, k := range history {
		if err := s.store.Delete(ctx, swarmID, NamespaceHistory, k); err != nil {
			return false, errors.Wrapf(err, "clearing history of %s", swarmID)
		}
	}

	for vk := range s.versions {
		if vk.swarmID == swarmID && (key == "" || vk.key == key) {
			delete(s.versions, vk)
		}
	}

	s.log.Infof("cleared %d keys of %s", len(stateKeys), swarmID)
	return true, nil
}

// Version returns the tracked version of key, 0 when untracked.
func (s *Synchronizer) Version(swarmID, key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[versionKey{swarmID, key}]
}
