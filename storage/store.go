// Package storage holds the durable store used by the state synchronizer.
//
// Keys are addressed by (swarm, namespace, key). Values are opaque bytes; the
// synchronizer stores JSON records in them.
package storage

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Common errors for store operations
var (
	ErrNotFound = errors.New("key not found")
	ErrClosed   = errors.New("store is closed")
)

// Store is a namespaced key-value store. Put overwrites by key.
type Store interface {
	Put(ctx context.Context, swarmID, namespace, key string, value []byte) error
	Get(ctx context.Context, swarmID, namespace, key string) ([]byte, error)
	Delete(ctx context.Context, swarmID, namespace, key string) error
	// ListKeys returns the keys of a namespace in ascending order.
	ListKeys(ctx context.Context, swarmID, namespace string) ([]string, error)
	Close() error
}

// Config selects and configures a store backend.
type Config struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// Backends
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// DefaultConfig returns an in-memory store configuration.
func DefaultConfig() Config {
	return Config{Backend: BackendMemory}
}

// Open builds the store described by cfg.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendBadger:
		return NewBadgerStore(BadgerOptions{Path: cfg.Path, InMemory: cfg.Path == ""})
	default:
		return nil, errors.Newf("unknown storage backend %q", cfg.Backend)
	}
}

const sep = "\x00"

func namespacePrefix(swarmID, namespace string) string {
	return swarmID + sep + namespace + sep
}

func compositeKey(swarmID, namespace, key string) string {
	return namespacePrefix(swarmID, namespace) + key
}
