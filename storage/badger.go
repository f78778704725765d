package storage

import (
	"context"
	"runtime"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Swarm/logger"
)

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	Path     string
	InMemory bool
}

// BadgerStore persists entries in BadgerDB.
type BadgerStore struct {
	db       *badger.DB
	log      *zap.SugaredLogger
	inMemory bool

	mu     sync.RWMutex
	closed bool
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens (or creates) a database at opts.Path.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	log := logger.NewLogger("Badger")

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New("badger store needs a path unless in-memory")
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithLogger(badgerLogger{log})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open badger at %q", opts.Path)
	}

	return &BadgerStore{db: db, log: log, inMemory: opts.InMemory}, nil
}

func (s *BadgerStore) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.View(fn)
}

func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(fn)
}

func (s *BadgerStore) Put(ctx context.Context, swarmID, namespace, key string, value []byte) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(compositeKey(swarmID, namespace, key)), value)
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		return errors.Wrapf(err, "put %s/%s/%s", swarmID, namespace, key)
	}
	return err
}

func (s *BadgerStore) Get(ctx context.Context, swarmID, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(compositeKey(swarmID, namespace, key)))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "%s/%s/%s", swarmID, namespace, key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *BadgerStore) Delete(ctx context.Context, swarmID, namespace, key string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(compositeKey(swarmID, namespace, key)))
	})
}

func (s *BadgerStore) ListKeys(ctx context.Context, swarmID, namespace string) ([]string, error) {
	prefix := []byte(namespacePrefix(swarmID, namespace))
	keys := make([]string, 0)

	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		// badger iterates in byte order, so keys come out sorted
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			keys = append(keys, string(k[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// GC runs a value log garbage collection pass. Nothing to do in memory mode.
func (s *BadgerStore) GC() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	if s.inMemory {
		runtime.GC()
		return nil
	}
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Close flushes pending writes and closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// badgerLogger routes badger's logs into zap. Info is demoted to debug.
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, args ...interface{})   { l.log.Errorf(f, args...) }
func (l badgerLogger) Warningf(f string, args ...interface{}) { l.log.Warnf(f, args...) }
func (l badgerLogger) Infof(f string, args ...interface{})    { l.log.Debugf(f, args...) }
func (l badgerLogger) Debugf(f string, args ...interface{})   { l.log.Debugf(f, args...) }
