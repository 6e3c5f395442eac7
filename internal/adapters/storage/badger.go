package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/dgraph-io/badger/v3/options"

	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

// BadgerStore keeps node state (local seq and known peers) in a badger
// database so a restarted node rejoins with a seq past its previous one.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

var _ ports.StoragePort = (*BadgerStore)(nil)

// Open creates the store. With InMemory set dataDir is ignored and nothing
// touches the disk.
func Open(config domain.StorageConfig, dataDir string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage")

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if dataDir == "" {
			return nil, domain.NewConfigError("data_dir", domain.ErrInvalidConfig)
		}
		path := filepath.Join(dataDir, "state")
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, domain.NewStorageError("open", path, err)
		}
		opts = badger.DefaultOptions(path)
		opts.Compression = options.ZSTD
		opts.ValueLogFileSize = 16 << 20
		opts.NumMemtables = 2
		opts.NumLevelZeroTables = 2
		opts.NumCompactors = 2
	}
	opts.Logger = &badgerLogger{logger: logger.With("component", "badger")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, domain.NewStorageError("open", dataDir, err)
	}

	logger.Info("storage opened", "data_dir", dataDir, "in_memory", config.InMemory)
	return &BadgerStore{db: db, logger: logger}, nil
}

func (s *BadgerStore) Get(key string) ([]byte, bool, error) {
	if err := s.checkOpen("get", key); err != nil {
		return nil, false, err
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, domain.NewStorageError("get", key, err)
	}
	return value, true, nil
}

func (s *BadgerStore) Put(key string, value []byte) error {
	if key == "" {
		return domain.NewValidationError("key", key, "must not be empty")
	}
	if err := s.checkOpen("put", key); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return domain.NewStorageError("put", key, err)
	}
	return nil
}

func (s *BadgerStore) Delete(key string) error {
	if err := s.checkOpen("delete", key); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return domain.NewStorageError("delete", key, err)
	}
	return nil
}

func (s *BadgerStore) ListByPrefix(prefix string) ([]ports.KeyValue, error) {
	if err := s.checkOpen("list", prefix); err != nil {
		return nil, err
	}

	var results []ports.KeyValue
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				s.logger.Error("failed to copy value", "key", key, "error", err)
				continue
			}
			results = append(results, ports.KeyValue{Key: key, Value: value})
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewStorageError("list", prefix, err)
	}
	return results, nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return domain.NewStorageError("close", "", err)
	}
	s.logger.Info("storage closed")
	return nil
}

func (s *BadgerStore) checkOpen(op, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.NewStorageError(op, key, domain.ErrNotStarted)
	}
	return nil
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}
