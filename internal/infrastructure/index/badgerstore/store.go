package badgerstore

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

const maxPendingWrites = 256

// Store is the durable home of index entries. Keys are namespaced by the
// owning index ("vec/", "lex/") so one database backs both indexes.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// Open opens (or creates) the store at path. inMemory is used by tests.
func Open(path string, inMemory bool, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
		// index entries must be durable before the dedup row that points at them
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	opts.Logger = &badgerLoggerAdapter{logger: logger.With("component", "badger")}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("badger put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete %s: %w", key, err)
	}
	return nil
}

// Iterate calls fn for every key under prefix in key order. value is a copy.
func (s *Store) Iterate(prefix string, fn func(key string, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read %s: %w", item.Key(), err)
			}
			if err := fn(string(item.KeyCopy(nil)), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Backup streams a full snapshot suitable for object storage.
func (s *Store) Backup(w io.Writer) (uint64, error) {
	version, err := s.db.Backup(w, 0)
	if err != nil {
		return 0, fmt.Errorf("badger backup: %w", err)
	}
	s.logger.Info("index_snapshot_written", "version", version)
	return version, nil
}

// Restore loads a snapshot produced by Backup. Indexes must be reloaded afterwards.
func (s *Store) Restore(r io.Reader) error {
	if err := s.db.Load(r, maxPendingWrites); err != nil {
		return fmt.Errorf("badger restore: %w", err)
	}
	s.logger.Info("index_snapshot_restored")
	return nil
}
