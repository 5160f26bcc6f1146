package syncengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

const queuePrefix = "pq/"

// BadgerQueue persists pending operations on disk so they survive a
// process restart. Keys are pq/<20-digit position>/<clientOpId>, so a
// prefix scan yields submission order.
type BadgerQueue struct {
	db *badger.DB

	mu   sync.Mutex
	keys map[string][]byte
	next uint64
}

// BadgerOptions configures OpenBadgerQueue.
type BadgerOptions struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// Logger receives badger's internal logs; nil silences them.
	Logger *slog.Logger
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadgerQueue opens (or creates) a durable queue.
func OpenBadgerQueue(o BadgerOptions) (*BadgerQueue, error) {
	if !o.InMemory && o.Path == "" {
		return nil, errors.New("queue path is required")
	}

	var opts badger.Options
	if o.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(o.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create queue directory %s: %w", o.Path, err)
		}
		opts = badger.DefaultOptions(o.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if o.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: o.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	q := &BadgerQueue{db: db, keys: make(map[string][]byte)}
	if err := q.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *BadgerQueue) load() error {
	return q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(queuePrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			pos, opID, err := parseQueueKey(key)
			if err != nil {
				return err
			}
			q.keys[opID] = key
			if pos >= q.next {
				q.next = pos + 1
			}
		}
		return nil
	})
}

func queueKey(pos uint64, opID string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", queuePrefix, pos, opID))
}

func parseQueueKey(key []byte) (uint64, string, error) {
	rest := strings.TrimPrefix(string(key), queuePrefix)
	posStr, opID, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, "", fmt.Errorf("malformed queue key %q", key)
	}
	pos, err := strconv.ParseUint(posStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed queue key %q: %w", key, err)
	}
	return pos, opID, nil
}

func (q *BadgerQueue) Push(op PendingOperation) error {
	val, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode pending operation: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := queueKey(q.next, op.ClientOpID)
	if err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	}); err != nil {
		return fmt.Errorf("push pending operation: %w", err)
	}
	q.keys[op.ClientOpID] = key
	q.next++
	return nil
}

func (q *BadgerQueue) Update(op PendingOperation) error {
	val, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode pending operation: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key, ok := q.keys[op.ClientOpID]
	if !ok {
		return ErrOpNotFound
	}
	if err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	}); err != nil {
		return fmt.Errorf("update pending operation: %w", err)
	}
	return nil
}

func (q *BadgerQueue) Remove(clientOpID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key, ok := q.keys[clientOpID]
	if !ok {
		return ErrOpNotFound
	}
	if err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	}); err != nil {
		return fmt.Errorf("remove pending operation: %w", err)
	}
	delete(q.keys, clientOpID)
	return nil
}

func (q *BadgerQueue) List() ([]PendingOperation, error) {
	var out []PendingOperation
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: []byte(queuePrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var op PendingOperation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &op)
			}); err != nil {
				return fmt.Errorf("decode pending operation: %w", err)
			}
			out = append(out, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the underlying database.
func (q *BadgerQueue) Close() error {
	return q.db.Close()
}

var _ Queue = (*BadgerQueue)(nil)
