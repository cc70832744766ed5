package emissionlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	prefixEntry = []byte("E:") // E:<index BE> -> JSON entry
	keyMetaLen  = []byte("M:len")
)

// LevelDBLog is an embedded durable Log.
type LevelDBLog struct {
	mu   sync.RWMutex
	db   *leveldb.DB
	tail *Entry
}

// NewLevelDB opens or creates a LevelDBLog at path.
func NewLevelDB(path string) (*LevelDBLog, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{NoSync: false})
	if err != nil {
		return nil, fmt.Errorf("opening leveldb: %w", err)
	}
	l := &LevelDBLog{db: db}
	if err := l.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading tail: %w", err)
	}
	return l, nil
}

func (l *LevelDBLog) load() error {
	data, err := l.db.Get(keyMetaLen, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		g := genesis(now())
		return l.write(g)
	}
	if err != nil {
		return err
	}
	n := binary.BigEndian.Uint64(data)
	if n == 0 {
		return fmt.Errorf("corrupt length metadata")
	}
	l.tail, err = l.read(int(n - 1))
	return err
}

func (l *LevelDBLog) write(e *Entry) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(entryKey(e.Index), value)
	batch.Put(keyMetaLen, encodeUint64(uint64(e.Index+1)))
	if err := l.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("writing entry: %w", err)
	}
	l.tail = e
	return nil
}

func (l *LevelDBLog) read(index int) (*Entry, error) {
	data, err := l.db.Get(entryKey(index), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entry %d: %w", index, err)
	}
	return &e, nil
}

// Append implements Log.
func (l *LevelDBLog) Append(_ context.Context, rec Record) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := chain(l.tail, rec, now())
	if err := l.write(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Get implements Log.
func (l *LevelDBLog) Get(_ context.Context, index int) (*Entry, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.read(index)
}

// List implements Log.
func (l *LevelDBLog) List(_ context.Context, from, limit int) ([]*Entry, error) {
	if from < 0 || limit <= 0 {
		return nil, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.scan(from, limit)
}

func (l *LevelDBLog) scan(from, limit int) ([]*Entry, error) {
	iter := l.db.NewIterator(&util.Range{Start: entryKey(from), Limit: util.BytesPrefix(prefixEntry).Limit}, nil)
	defer iter.Release()

	var out []*Entry
	for iter.Next() && (limit < 0 || len(out) < limit) {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, iter.Error()
}

// Len implements Log.
func (l *LevelDBLog) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tail.Index + 1, nil
}

// Verify implements Log.
func (l *LevelDBLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries, err := l.scan(0, -1)
	if err != nil {
		return err
	}
	var v chainVerifier
	for _, e := range entries {
		if err := v.next(e); err != nil {
			return err
		}
	}
	if v.prev == nil || v.prev.Hash != l.tail.Hash {
		return &ChainError{Index: l.tail.Index, Reason: "stored chain ends before recorded tail"}
	}
	return nil
}

// Root implements Log.
func (l *LevelDBLog) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tail.Hash, nil
}

// Close implements Log.
func (l *LevelDBLog) Close() error { return l.db.Close() }

func entryKey(index int) []byte {
	key := make([]byte, len(prefixEntry)+8)
	copy(key, prefixEntry)
	binary.BigEndian.PutUint64(key[len(prefixEntry):], uint64(index))
	return key
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
