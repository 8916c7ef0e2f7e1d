package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const keySeparator = "\x00"

// LevelDBStorage keeps cache stores in a LevelDB database.
// Store markers live under "<ns>/s/<name>", entries under "<ns>/e/<name>\x00<key>".
type LevelDBStorage struct {
	db        *leveldb.DB
	mutex     *sync.Mutex
	clock     *clock
	storesPfx string
	entryPfx  string
}

// OpenLevelDB opens (or creates) the LevelDB database in the given directory.
func OpenLevelDB(path string) (*leveldb.DB, error) {
	return leveldb.OpenFile(path, nil)
}

func NewLevelDBStorage(db *leveldb.DB, namespace string) (*LevelDBStorage, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace must not be empty")
	}
	return &LevelDBStorage{
		db:        db,
		mutex:     &sync.Mutex{},
		clock:     &clock{},
		storesPfx: namespace + "/s/",
		entryPfx:  namespace + "/e/",
	}, nil
}

func (l *LevelDBStorage) storeKey(name string) []byte {
	return []byte(l.storesPfx + name)
}

func (l *LevelDBStorage) entriesPrefix(name string) []byte {
	return []byte(l.entryPfx + name + keySeparator)
}

func (l *LevelDBStorage) entryKey(name, key string) []byte {
	return []byte(l.entryPfx + name + keySeparator + key)
}

func (l *LevelDBStorage) Open(ctx context.Context, name string) (Store, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	ok, err := l.db.Has(l.storeKey(name), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := l.db.Put(l.storeKey(name), encodeTime(l.clock.now()), nil); err != nil {
			return nil, err
		}
	}
	return l.Store(name), nil
}

func (l *LevelDBStorage) Store(name string) Store {
	return levelDBStore{storage: l, name: name}
}

func (l *LevelDBStorage) Has(ctx context.Context, name string) (bool, error) {
	return l.db.Has(l.storeKey(name), nil)
}

func (l *LevelDBStorage) Delete(ctx context.Context, name string) (bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	ok, err := l.db.Has(l.storeKey(name), nil)
	if err != nil || !ok {
		return false, err
	}
	batch := new(leveldb.Batch)
	it := l.db.NewIterator(util.BytesPrefix(l.entriesPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete(l.storeKey(name))
	return true, l.db.Write(batch, nil)
}

func (l *LevelDBStorage) Names(ctx context.Context) ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(l.storesPfx)), nil)
	defer it.Release()
	stores := make([]Entry, 0)
	for it.Next() {
		created, _ := decodeTime(it.Value())
		stores = append(stores, Entry{
			Key:      string(bytes.TrimPrefix(it.Key(), []byte(l.storesPfx))),
			StoredAt: created,
		})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return sortEntries(stores), nil
}

type levelDBStore struct {
	storage *LevelDBStorage
	name    string
}

func (s levelDBStore) Name() string {
	return s.name
}

func (s levelDBStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	b, err := s.storage.db.Get(s.storage.entryKey(s.name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	storedAt, err := decodeTime(b)
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: key, StoredAt: storedAt, Bytes: b[8:]}, true, nil
}

func (s levelDBStore) Put(ctx context.Context, key string, b []byte) error {
	s.storage.mutex.Lock()
	defer s.storage.mutex.Unlock()
	ok, err := s.storage.db.Has(s.storage.storeKey(s.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStoreNotFound
	}
	value := append(encodeTime(s.storage.clock.now()), b...)
	return s.storage.db.Put(s.storage.entryKey(s.name, key), value, nil)
}

func (s levelDBStore) Delete(ctx context.Context, key string) (bool, error) {
	s.storage.mutex.Lock()
	defer s.storage.mutex.Unlock()
	ok, err := s.storage.db.Has(s.storage.entryKey(s.name, key), nil)
	if err != nil || !ok {
		return false, err
	}
	return true, s.storage.db.Delete(s.storage.entryKey(s.name, key), nil)
}

func (s levelDBStore) Keys(ctx context.Context) ([]string, error) {
	prefix := s.storage.entriesPrefix(s.name)
	it := s.storage.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	entries := make([]Entry, 0)
	for it.Next() {
		storedAt, err := decodeTime(it.Value())
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Key:      string(bytes.TrimPrefix(it.Key(), prefix)),
			StoredAt: storedAt,
		})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return sortEntries(entries), nil
}

func encodeTime(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

func decodeTime(b []byte) (time.Time, error) {
	if len(b) < 8 {
		return time.Time{}, fmt.Errorf("corrupt entry: %d bytes", len(b))
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b[:8]))), nil
}
