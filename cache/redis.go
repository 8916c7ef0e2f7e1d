package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// putScript writes an entry only if its store is still registered.
var putScript = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) == false then
	return 0
end
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// RedisStorage keeps cache stores in Redis.
// Store names are members of the sorted set "<ns>:stores" (scored by creation time),
// each store's entries are fields of the hash "<ns>:store:<name>".
type RedisStorage struct {
	client    redis.UniversalClient
	clock     *clock
	namespace string
}

func NewRedisStorage(client redis.UniversalClient, namespace string) (*RedisStorage, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace must not be empty")
	}
	return &RedisStorage{
		client:    client,
		clock:     &clock{},
		namespace: namespace,
	}, nil
}

func (r *RedisStorage) storesKey() string {
	return r.namespace + ":stores"
}

func (r *RedisStorage) storeKey(name string) string {
	return r.namespace + ":store:" + name
}

func (r *RedisStorage) Open(ctx context.Context, name string) (Store, error) {
	err := r.client.ZAddNX(ctx, r.storesKey(), redis.Z{
		Score:  float64(r.clock.now().UnixMicro()),
		Member: name,
	}).Err()
	if err != nil {
		return nil, err
	}
	return r.Store(name), nil
}

func (r *RedisStorage) Store(name string) Store {
	return redisStore{storage: r, name: name}
}

func (r *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := r.client.ZScore(ctx, r.storesKey(), name).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, err
}

func (r *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, r.storesKey(), name)
		pipe.Del(ctx, r.storeKey(name))
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

// Names returns stores ordered by score; equal scores sort by name.
func (r *RedisStorage) Names(ctx context.Context) ([]string, error) {
	return r.client.ZRange(ctx, r.storesKey(), 0, -1).Result()
}

type redisStore struct {
	storage *RedisStorage
	name    string
}

func (s redisStore) Name() string {
	return s.name
}

func (s redisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	b, err := s.storage.client.HGet(ctx, s.storage.storeKey(s.name), key).Bytes()
	if errors.Is(err, redis.Nil) {
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

func (s redisStore) Put(ctx context.Context, key string, b []byte) error {
	value := append(encodeTime(s.storage.clock.now()), b...)
	written, err := putScript.Run(ctx, s.storage.client,
		[]string{s.storage.storesKey(), s.storage.storeKey(s.name)},
		s.name, key, value).Int()
	if err != nil {
		return err
	}
	if written == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s redisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.storage.client.HDel(ctx, s.storage.storeKey(s.name), key).Result()
	return n > 0, err
}

func (s redisStore) Keys(ctx context.Context) ([]string, error) {
	values, err := s.storage.client.HGetAll(ctx, s.storage.storeKey(s.name)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(values))
	for key, value := range values {
		storedAt, err := decodeTime([]byte(value))
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Key: key, StoredAt: storedAt})
	}
	return sortEntries(entries), nil
}
