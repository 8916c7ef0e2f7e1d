package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shellcache/shellcache/cache"
	"github.com/shellcache/shellcache/internal/config"
)

// storages are the cache generations and the outbox, opened on one backend.
type storages struct {
	generations cache.Storage
	outbox      cache.Storage
	closers     []func() error
}

func (s *storages) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openStorage(ctx context.Context, cfg config.Config) (*storages, error) {
	sc := cfg.Storage
	s := &storages{}
	var err error

	switch sc.Driver {
	case config.DriverMemory:
		s.generations = cache.NewMemStorage()
		s.outbox = cache.NewMemStorage()

	case config.DriverSQLite:
		db, err := cache.OpenSQLite(sc.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", sc.Path, err)
		}
		s.closers = append(s.closers, db.Close)
		if s.generations, err = cache.NewSQLiteStorage(db, sc.Namespace); err != nil {
			s.Close()
			return nil, err
		}
		if s.outbox, err = cache.NewSQLiteStorage(db, cfg.OutboxNamespace()); err != nil {
			s.Close()
			return nil, err
		}

	case config.DriverLevelDB:
		db, err := cache.OpenLevelDB(sc.Path)
		if err != nil {
			return nil, fmt.Errorf("open leveldb %s: %w", sc.Path, err)
		}
		s.closers = append(s.closers, db.Close)
		if s.generations, err = cache.NewLevelDBStorage(db, sc.Namespace); err != nil {
			s.Close()
			return nil, err
		}
		if s.outbox, err = cache.NewLevelDBStorage(db, cfg.OutboxNamespace()); err != nil {
			s.Close()
			return nil, err
		}

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		s.closers = append(s.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			s.Close()
			return nil, fmt.Errorf("redis %s: %w", sc.Redis.Addr, err)
		}
		if s.generations, err = cache.NewRedisStorage(client, sc.Namespace); err != nil {
			s.Close()
			return nil, err
		}
		if s.outbox, err = cache.NewRedisStorage(client, cfg.OutboxNamespace()); err != nil {
			s.Close()
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", sc.Driver)
	}
	return s, nil
}
