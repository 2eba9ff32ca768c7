// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package redis provides a persistence backend on a redis service, keeping one
// hash per record kind.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	redis "github.com/go-redis/redis/v8"
	"github.com/mochi-mqtt/durable/persist"
	"github.com/mochi-mqtt/durable/persist/kv"
)

// defaultAddr is the default address to the redis service.
const defaultAddr = "localhost:6379"

// defaultHPrefix is a prefix to better identify hsets created by mochi mqtt.
const defaultHPrefix = "mochi-"

// Options contains configuration settings for the redis service.
type Options struct {
	HPrefix string         `yaml:"h_prefix" json:"h_prefix"`
	Address string         `yaml:"address" json:"address"`
	Options *redis.Options `yaml:"-" json:"-"`
}

// Backend is a persistence backend using redis.
type Backend struct {
	kv.Backend
	config *Options      // options for connecting to the redis instance.
	db     *redis.Client // the redis instance
}

// ID returns the id of the backend.
func (b *Backend) ID() string {
	return "redis"
}

// Init connects to the redis service.
func (b *Backend) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return persist.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	if b.Log == nil {
		b.Log = slog.Default()
	}

	b.config = config.(*Options)
	if b.config.Options == nil {
		addr := b.config.Address
		if addr == "" {
			addr = defaultAddr
		}
		b.config.Options = &redis.Options{Addr: addr}
	}

	if b.config.HPrefix == "" {
		b.config.HPrefix = defaultHPrefix
	}

	b.Log.Info("connecting to redis service",
		"address", b.config.Options.Addr,
		"username", b.config.Options.Username,
		"password-len", len(b.config.Options.Password),
		"db", b.config.Options.DB)

	db := redis.NewClient(b.config.Options)
	ctx := context.Background()
	if _, err := db.Ping(ctx).Result(); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping service: %w", err)
	}

	b.Log.Info("connected to redis service")
	b.db = db
	b.Open(&store{db: db, ctx: ctx, prefix: b.config.HPrefix})
	return nil
}

// Stop closes the redis connection.
func (b *Backend) Stop() error {
	if b.db != nil {
		b.Log.Info("disconnecting from redis service")
	}

	b.db = nil
	return b.Close()
}

// store adapts a redis client to kv.Store.
type store struct {
	db     *redis.Client
	ctx    context.Context
	prefix string
}

// hKey returns a hash set key with a unique prefix.
func (s *store) hKey(kind string) string {
	return s.prefix + kind
}

// Apply performs all ops in a single MULTI/EXEC block.
func (s *store) Apply(ops []kv.Op) error {
	_, err := s.db.TxPipelined(s.ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			if op.Delete {
				pipe.HDel(s.ctx, s.hKey(op.Kind), op.Key)
			} else {
				pipe.HSet(s.ctx, s.hKey(op.Kind), op.Key, op.Value)
			}
		}
		return nil
	})
	return err
}

// Get retrieves the value associated with a key.
func (s *store) Get(kind, key string) ([]byte, error) {
	v, err := s.db.HGet(s.ctx, s.hKey(kind), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kv.ErrKeyNotFound
	}

	return v, err
}

// Iterate visits every key of a kind in key order.
func (s *store) Iterate(kind string, fn func(key string, value []byte) error) error {
	rows, err := s.db.HGetAll(s.ctx, s.hKey(kind)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := fn(k, []byte(rows[k])); err != nil {
			return err
		}
	}

	return nil
}

// Close closes the redis connection.
func (s *store) Close() error {
	return s.db.Close()
}
