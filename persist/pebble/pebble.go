// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, werbenhu

// Package pebble provides a persistence backend on a pebble file store.
package pebble

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	pebbledb "github.com/cockroachdb/pebble"
	"github.com/mochi-mqtt/durable/persist"
	"github.com/mochi-mqtt/durable/persist/kv"
)

const (
	// defaultDbFile is the default file path for the pebble db file.
	defaultDbFile = ".pebble"
)

const (
	NoSync = "NoSync" // NoSync specifies the default write options for writes which do not synchronize to disk.
	Sync   = "Sync"   // Sync specifies the default write options for writes which synchronize to disk.
)

// keyUpperBound returns the upper bound for a given byte slice by incrementing the last byte.
// It returns nil if all bytes are incremented and equal to 0.
func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] = end[i] + 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Options contains configuration settings for the pebble DB instance.
type Options struct {
	Options *pebbledb.Options
	Mode    string `yaml:"mode" json:"mode"`
	Path    string `yaml:"path" json:"path"`
}

// Backend is a persistence backend using a pebble file store.
type Backend struct {
	kv.Backend
	config *Options     // options for configuring the pebble DB instance.
	db     *pebbledb.DB // the pebble DB instance
}

// ID returns the id of the backend.
func (b *Backend) ID() string {
	return "pebble"
}

// Init opens the pebble instance.
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
	if len(b.config.Path) == 0 {
		b.config.Path = defaultDbFile
	}

	if b.config.Options == nil {
		b.config.Options = &pebbledb.Options{}
	}

	if b.config.Options.Logger == nil {
		b.config.Options.Logger = b
	}

	mode := pebbledb.NoSync
	if strings.EqualFold(b.config.Mode, Sync) {
		mode = pebbledb.Sync
	}

	db, err := pebbledb.Open(b.config.Path, b.config.Options)
	if err != nil {
		return err
	}

	b.db = db
	b.Open(&store{db: db, mode: mode})
	return nil
}

// Stop closes the pebble instance.
func (b *Backend) Stop() error {
	b.db = nil
	return b.Close()
}

// Infof satisfies the pebble interface for an info logger.
func (b *Backend) Infof(m string, v ...any) {
	b.Log.Info(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...), "v", v)
}

// Fatalf satisfies the pebble interface for a fatal logger. Pebble does not
// expect it to return.
func (b *Backend) Fatalf(m string, v ...any) {
	msg := fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...)
	b.Log.Error(msg, "v", v)
	panic(msg)
}

// store adapts a pebble instance to kv.Store.
type store struct {
	db   *pebbledb.DB
	mode *pebbledb.WriteOptions // mode holds the write options for committed batches
}

// Apply performs all ops in a single pebble batch.
func (s *store) Apply(ops []kv.Op) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, op := range ops {
		var err error
		if op.Delete {
			err = batch.Delete(kv.Key(op.Kind, op.Key), nil)
		} else {
			err = batch.Set(kv.Key(op.Kind, op.Key), op.Value, nil)
		}

		if err != nil {
			return err
		}
	}

	return batch.Commit(s.mode)
}

// Get retrieves the value associated with a key.
func (s *store) Get(kind, key string) ([]byte, error) {
	value, closer, err := s.db.Get(kv.Key(kind, key))
	if errors.Is(err, pebbledb.ErrNotFound) {
		return nil, kv.ErrKeyNotFound
	}

	if err != nil {
		return nil, err
	}

	defer closer.Close()
	return bytes.Clone(value), nil
}

// Iterate visits every key of a kind in key order.
func (s *store) Iterate(kind string, fn func(key string, value []byte) error) error {
	prefix := kv.Prefix(kind)
	iter, err := s.db.NewIter(&pebbledb.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(kv.TrimKey(kind, iter.Key()), bytes.Clone(iter.Value())); err != nil {
			return err
		}
	}

	return iter.Error()
}

// Close closes the pebble instance.
func (s *store) Close() error {
	return s.db.Close()
}
