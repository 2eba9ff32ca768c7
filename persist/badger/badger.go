// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, gsagula, werbenhu

// Package badger provides a persistence backend on a BadgerDB file store.
package badger

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/mochi-mqtt/durable/persist"
	"github.com/mochi-mqtt/durable/persist/kv"
)

const (
	// defaultDbFile is the default file path for the badger db file.
	defaultDbFile         = ".badger"
	defaultGcInterval     = 5 * 60 // gc interval in seconds
	defaultGcDiscardRatio = 0.5
)

// Options contains configuration settings for the BadgerDB instance.
type Options struct {
	Options *badgerdb.Options
	Path    string `yaml:"path" json:"path"`
	// GcDiscardRatio specifies the ratio of log discard compared to the maximum possible log discard.
	// It must be in the range (0.0, 1.0), both endpoints excluded, otherwise the default of 0.5 is used.
	GcDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio"`
	GcInterval     int64   `yaml:"gc_interval" json:"gc_interval"`
}

// Backend is a persistence backend using a BadgerDB file store.
type Backend struct {
	kv.Backend
	config   *Options
	gcTicker *time.Ticker
	done     chan struct{}
	db       *badgerdb.DB
}

// ID returns the id of the backend.
func (b *Backend) ID() string {
	return "badger"
}

// gcLoop periodically reclaims space in the value log files.
// Refer to: https://dgraph.io/docs/badger/get-started/#garbage-collection
func (b *Backend) gcLoop(db *badgerdb.DB, ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for db.RunValueLogGC(b.config.GcDiscardRatio) == nil {
			}
		}
	}
}

// Init opens the badger instance.
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

	if b.config.GcInterval == 0 {
		b.config.GcInterval = defaultGcInterval
	}

	if b.config.GcDiscardRatio <= 0.0 || b.config.GcDiscardRatio >= 1.0 {
		b.config.GcDiscardRatio = defaultGcDiscardRatio
	}

	if b.config.Options == nil {
		defaultOpts := badgerdb.DefaultOptions(b.config.Path)
		b.config.Options = &defaultOpts
	}
	b.config.Options.Logger = b

	db, err := badgerdb.Open(*b.config.Options)
	if err != nil {
		return err
	}

	b.db = db
	b.Open(&store{db: db})
	b.gcTicker = time.NewTicker(time.Duration(b.config.GcInterval) * time.Second)
	b.done = make(chan struct{})
	go b.gcLoop(db, b.gcTicker, b.done)

	return nil
}

// Stop closes the badger instance.
func (b *Backend) Stop() error {
	if b.gcTicker != nil {
		b.gcTicker.Stop()
		close(b.done)
		b.gcTicker = nil
	}

	b.db = nil
	return b.Close()
}

// Errorf satisfies the badger interface for an error logger.
func (b *Backend) Errorf(m string, v ...any) {
	b.Log.Error(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...), "v", v)
}

// Warningf satisfies the badger interface for a warning logger.
func (b *Backend) Warningf(m string, v ...any) {
	b.Log.Warn(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...), "v", v)
}

// Infof satisfies the badger interface for an info logger.
func (b *Backend) Infof(m string, v ...any) {
	b.Log.Info(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...), "v", v)
}

// Debugf satisfies the badger interface for a debug logger.
func (b *Backend) Debugf(m string, v ...any) {
	b.Log.Debug(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...), "v", v)
}

// store adapts a badger instance to kv.Store.
type store struct {
	db *badgerdb.DB
}

// Apply performs all ops in a single badger transaction.
func (s *store) Apply(ops []kv.Op) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		for _, op := range ops {
			var err error
			if op.Delete {
				err = txn.Delete(kv.Key(op.Kind, op.Key))
			} else {
				err = txn.Set(kv.Key(op.Kind, op.Key), op.Value)
			}

			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Get retrieves the value associated with a key.
func (s *store) Get(kind, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(kv.Key(kind, key))
		if err != nil {
			return err
		}

		value, err = item.ValueCopy(nil)
		return err
	})

	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, kv.ErrKeyNotFound
	}

	return value, err
}

// Iterate visits every key of a kind in key order.
func (s *store) Iterate(kind string, fn func(key string, value []byte) error) error {
	prefix := kv.Prefix(kind)
	return s.db.View(func(txn *badgerdb.Txn) error {
		iterator := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer iterator.Close()

		for iterator.Seek(prefix); iterator.ValidForPrefix(prefix); iterator.Next() {
			item := iterator.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			if err := fn(kv.TrimKey(kind, item.KeyCopy(nil)), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the badger instance.
func (s *store) Close() error {
	return s.db.Close()
}
