// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, werbenhu

// Package bolt provides a persistence backend on a bbolt file store.
package bolt

import (
	"bytes"
	"errors"
	"log/slog"
	"time"

	"github.com/mochi-mqtt/durable/persist"
	"github.com/mochi-mqtt/durable/persist/kv"
	"go.etcd.io/bbolt"
)

var (
	ErrBucketNotFound = errors.New("bucket not found")
)

const (
	// defaultDbFile is the default file path for the boltdb file.
	defaultDbFile = ".bolt"

	// defaultTimeout is the default time to hold a connection to the file.
	defaultTimeout = 250 * time.Millisecond

	defaultBucket = "mochi"
)

// Options contains configuration settings for the bolt instance.
type Options struct {
	Options *bbolt.Options
	Bucket  string `yaml:"bucket" json:"bucket"`
	Path    string `yaml:"path" json:"path"`
}

// Backend is a persistence backend using a boltdb file store.
type Backend struct {
	kv.Backend
	config *Options  // options for configuring the boltdb instance.
	db     *bbolt.DB // the boltdb instance.
}

// ID returns the id of the backend.
func (b *Backend) ID() string {
	return "bolt"
}

// Init opens the boltdb instance and creates the bucket.
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
		b.config.Options = &bbolt.Options{
			Timeout: defaultTimeout,
		}
	}

	if len(b.config.Path) == 0 {
		b.config.Path = defaultDbFile
	}

	if len(b.config.Bucket) == 0 {
		b.config.Bucket = defaultBucket
	}

	db, err := bbolt.Open(b.config.Path, 0600, b.config.Options)
	if err != nil {
		return err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(b.config.Bucket))
		return err
	})
	if err != nil {
		db.Close()
		return err
	}

	b.db = db
	b.Open(&store{db: db, bucket: []byte(b.config.Bucket)})
	return nil
}

// Stop closes the boltdb instance.
func (b *Backend) Stop() error {
	b.db = nil
	return b.Close()
}

// store adapts a bbolt bucket to kv.Store.
type store struct {
	db     *bbolt.DB
	bucket []byte
}

// Apply performs all ops in a single bolt transaction.
func (s *store) Apply(ops []kv.Op) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return ErrBucketNotFound
		}

		for _, op := range ops {
			var err error
			if op.Delete {
				err = bucket.Delete(kv.Key(op.Kind, op.Key))
			} else {
				err = bucket.Put(kv.Key(op.Kind, op.Key), op.Value)
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
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return ErrBucketNotFound
		}

		v := bucket.Get(kv.Key(kind, key))
		if v == nil {
			return kv.ErrKeyNotFound
		}

		value = bytes.Clone(v)
		return nil
	})

	return value, err
}

// Iterate visits every key of a kind in key order.
func (s *store) Iterate(kind string, fn func(key string, value []byte) error) error {
	prefix := kv.Prefix(kind)
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return ErrBucketNotFound
		}

		c := bucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(kv.TrimKey(kind, k), bytes.Clone(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the boltdb instance.
func (s *store) Close() error {
	return s.db.Close()
}
