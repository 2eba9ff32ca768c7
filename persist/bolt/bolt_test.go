// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package bolt

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mochi-mqtt/durable/persist"
	"github.com/mochi-mqtt/durable/persist/kv"
	"github.com/mochi-mqtt/durable/persist/persisttest"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, nil))

func newBackend(t *testing.T, path string) *Backend {
	t.Helper()
	b := new(Backend)
	b.SetOpts(logger)
	require.NoError(t, b.Init(&Options{Path: path}))
	return b
}

func TestID(t *testing.T) {
	b := new(Backend)
	require.Equal(t, "bolt", b.ID())
}

func TestInitBadConfig(t *testing.T) {
	b := new(Backend)
	b.SetOpts(logger)
	require.ErrorIs(t, b.Init(map[string]any{}), persist.ErrInvalidConfigType)
}

func TestInitUseDefaults(t *testing.T) {
	b := new(Backend)
	b.SetOpts(logger)
	opts := &Options{Path: filepath.Join(t.TempDir(), "db")}
	require.NoError(t, b.Init(opts))
	defer b.Stop()

	require.Equal(t, defaultBucket, opts.Bucket)
	require.Equal(t, defaultTimeout, opts.Options.Timeout)
}

func TestInitLockedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	b := newBackend(t, path)
	defer b.Stop()

	other := new(Backend)
	other.SetOpts(logger)
	err := other.Init(&Options{Path: path, Options: &bbolt.Options{Timeout: 10 * time.Millisecond}})
	require.Error(t, err)
}

func TestSuite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	persisttest.Run(t, func(t *testing.T) persist.Backend {
		return newBackend(t, path)
	})
}

func TestStore(t *testing.T) {
	b := newBackend(t, filepath.Join(t.TempDir(), "db"))
	defer b.Stop()

	s := &store{db: b.db, bucket: []byte(defaultBucket)}
	_, err := s.Get(kv.ClientKey, "nobody")
	require.ErrorIs(t, err, kv.ErrKeyNotFound)

	require.NoError(t, s.Apply([]kv.Op{
		{Kind: kv.ClientKey, Key: "b", Value: []byte("2")},
		{Kind: kv.ClientKey, Key: "a", Value: []byte("1")},
		{Kind: kv.InflightKey, Key: "a", Value: []byte("3")},
	}))

	v, err := s.Get(kv.ClientKey, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	keys := []string{}
	require.NoError(t, s.Iterate(kv.ClientKey, func(key string, value []byte) error {
		keys = append(keys, key)
		return nil
	}))
	require.Equal(t, []string{"a", "b"}, keys)
}

func TestStoreMissingBucket(t *testing.T) {
	b := newBackend(t, filepath.Join(t.TempDir(), "db"))
	defer b.Stop()

	s := &store{db: b.db, bucket: []byte("other")}
	require.ErrorIs(t, s.Apply([]kv.Op{{Kind: kv.ClientKey, Key: "a"}}), ErrBucketNotFound)
	_, err := s.Get(kv.ClientKey, "a")
	require.ErrorIs(t, err, ErrBucketNotFound)
	require.ErrorIs(t, s.Iterate(kv.ClientKey, nil), ErrBucketNotFound)
}
