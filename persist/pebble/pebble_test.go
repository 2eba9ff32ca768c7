// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package pebble

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	pebbledb "github.com/cockroachdb/pebble"
	"github.com/mochi-mqtt/durable/persist"
	"github.com/mochi-mqtt/durable/persist/kv"
	"github.com/mochi-mqtt/durable/persist/persisttest"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, nil))

func newBackend(t *testing.T, opts *Options) *Backend {
	t.Helper()
	b := new(Backend)
	b.SetOpts(logger)
	require.NoError(t, b.Init(opts))
	return b
}

func TestKeyUpperBound(t *testing.T) {
	require.Equal(t, []byte("CL`"), keyUpperBound([]byte("CL_")))
	require.Equal(t, []byte{0x01}, keyUpperBound([]byte{0x00, 0xff}))
	require.Nil(t, keyUpperBound([]byte{0xff, 0xff}))
}

func TestID(t *testing.T) {
	b := new(Backend)
	require.Equal(t, "pebble", b.ID())
}

func TestInitBadConfig(t *testing.T) {
	b := new(Backend)
	b.SetOpts(logger)
	require.ErrorIs(t, b.Init(map[string]any{}), persist.ErrInvalidConfigType)
}

func TestInitSyncMode(t *testing.T) {
	b := newBackend(t, &Options{Path: filepath.Join(t.TempDir(), "db"), Mode: "sync"})
	defer b.Stop()
	require.Equal(t, b, b.config.Options.Logger)
}

func TestSuite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	persisttest.Run(t, func(t *testing.T) persist.Backend {
		return newBackend(t, &Options{Path: path, Mode: Sync})
	})
}

func TestStore(t *testing.T) {
	b := newBackend(t, &Options{Path: filepath.Join(t.TempDir(), "db")})
	defer b.Stop()

	s := &store{db: b.db, mode: pebbledb.NoSync}
	_, err := s.Get(kv.RetainedKey, "1")
	require.ErrorIs(t, err, kv.ErrKeyNotFound)

	require.NoError(t, s.Apply([]kv.Op{
		{Kind: kv.RetainedKey, Key: "2", Value: []byte("2")},
		{Kind: kv.RetainedKey, Key: "1", Value: []byte("1")},
		{Kind: kv.MessageKey, Key: "1", Value: []byte("m")},
		{Kind: kv.RetainedKey, Key: "2", Delete: true},
	}))

	v, err := s.Get(kv.MessageKey, "1")
	require.NoError(t, err)
	require.Equal(t, []byte("m"), v)

	keys := []string{}
	require.NoError(t, s.Iterate(kv.RetainedKey, func(key string, value []byte) error {
		keys = append(keys, key)
		return nil
	}))
	require.Equal(t, []string{"1"}, keys)
}

func TestLoggers(t *testing.T) {
	b := new(Backend)
	b.SetOpts(logger)
	var l pebbledb.Logger = b
	l.Infof("Info %s\n", "x")
	require.Panics(t, func() {
		l.Fatalf("Fatal %s", "x")
	})
}
