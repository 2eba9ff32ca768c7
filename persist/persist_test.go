// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package persist

import (
	"log/slog"
	"os"
	"testing"

	"github.com/mochi-mqtt/durable/storage"
	"github.com/stretchr/testify/require"
)

func TestBaseID(t *testing.T) {
	b := new(Base)
	require.Equal(t, "base", b.ID())
}

func TestBaseSetOpts(t *testing.T) {
	b := new(Base)
	l := slog.New(slog.NewTextHandler(os.Stdout, nil))
	b.SetOpts(l)
	require.Same(t, l, b.Log)
}

func TestBaseNoop(t *testing.T) {
	var b Backend = new(Base)
	require.NoError(t, b.Init(nil))
	require.NoError(t, b.ConfigRestore(nil))
	require.NoError(t, b.MsgStoreAdd(storage.StoredMessage{}))
	require.NoError(t, b.MsgStoreDelete(1))
	require.NoError(t, b.MsgStoreRestore(nil))
	require.NoError(t, b.RetainAdd(1))
	require.NoError(t, b.RetainDelete(1))
	require.NoError(t, b.RetainRestore(nil))
	require.NoError(t, b.ClientAdd(storage.ClientSession{}))
	require.NoError(t, b.ClientDelete("c"))
	require.NoError(t, b.ClientRestore(nil))
	require.NoError(t, b.SubscriptionAdd(storage.Subscription{}))
	require.NoError(t, b.SubscriptionDelete("c", "f"))
	require.NoError(t, b.SubscriptionRestore(nil))
	require.NoError(t, b.ClientMsgAdd(storage.ClientMessage{}))
	require.NoError(t, b.ClientMsgDelete("c", 1, storage.DirectionOut))
	require.NoError(t, b.ClientMsgUpdate("c", 1, storage.DirectionOut, storage.StateQueued, false))
	require.NoError(t, b.ClientMsgRestore(nil))
	require.NoError(t, b.TransactionBegin())
	require.NoError(t, b.TransactionEnd())
	require.NoError(t, b.Stop())
}

func TestParseOptions(t *testing.T) {
	o, err := ParseOptions([]string{"Path = /tmp/db", "sync=true", "n=3", "empty="})
	require.NoError(t, err)
	require.Equal(t, "/tmp/db", o.String("path", ""))
	require.Equal(t, "x", o.String("missing", "x"))
	require.True(t, o.Bool("sync", false))
	require.True(t, o.Bool("path", true))
	require.Equal(t, 3, o.Int("n", 0))
	require.Equal(t, 7, o.Int("path", 7))
	require.Equal(t, "", o.String("empty", "x"))
}

func TestParseOptionsInvalid(t *testing.T) {
	_, err := ParseOptions([]string{"novalue"})
	require.Error(t, err)

	_, err = ParseOptions([]string{"=v"})
	require.Error(t, err)
}
