// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package null

import (
	"testing"

	"github.com/mochi-mqtt/durable/persist"
	"github.com/mochi-mqtt/durable/storage"
	"github.com/stretchr/testify/require"
)

func TestBackend(t *testing.T) {
	var b persist.Backend = new(Backend)
	require.Equal(t, "null", b.ID())
	require.NoError(t, b.Init(nil))
	require.NoError(t, b.MsgStoreAdd(storage.StoredMessage{ID: 1, Topic: "t"}))
	require.NoError(t, b.MsgStoreRestore(nil))
	require.NoError(t, b.Stop())
}
