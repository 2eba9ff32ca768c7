// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package persisttest provides a recording loader and a common set of tests
// which every persistence backend must pass.
package persisttest

import (
	"testing"

	"github.com/mochi-mqtt/durable/persist"
	"github.com/mochi-mqtt/durable/storage"
	"github.com/stretchr/testify/require"
)

// Recorder is a persist.Loader which records everything it is given.
type Recorder struct {
	Config         persist.Config
	Messages       []storage.StoredMessage
	Retained       []uint64
	Clients        []storage.ClientSession
	Subscriptions  []storage.Subscription
	ClientMessages []storage.ClientMessage
}

// ConfigLoad records the database metadata.
func (r *Recorder) ConfigLoad(cfg persist.Config) error {
	r.Config = cfg
	return nil
}

// MsgStoreLoad records a stored message.
func (r *Recorder) MsgStoreLoad(msg storage.StoredMessage) error {
	r.Messages = append(r.Messages, msg)
	return nil
}

// RetainLoad records a retained store id.
func (r *Recorder) RetainLoad(storeID uint64) error {
	r.Retained = append(r.Retained, storeID)
	return nil
}

// ClientLoad records a client session.
func (r *Recorder) ClientLoad(session storage.ClientSession) error {
	r.Clients = append(r.Clients, session)
	return nil
}

// SubscriptionLoad records a subscription.
func (r *Recorder) SubscriptionLoad(sub storage.Subscription) error {
	r.Subscriptions = append(r.Subscriptions, sub)
	return nil
}

// ClientMsgLoad records a client message.
func (r *Recorder) ClientMsgLoad(cm storage.ClientMessage) error {
	r.ClientMessages = append(r.ClientMessages, cm)
	return nil
}

// Restore replays every record of a backend into a new Recorder, in restore order.
func Restore(t *testing.T, b persist.Backend) *Recorder {
	t.Helper()
	r := new(Recorder)
	require.NoError(t, b.ConfigRestore(r))
	require.NoError(t, b.MsgStoreRestore(r))
	require.NoError(t, b.RetainRestore(r))
	require.NoError(t, b.ClientRestore(r))
	require.NoError(t, b.SubscriptionRestore(r))
	require.NoError(t, b.ClientMsgRestore(r))
	return r
}

var (
	// Message is a stored message used by the common tests.
	Message = storage.StoredMessage{
		ID:        7,
		SourceID:  "c1",
		SourceMID: 11,
		MID:       12,
		Topic:     "a/b",
		Qos:       1,
		Retain:    true,
		Payload:   []byte{1, 2, 3},
	}

	// Session is a client session used by the common tests.
	Session = storage.ClientSession{ID: "c1", LastMID: 12, DisconnectTime: 1700000000}

	// Subscription is a subscription used by the common tests.
	Subscription = storage.Subscription{Client: "c1", Filter: "a/#", Qos: 2}

	// ClientMessage is a client message used by the common tests.
	ClientMessage = storage.ClientMessage{
		Client:    "c1",
		StoreID:   7,
		MID:       12,
		Qos:       1,
		Retain:    true,
		Direction: storage.DirectionOut,
		State:     storage.StateWaitForPuback,
		Dup:       false,
	}
)

// Run runs the common backend tests. open must return an initialised backend
// over the same underlying database each time it is called.
func Run(t *testing.T, open func(t *testing.T) persist.Backend) {
	t.Run("round trip", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.MsgStoreAdd(Message))
		require.NoError(t, b.RetainAdd(Message.ID))
		require.NoError(t, b.ClientAdd(Session))
		require.NoError(t, b.SubscriptionAdd(Subscription))
		require.NoError(t, b.ClientMsgAdd(ClientMessage))
		require.NoError(t, b.Stop())

		b = open(t)
		defer b.Stop()
		r := Restore(t, b)
		require.Equal(t, []storage.StoredMessage{Message}, r.Messages)
		require.Equal(t, []uint64{Message.ID}, r.Retained)
		require.Equal(t, []storage.ClientSession{Session}, r.Clients)
		require.Equal(t, []storage.Subscription{Subscription}, r.Subscriptions)
		require.Equal(t, []storage.ClientMessage{ClientMessage}, r.ClientMessages)
		require.Equal(t, r.Messages[0].ID, r.ClientMessages[0].StoreID)

		cleanup(t, b)
	})

	t.Run("delete", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.MsgStoreAdd(Message))
		require.NoError(t, b.RetainAdd(Message.ID))
		require.NoError(t, b.ClientAdd(Session))
		require.NoError(t, b.SubscriptionAdd(Subscription))
		require.NoError(t, b.ClientMsgAdd(ClientMessage))

		require.NoError(t, b.ClientMsgDelete(ClientMessage.Client, ClientMessage.MID, ClientMessage.Direction))
		require.NoError(t, b.RetainDelete(Message.ID))
		require.NoError(t, b.MsgStoreDelete(Message.ID))
		require.NoError(t, b.SubscriptionDelete(Subscription.Client, Subscription.Filter))
		require.NoError(t, b.ClientDelete(Session.ID))
		require.NoError(t, b.Stop())

		b = open(t)
		defer b.Stop()
		r := Restore(t, b)
		require.Empty(t, r.Messages)
		require.Empty(t, r.Retained)
		require.Empty(t, r.Clients)
		require.Empty(t, r.Subscriptions)
		require.Empty(t, r.ClientMessages)
	})

	t.Run("update", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.MsgStoreAdd(Message))
		require.NoError(t, b.ClientAdd(Session))
		require.NoError(t, b.ClientMsgAdd(ClientMessage))
		require.NoError(t, b.ClientMsgUpdate(ClientMessage.Client, ClientMessage.MID, ClientMessage.Direction, storage.StateWaitForPubcomp, true))
		require.NoError(t, b.Stop())

		b = open(t)
		defer b.Stop()
		r := Restore(t, b)
		require.Len(t, r.ClientMessages, 1)
		require.Equal(t, storage.StateWaitForPubcomp, r.ClientMessages[0].State)
		require.True(t, r.ClientMessages[0].Dup)

		cleanup(t, b)
	})

	t.Run("replace", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.ClientAdd(Session))
		s := Session
		s.LastMID = 99
		require.NoError(t, b.ClientAdd(s))
		sub := Subscription
		require.NoError(t, b.SubscriptionAdd(sub))
		sub.Qos = 0
		require.NoError(t, b.SubscriptionAdd(sub))
		require.NoError(t, b.Stop())

		b = open(t)
		defer b.Stop()
		r := Restore(t, b)
		require.Equal(t, []storage.ClientSession{s}, r.Clients)
		require.Equal(t, []storage.Subscription{sub}, r.Subscriptions)

		cleanup(t, b)
	})

	t.Run("transaction", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.TransactionBegin())
		require.NoError(t, b.MsgStoreAdd(Message))
		m2 := Message
		m2.ID = 8
		m2.Payload = []byte("second")
		require.NoError(t, b.MsgStoreAdd(m2))
		require.NoError(t, b.ClientAdd(Session))
		require.NoError(t, b.TransactionEnd())
		require.NoError(t, b.Stop())

		b = open(t)
		defer b.Stop()
		r := Restore(t, b)
		require.ElementsMatch(t, []storage.StoredMessage{Message, m2}, r.Messages)
		require.Len(t, r.Clients, 1)

		cleanup(t, b)
	})

	t.Run("last store id", func(t *testing.T) {
		b := open(t)
		setter, ok := b.(persist.LastIDSetter)
		if !ok {
			require.NoError(t, b.Stop())
			t.Skip("backend does not record a last store id")
		}

		require.NoError(t, setter.SetLastStoreID(1000))
		require.NoError(t, setter.SetLastStoreID(5))
		require.NoError(t, b.Stop())

		b = open(t)
		defer b.Stop()
		r := Restore(t, b)
		require.Equal(t, uint64(1000), r.Config.LastStoreID)
		require.Empty(t, r.Messages)
	})
}

// cleanup removes the rows written by the common tests.
func cleanup(t *testing.T, b persist.Backend) {
	t.Helper()
	for _, id := range []uint64{7, 8} {
		require.NoError(t, b.RetainDelete(id))
		require.NoError(t, b.MsgStoreDelete(id))
	}
	require.NoError(t, b.ClientMsgDelete(ClientMessage.Client, ClientMessage.MID, ClientMessage.Direction))
	require.NoError(t, b.SubscriptionDelete(Subscription.Client, Subscription.Filter))
	require.NoError(t, b.ClientDelete(Session.ID))
}
