// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageStoreInsert(t *testing.T) {
	s := NewMessageStore()
	s.SetLastID(41)

	id, err := s.Insert(StoredMessage{Topic: "t", Qos: 1, Payload: []byte{1, 2, 3}, Persisted: true})
	require.NoError(t, err)
	require.Equal(t, uint64(42), id)
	require.Equal(t, uint64(42), s.LastID())

	m, ok := s.Get(id)
	require.True(t, ok)
	require.Equal(t, uint64(42), m.ID)
	require.False(t, m.Persisted)
	require.Equal(t, []byte{1, 2, 3}, m.Payload)

	id2, err := s.Insert(StoredMessage{Topic: "t"})
	require.NoError(t, err)
	require.Equal(t, uint64(43), id2)
	require.Equal(t, 2, s.Len())
}

func TestMessageStoreInsertInvalid(t *testing.T) {
	s := NewMessageStore()
	_, err := s.Insert(StoredMessage{})
	require.ErrorIs(t, err, ErrEmptyTopic)
	require.Equal(t, uint64(0), s.LastID())
}

func TestMessageStoreInsertWithID(t *testing.T) {
	s := NewMessageStore()
	require.NoError(t, s.InsertWithID(StoredMessage{ID: 9, Topic: "t"}))
	require.Equal(t, uint64(9), s.LastID())
	require.ErrorIs(t, s.InsertWithID(StoredMessage{ID: 9, Topic: "t"}), ErrMessageExists)

	require.NoError(t, s.InsertWithID(StoredMessage{ID: 3, Topic: "t"}))
	require.Equal(t, uint64(9), s.LastID())

	s.SetLastID(5)
	require.Equal(t, uint64(9), s.LastID())
}

func TestMessageStoreGetIsCopy(t *testing.T) {
	s := NewMessageStore()
	id, err := s.Insert(StoredMessage{Topic: "t", Payload: []byte{1, 2, 3}})
	require.NoError(t, err)

	m, ok := s.Get(id)
	require.True(t, ok)
	m.Payload[0] = 9
	m.Topic = "x"

	m2, ok := s.Get(id)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, m2.Payload)
	require.Equal(t, "t", m2.Topic)

	_, ok = s.Get(100)
	require.False(t, ok)
}

func TestMessageStorePersistedIdempotent(t *testing.T) {
	s := NewMessageStore()
	id, err := s.Insert(StoredMessage{Topic: "t"})
	require.NoError(t, err)
	require.Equal(t, []uint64{id}, s.Unpersisted())

	require.True(t, s.MarkPersisted(id))
	require.False(t, s.MarkPersisted(id))
	require.Empty(t, s.Unpersisted())

	require.True(t, s.MarkUnpersisted(id))
	require.False(t, s.MarkUnpersisted(id))

	require.False(t, s.MarkPersisted(999))
}

func TestMessageStoreDelete(t *testing.T) {
	s := NewMessageStore()
	id, err := s.Insert(StoredMessage{Topic: "t"})
	require.NoError(t, err)
	require.True(t, s.Has(id))
	require.True(t, s.Delete(id))
	require.False(t, s.Delete(id))
	require.False(t, s.Has(id))

	id2, err := s.Insert(StoredMessage{Topic: "t"})
	require.NoError(t, err)
	require.Greater(t, id2, id)
}

func TestMessageStoreGetAll(t *testing.T) {
	s := NewMessageStore()
	require.NoError(t, s.InsertWithID(StoredMessage{ID: 5, Topic: "b"}))
	require.NoError(t, s.InsertWithID(StoredMessage{ID: 2, Topic: "a"}))

	m := s.GetAll()
	require.Len(t, m, 2)
	require.Equal(t, uint64(2), m[0].ID)
	require.Equal(t, uint64(5), m[1].ID)
}
