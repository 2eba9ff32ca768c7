// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package storage

import (
	"sort"
	"sync"

	"github.com/jinzhu/copier"
)

// MessageStore is an arena of stored messages keyed on store id. It is the sole
// owner of message bodies; client message records and retained entries hold ids.
type MessageStore struct {
	sync.RWMutex
	internal map[uint64]*StoredMessage // message bodies keyed on store id
	lastID   uint64                    // the most recently assigned store id
}

// NewMessageStore returns a new instance of an empty message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		internal: map[uint64]*StoredMessage{},
	}
}

// Insert assigns the next store id to the message and adds it to the store.
// The message is held unpersisted until MarkPersisted is called.
func (s *MessageStore) Insert(msg StoredMessage) (uint64, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}

	s.Lock()
	defer s.Unlock()

	s.lastID++
	msg.ID = s.lastID
	msg.Persisted = false
	s.internal[msg.ID] = &msg

	return msg.ID, nil
}

// InsertWithID adds a message which already carries a store id, such as one
// read back from a backend. The last id is raised to cover it.
func (s *MessageStore) InsertWithID(msg StoredMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	if _, ok := s.internal[msg.ID]; ok {
		return ErrMessageExists
	}

	s.internal[msg.ID] = &msg
	if msg.ID > s.lastID {
		s.lastID = msg.ID
	}

	return nil
}

// SetLastID raises the last assigned id. Lower values are ignored so ids are never reused.
func (s *MessageStore) SetLastID(id uint64) {
	s.Lock()
	defer s.Unlock()
	if id > s.lastID {
		s.lastID = id
	}
}

// LastID returns the most recently assigned store id.
func (s *MessageStore) LastID() uint64 {
	s.RLock()
	defer s.RUnlock()
	return s.lastID
}

// Get returns a copy of a stored message. Mutating the copy does not affect the store.
func (s *MessageStore) Get(id uint64) (StoredMessage, bool) {
	s.RLock()
	defer s.RUnlock()

	m, ok := s.internal[id]
	if !ok {
		return StoredMessage{}, false
	}

	var out StoredMessage
	if err := copier.CopyWithOption(&out, m, copier.Option{DeepCopy: true}); err != nil {
		return *m, true
	}

	return out, true
}

// Has returns true if the store id resolves to a message.
func (s *MessageStore) Has(id uint64) bool {
	s.RLock()
	defer s.RUnlock()
	_, ok := s.internal[id]
	return ok
}

// MarkPersisted flags a message as durably recorded. It returns true only if the
// flag changed, so calling it again is a no-op.
func (s *MessageStore) MarkPersisted(id uint64) bool {
	return s.setPersisted(id, true)
}

// MarkUnpersisted clears the durably recorded flag. It returns true only if the flag changed.
func (s *MessageStore) MarkUnpersisted(id uint64) bool {
	return s.setPersisted(id, false)
}

func (s *MessageStore) setPersisted(id uint64, v bool) bool {
	s.Lock()
	defer s.Unlock()

	m, ok := s.internal[id]
	if !ok || m.Persisted == v {
		return false
	}

	m.Persisted = v
	return true
}

// Unpersisted returns the ids of all messages not yet recorded by the backend, in ascending order.
func (s *MessageStore) Unpersisted() []uint64 {
	s.RLock()
	defer s.RUnlock()

	ids := []uint64{}
	for id, m := range s.internal {
		if !m.Persisted {
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GetAll returns copies of all messages in ascending store id order.
func (s *MessageStore) GetAll() []StoredMessage {
	s.RLock()
	defer s.RUnlock()

	m := make([]StoredMessage, 0, len(s.internal))
	for _, v := range s.internal {
		m = append(m, *v)
	}

	sort.Slice(m, func(i, j int) bool { return m[i].ID < m[j].ID })
	return m
}

// Delete removes a message from the store. Callers must ensure that no client
// message record or retained entry still refers to it. Returns true if the message existed.
func (s *MessageStore) Delete(id uint64) bool {
	s.Lock()
	defer s.Unlock()

	_, ok := s.internal[id]
	delete(s.internal, id)
	return ok
}

// Len returns the number of stored messages.
func (s *MessageStore) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}
