// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 J. Blake / mochi-co
// SPDX-FileContributor: mochi-co

package storage

import (
	"sort"
	"sync"
)

// ClientMessages is a map of client message records keyed on client id, packet id
// and direction. It counts the records which refer to each stored message.
type ClientMessages struct {
	sync.RWMutex
	internal map[ClientMessageKey]ClientMessage // records keyed on client, packet id and direction
	refs     map[uint64]int                     // the number of records referring to each store id
}

// NewClientMessages returns a new instance of an empty client message store.
func NewClientMessages() *ClientMessages {
	return &ClientMessages{
		internal: map[ClientMessageKey]ClientMessage{},
		refs:     map[uint64]int{},
	}
}

// Set adds or replaces a record. Returns true if the record is new.
func (i *ClientMessages) Set(m ClientMessage) bool {
	i.Lock()
	defer i.Unlock()

	k := m.Key()
	prev, ok := i.internal[k]
	if ok {
		i.release(prev.StoreID)
	}

	i.internal[k] = m
	i.refs[m.StoreID]++
	return !ok
}

// Get returns a record by key.
func (i *ClientMessages) Get(k ClientMessageKey) (ClientMessage, bool) {
	i.RLock()
	defer i.RUnlock()
	m, ok := i.internal[k]
	return m, ok
}

// Update changes the delivery state and dup flag of an existing record.
// Returns false if no record exists for the key.
func (i *ClientMessages) Update(k ClientMessageKey, state DeliveryState, dup bool) bool {
	i.Lock()
	defer i.Unlock()

	m, ok := i.internal[k]
	if !ok {
		return false
	}

	m.State = state
	m.Dup = dup
	i.internal[k] = m
	return true
}

// Delete removes a record, returning it if it existed.
func (i *ClientMessages) Delete(k ClientMessageKey) (ClientMessage, bool) {
	i.Lock()
	defer i.Unlock()

	m, ok := i.internal[k]
	if !ok {
		return ClientMessage{}, false
	}

	delete(i.internal, k)
	i.release(m.StoreID)
	return m, true
}

// release decrements the reference count of a store id. The caller must hold the lock.
func (i *ClientMessages) release(id uint64) {
	i.refs[id]--
	if i.refs[id] <= 0 {
		delete(i.refs, id)
	}
}

// Refs returns the number of records which refer to a store id.
func (i *ClientMessages) Refs(id uint64) int {
	i.RLock()
	defer i.RUnlock()
	return i.refs[id]
}

// Client returns all records of a client, ordered by direction and packet id.
func (i *ClientMessages) Client(client string) []ClientMessage {
	i.RLock()
	defer i.RUnlock()

	m := []ClientMessage{}
	for k, v := range i.internal {
		if k.Client == client {
			m = append(m, v)
		}
	}

	sortClientMessages(m)
	return m
}

// GetAll returns all records ordered by client id, direction and packet id.
func (i *ClientMessages) GetAll() []ClientMessage {
	i.RLock()
	defer i.RUnlock()

	m := make([]ClientMessage, 0, len(i.internal))
	for _, v := range i.internal {
		m = append(m, v)
	}

	sortClientMessages(m)
	return m
}

// Len returns the number of records.
func (i *ClientMessages) Len() int {
	i.RLock()
	defer i.RUnlock()
	return len(i.internal)
}

func sortClientMessages(m []ClientMessage) {
	sort.Slice(m, func(i, j int) bool {
		if m[i].Client != m[j].Client {
			return m[i].Client < m[j].Client
		}
		if m[i].Direction != m[j].Direction {
			return m[i].Direction < m[j].Direction
		}
		return m[i].MID < m[j].MID
	})
}
