// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package storage

import (
	"sort"
	"sync"
)

// Retained indexes the retained message store id of each topic. A topic holds at
// most one retained message.
type Retained struct {
	sync.RWMutex
	internal map[string]uint64 // topic -> store id
	ids      map[uint64]string // store id -> topic
}

// NewRetained returns a new instance of an empty retained index.
func NewRetained() *Retained {
	return &Retained{
		internal: map[string]uint64{},
		ids:      map[uint64]string{},
	}
}

// Set sets the retained message of a topic, returning the store id it replaced, if any.
func (r *Retained) Set(topic string, id uint64) (prev uint64, replaced bool) {
	r.Lock()
	defer r.Unlock()

	prev, replaced = r.internal[topic]
	if replaced {
		delete(r.ids, prev)
	}

	r.internal[topic] = id
	r.ids[id] = topic
	return prev, replaced
}

// Get returns the retained store id of a topic.
func (r *Retained) Get(topic string) (uint64, bool) {
	r.RLock()
	defer r.RUnlock()
	id, ok := r.internal[topic]
	return id, ok
}

// Delete clears the retained message of a topic, returning its store id.
func (r *Retained) Delete(topic string) (uint64, bool) {
	r.Lock()
	defer r.Unlock()

	id, ok := r.internal[topic]
	if !ok {
		return 0, false
	}

	delete(r.internal, topic)
	delete(r.ids, id)
	return id, true
}

// Has returns true if the store id is retained by any topic.
func (r *Retained) Has(id uint64) bool {
	r.RLock()
	defer r.RUnlock()
	_, ok := r.ids[id]
	return ok
}

// IDs returns all retained store ids in ascending order.
func (r *Retained) IDs() []uint64 {
	r.RLock()
	defer r.RUnlock()

	m := make([]uint64, 0, len(r.ids))
	for id := range r.ids {
		m = append(m, id)
	}

	sort.Slice(m, func(i, j int) bool { return m[i] < m[j] })
	return m
}

// Len returns the number of retained topics.
func (r *Retained) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.internal)
}
