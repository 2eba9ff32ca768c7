// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package storage

import (
	"sort"
	"sync"
)

// Sessions is a map of client session records keyed on client id.
type Sessions struct {
	sync.RWMutex
	internal map[string]ClientSession
}

// NewSessions returns a new instance of an empty session store.
func NewSessions() *Sessions {
	return &Sessions{
		internal: map[string]ClientSession{},
	}
}

// Add adds or replaces a session. Returns true if the session is new.
func (s *Sessions) Add(v ClientSession) bool {
	s.Lock()
	defer s.Unlock()

	_, ok := s.internal[v.ID]
	s.internal[v.ID] = v
	return !ok
}

// Get returns a session by client id.
func (s *Sessions) Get(id string) (ClientSession, bool) {
	s.RLock()
	defer s.RUnlock()
	v, ok := s.internal[id]
	return v, ok
}

// Delete removes a session. Returns true if the session existed.
func (s *Sessions) Delete(id string) bool {
	s.Lock()
	defer s.Unlock()

	_, ok := s.internal[id]
	delete(s.internal, id)
	return ok
}

// GetAll returns all sessions ordered by client id.
func (s *Sessions) GetAll() []ClientSession {
	s.RLock()
	defer s.RUnlock()

	m := make([]ClientSession, 0, len(s.internal))
	for _, v := range s.internal {
		m = append(m, v)
	}

	sort.Slice(m, func(i, j int) bool { return m[i].ID < m[j].ID })
	return m
}

// Len returns the number of sessions.
func (s *Sessions) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}

// Subscriptions is a map of subscriptions keyed on client id and topic filter.
type Subscriptions struct {
	sync.RWMutex
	internal map[string]map[string]Subscription // client id -> filter -> subscription
	qty      int
}

// NewSubscriptions returns a new instance of an empty subscription store.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		internal: map[string]map[string]Subscription{},
	}
}

// Add adds or updates a subscription. Returns true if the subscription is new.
func (s *Subscriptions) Add(v Subscription) bool {
	s.Lock()
	defer s.Unlock()

	subs, ok := s.internal[v.Client]
	if !ok {
		subs = map[string]Subscription{}
		s.internal[v.Client] = subs
	}

	_, ok = subs[v.Filter]
	subs[v.Filter] = v
	if !ok {
		s.qty++
	}

	return !ok
}

// Get returns a subscription by client id and filter.
func (s *Subscriptions) Get(client, filter string) (Subscription, bool) {
	s.RLock()
	defer s.RUnlock()
	v, ok := s.internal[client][filter]
	return v, ok
}

// Delete removes a subscription. Returns true if the subscription existed.
func (s *Subscriptions) Delete(client, filter string) bool {
	s.Lock()
	defer s.Unlock()

	subs, ok := s.internal[client]
	if !ok {
		return false
	}

	if _, ok := subs[filter]; !ok {
		return false
	}

	delete(subs, filter)
	s.qty--
	if len(subs) == 0 {
		delete(s.internal, client)
	}

	return true
}

// Client returns all subscriptions of a client ordered by filter.
func (s *Subscriptions) Client(client string) []Subscription {
	s.RLock()
	defer s.RUnlock()

	m := make([]Subscription, 0, len(s.internal[client]))
	for _, v := range s.internal[client] {
		m = append(m, v)
	}

	sort.Slice(m, func(i, j int) bool { return m[i].Filter < m[j].Filter })
	return m
}

// GetAll returns all subscriptions ordered by client id and filter.
func (s *Subscriptions) GetAll() []Subscription {
	s.RLock()
	defer s.RUnlock()

	m := make([]Subscription, 0, s.qty)
	for _, subs := range s.internal {
		for _, v := range subs {
			m = append(m, v)
		}
	}

	sort.Slice(m, func(i, j int) bool {
		if m[i].Client == m[j].Client {
			return m[i].Filter < m[j].Filter
		}
		return m[i].Client < m[j].Client
	})

	return m
}

// Len returns the number of subscriptions.
func (s *Subscriptions) Len() int {
	s.RLock()
	defer s.RUnlock()
	return s.qty
}
