// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mochi-mqtt/durable/persist"
	"github.com/mochi-mqtt/durable/storage"
)

// Restore replays the durable state of the backend into empty stores. Records are
// restored in dependency order: config, messages, retained, clients,
// subscriptions, and then client messages. Any failure leaves the stores empty.
func (s *Server) Restore() error {
	if !s.restoring.CompareAndSwap(false, true) {
		return ErrRestoreInProgress
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.restored = map[uint64]struct{}{}
	defer func() {
		s.restored = nil
		s.restoring.Store(false)
	}()

	b := s.backend
	steps := []struct {
		name string
		fn   func(persist.Loader) error
	}{
		{"config", b.ConfigRestore},
		{"messages", b.MsgStoreRestore},
		{"retained", b.RetainRestore},
		{"clients", b.ClientRestore},
		{"subscriptions", b.SubscriptionRestore},
		{"client messages", b.ClientMsgRestore},
	}

	s.resetStores()
	for _, step := range steps {
		if err := step.fn(s); err != nil {
			s.resetStores()
			s.updateInfo()
			return fmt.Errorf("failed to restore %s: %w", step.name, err)
		}
	}

	atomic.StoreInt64(&s.Info.MessagesPending, 0)
	s.updateInfo()
	s.ready.Store(true)

	s.Log.Info("restored persistent state",
		"backend", b.ID(),
		"messages", s.Messages.Len(),
		"retained", s.Retained.Len(),
		"clients", s.Sessions.Len(),
		"subscriptions", s.Subscriptions.Len(),
		"client_messages", s.ClientMessages.Len(),
		"last_store_id", s.Messages.LastID(),
	)

	return nil
}

// ConfigLoad restores the database metadata.
func (s *Server) ConfigLoad(cfg persist.Config) error {
	if !s.restoring.Load() {
		return persist.ErrNotRestoring
	}

	s.Messages.SetLastID(cfg.LastStoreID)
	if !cfg.Shutdown {
		s.Log.Warn("persistent database was not shut down cleanly", "last_store_id", cfg.LastStoreID)
	}

	return nil
}

// MsgStoreLoad restores a stored message. Restored messages are persisted.
func (s *Server) MsgStoreLoad(msg storage.StoredMessage) error {
	if !s.restoring.Load() {
		return persist.ErrNotRestoring
	}

	msg.Persisted = true
	if err := s.Messages.InsertWithID(msg); err != nil {
		return fmt.Errorf("%w: message %d: %v", persist.ErrCorruption, msg.ID, err)
	}

	s.restored[msg.ID] = struct{}{}
	return nil
}

// RetainLoad restores a retained entry. The topic is taken from the stored message.
func (s *Server) RetainLoad(storeID uint64) error {
	if !s.restoring.Load() {
		return persist.ErrNotRestoring
	}

	if _, ok := s.restored[storeID]; !ok {
		return fmt.Errorf("%w: retained message %d not in message store", persist.ErrCorruption, storeID)
	}

	msg, _ := s.Messages.Get(storeID)
	s.Retained.Set(msg.Topic, storeID)
	return nil
}

// ClientLoad restores a client session.
func (s *Server) ClientLoad(session storage.ClientSession) error {
	if !s.restoring.Load() {
		return persist.ErrNotRestoring
	}

	if session.ID == "" {
		return fmt.Errorf("%w: client session without id", persist.ErrCorruption)
	}

	s.Sessions.Add(session)
	return nil
}

// SubscriptionLoad restores a subscription of a restored session.
func (s *Server) SubscriptionLoad(sub storage.Subscription) error {
	if !s.restoring.Load() {
		return persist.ErrNotRestoring
	}

	if _, ok := s.Sessions.Get(sub.Client); !ok {
		return fmt.Errorf("%w: subscription %q of unknown client %q", persist.ErrCorruption, sub.Filter, sub.Client)
	}

	s.Subscriptions.Add(sub)
	return nil
}

// ClientMsgLoad restores a client message of a restored session and message.
func (s *Server) ClientMsgLoad(cm storage.ClientMessage) error {
	if !s.restoring.Load() {
		return persist.ErrNotRestoring
	}

	if _, ok := s.Sessions.Get(cm.Client); !ok {
		return fmt.Errorf("%w: client message %d of unknown client %q", persist.ErrCorruption, cm.MID, cm.Client)
	}

	if _, ok := s.restored[cm.StoreID]; !ok {
		return fmt.Errorf("%w: client message %d of %q refers to unknown message %d", persist.ErrCorruption, cm.MID, cm.Client, cm.StoreID)
	}

	s.ClientMessages.Set(cm)
	return nil
}

// Replay writes every record held in the stores to dst inside a single
// transaction, in restore order, and marks the result as cleanly shut down.
// The transaction is closed even if a record fails to replay.
// It is used to convert a database from one backend to another.
func (s *Server) Replay(dst persist.Backend) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := dst.TransactionBegin(); err != nil {
		return fmt.Errorf("failed to begin replay: %w", err)
	}

	err := s.replay(dst)
	if endErr := dst.TransactionEnd(); endErr != nil {
		return errors.Join(err, fmt.Errorf("failed to commit replay: %w", endErr))
	}

	if err != nil {
		return err
	}

	if b, ok := dst.(persist.Backuper); ok {
		if err := b.Backup(true); err != nil {
			return fmt.Errorf("failed to mark replay shut down: %w", err)
		}
	}

	s.Log.Info("replayed persistent state",
		"backend", dst.ID(),
		"messages", s.Messages.Len(),
		"retained", s.Retained.Len(),
		"clients", s.Sessions.Len(),
		"subscriptions", s.Subscriptions.Len(),
		"client_messages", s.ClientMessages.Len(),
	)

	return nil
}

// replay writes the records of each store to dst. The caller must hold mu.
func (s *Server) replay(dst persist.Backend) error {
	for _, msg := range s.Messages.GetAll() {
		if err := dst.MsgStoreAdd(msg); err != nil {
			return fmt.Errorf("failed to replay message %d: %w", msg.ID, err)
		}
	}

	if setter, ok := dst.(persist.LastIDSetter); ok {
		if err := setter.SetLastStoreID(s.Messages.LastID()); err != nil {
			return fmt.Errorf("failed to replay last store id: %w", err)
		}
	}

	for _, id := range s.Retained.IDs() {
		if err := dst.RetainAdd(id); err != nil {
			return fmt.Errorf("failed to replay retained message %d: %w", id, err)
		}
	}

	for _, session := range s.Sessions.GetAll() {
		if err := dst.ClientAdd(session); err != nil {
			return fmt.Errorf("failed to replay client %q: %w", session.ID, err)
		}
	}

	for _, sub := range s.Subscriptions.GetAll() {
		if err := dst.SubscriptionAdd(sub); err != nil {
			return fmt.Errorf("failed to replay subscription %q of %q: %w", sub.Filter, sub.Client, err)
		}
	}

	for _, cm := range s.ClientMessages.GetAll() {
		if err := dst.ClientMsgAdd(cm); err != nil {
			return fmt.Errorf("failed to replay client message %d of %q: %w", cm.MID, cm.Client, err)
		}
	}

	return nil
}
