// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package kv implements a persistence backend over any key-value store which
// can apply a batch of writes atomically.
package kv

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mochi-mqtt/durable/persist"
	"github.com/mochi-mqtt/durable/storage"
)

const (
	MessageKey       = "MSG" // unique key to denote stored messages in a store
	RetainedKey      = "RET" // unique key to denote retained store ids in a store
	ClientKey        = "CL"  // unique key to denote client sessions in a store
	SubscriptionKey  = "SUB" // unique key to denote subscriptions in a store
	InflightKey      = "IFM" // unique key to denote client messages in a store
	SysInfoKey       = "SYS" // unique key to denote database metadata in a store
	lastIDField      = "last_db_id"
	shutdownField    = "shutdown"
	compoundSep      = "\x00" // client ids and topic filters cannot contain a null character
	messageKeyFormat = "%020d"
)

var (
	// ErrKeyNotFound indicates a key does not exist in the store.
	ErrKeyNotFound = errors.New("key not found")
)

// Op is a single write to a store.
type Op struct {
	Kind   string // the record kind, one of the *Key constants
	Key    string // the key of the record within its kind
	Value  []byte // the value to set, ignored for deletes
	Delete bool   // true if the key should be removed
}

// Store is a key-value store holding records grouped by kind.
type Store interface {
	// Apply performs all ops atomically, in order.
	Apply(ops []Op) error

	// Get returns the value of a key, or ErrKeyNotFound.
	Get(kind, key string) ([]byte, error)

	// Iterate calls fn for every record of a kind.
	Iterate(kind string, fn func(key string, value []byte) error) error

	// Close releases the store.
	Close() error
}

// Backend is a persistence backend over a Store. Writes made between
// TransactionBegin and TransactionEnd are buffered and applied as one batch.
type Backend struct {
	persist.Base
	mu      sync.Mutex
	store   Store
	inTx    bool
	pending []Op
}

// Open attaches an opened store to the backend.
func (b *Backend) Open(s Store) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store = s
	b.inTx = false
	b.pending = nil
}

// Close discards any open transaction and closes the store.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.store == nil {
		return nil
	}

	err := b.store.Close()
	b.store = nil
	b.inTx = false
	b.pending = nil
	return err
}

// Stop closes the store.
func (b *Backend) Stop() error {
	return b.Close()
}

func (b *Backend) apply(ops ...Op) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.store == nil {
		return persist.ErrNotOpen
	}

	if b.inTx {
		b.pending = append(b.pending, ops...)
		return nil
	}

	if err := b.store.Apply(ops); err != nil {
		b.Log.Error("failed to upsert data", "error", err, "kind", ops[0].Kind, "key", ops[0].Key)
		return err
	}

	return nil
}

func (b *Backend) set(kind, key string, v storage.Serializable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}

	return b.apply(Op{Kind: kind, Key: key, Value: data})
}

func (b *Backend) del(kind, key string) error {
	return b.apply(Op{Kind: kind, Key: key, Delete: true})
}

// get returns the value of a key, seeing writes buffered by an open transaction.
func (b *Backend) get(kind, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.store == nil {
		return nil, persist.ErrNotOpen
	}

	for i := len(b.pending) - 1; i >= 0; i-- {
		op := b.pending[i]
		if op.Kind == kind && op.Key == key {
			if op.Delete {
				return nil, ErrKeyNotFound
			}
			return op.Value, nil
		}
	}

	return b.store.Get(kind, key)
}

func (b *Backend) iterate(kind string, fn func(key string, value []byte) error) error {
	b.mu.Lock()
	s := b.store
	b.mu.Unlock()

	if s == nil {
		return persist.ErrNotOpen
	}

	return s.Iterate(kind, fn)
}

// TransactionBegin starts buffering writes.
func (b *Backend) TransactionBegin() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.store == nil {
		return persist.ErrNotOpen
	}

	if b.inTx {
		return persist.ErrTransactionOpen
	}

	b.inTx = true
	b.pending = nil
	return nil
}

// TransactionEnd applies the buffered writes as one batch.
func (b *Backend) TransactionEnd() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.inTx {
		return persist.ErrNoTransaction
	}

	ops := b.pending
	b.inTx = false
	b.pending = nil
	if len(ops) == 0 {
		return nil
	}

	if err := b.store.Apply(ops); err != nil {
		b.Log.Error("failed to commit transaction", "error", err, "ops", len(ops))
		return err
	}

	return nil
}

// Key returns the flat key of a record for stores without separate namespaces.
func Key(kind, key string) []byte {
	return []byte(kind + "_" + key)
}

// Prefix returns the flat key prefix shared by all records of a kind.
func Prefix(kind string) []byte {
	return []byte(kind + "_")
}

// TrimKey strips the kind prefix from a flat key.
func TrimKey(kind string, k []byte) string {
	return strings.TrimPrefix(string(k), kind+"_")
}

func messageKey(id uint64) string {
	return fmt.Sprintf(messageKeyFormat, id)
}

func subscriptionKey(client, filter string) string {
	return client + compoundSep + filter
}

func clientMessageKey(client string, mid uint16, dir storage.Direction) string {
	return client + compoundSep + strconv.Itoa(int(dir)) + compoundSep + fmt.Sprintf("%05d", mid)
}

// Backup records whether the server is shutting down.
func (b *Backend) Backup(shutdown bool) error {
	return b.apply(Op{Kind: SysInfoKey, Key: shutdownField, Value: []byte(strconv.FormatBool(shutdown))})
}

// ConfigRestore passes the database metadata to the loader.
func (b *Backend) ConfigRestore(l persist.Loader) error {
	var cfg persist.Config
	err := b.iterate(SysInfoKey, func(key string, value []byte) error {
		var err error
		switch key {
		case lastIDField:
			cfg.LastStoreID, err = strconv.ParseUint(string(value), 10, 64)
		case shutdownField:
			cfg.Shutdown, err = strconv.ParseBool(string(value))
		}

		if err != nil {
			return fmt.Errorf("%w: %s: %v", persist.ErrCorruption, key, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return l.ConfigLoad(cfg)
}

// MsgStoreAdd records a stored message and raises the last store id.
func (b *Backend) MsgStoreAdd(msg storage.StoredMessage) error {
	data, err := msg.MarshalBinary()
	if err != nil {
		return err
	}

	ops := []Op{{Kind: MessageKey, Key: messageKey(msg.ID), Value: data}}

	raise, err := b.lastIDOps(msg.ID)
	if err != nil {
		return err
	}

	return b.apply(append(ops, raise...)...)
}

// SetLastStoreID raises the recorded last store id.
func (b *Backend) SetLastStoreID(id uint64) error {
	ops, err := b.lastIDOps(id)
	if err != nil || len(ops) == 0 {
		return err
	}

	return b.apply(ops...)
}

// lastIDOps returns the op raising the last store id to id, if it is higher.
func (b *Backend) lastIDOps(id uint64) ([]Op, error) {
	last, err := b.get(SysInfoKey, lastIDField)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	if n, _ := strconv.ParseUint(string(last), 10, 64); id <= n {
		return nil, nil
	}

	return []Op{{Kind: SysInfoKey, Key: lastIDField, Value: []byte(strconv.FormatUint(id, 10))}}, nil
}

// MsgStoreDelete removes a stored message.
func (b *Backend) MsgStoreDelete(id uint64) error {
	return b.del(MessageKey, messageKey(id))
}

// MsgStoreRestore streams stored messages to the loader in store id order.
func (b *Backend) MsgStoreRestore(l persist.Loader) error {
	rows := []storage.StoredMessage{}
	err := b.iterate(MessageKey, func(key string, value []byte) error {
		var m storage.StoredMessage
		if err := m.UnmarshalBinary(value); err != nil {
			return fmt.Errorf("%w: %s: %v", persist.ErrCorruption, key, err)
		}
		rows = append(rows, m)
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	for _, m := range rows {
		if err := l.MsgStoreLoad(m); err != nil {
			return fmt.Errorf("msg_store %d: %w", m.ID, err)
		}
	}

	return nil
}

// RetainAdd records a retained store id.
func (b *Backend) RetainAdd(storeID uint64) error {
	return b.apply(Op{Kind: RetainedKey, Key: messageKey(storeID), Value: []byte(strconv.FormatUint(storeID, 10))})
}

// RetainDelete removes a retained store id.
func (b *Backend) RetainDelete(storeID uint64) error {
	return b.del(RetainedKey, messageKey(storeID))
}

// RetainRestore streams retained store ids to the loader.
func (b *Backend) RetainRestore(l persist.Loader) error {
	rows := []uint64{}
	err := b.iterate(RetainedKey, func(key string, value []byte) error {
		id, err := strconv.ParseUint(string(value), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", persist.ErrCorruption, key, err)
		}
		rows = append(rows, id)
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i] < rows[j] })
	for _, id := range rows {
		if err := l.RetainLoad(id); err != nil {
			return fmt.Errorf("retain %d: %w", id, err)
		}
	}

	return nil
}

// ClientAdd records a client session.
func (b *Backend) ClientAdd(session storage.ClientSession) error {
	return b.set(ClientKey, session.ID, &session)
}

// ClientDelete removes a client session.
func (b *Backend) ClientDelete(clientID string) error {
	return b.del(ClientKey, clientID)
}

// ClientRestore streams client sessions to the loader.
func (b *Backend) ClientRestore(l persist.Loader) error {
	rows := []storage.ClientSession{}
	err := b.iterate(ClientKey, func(key string, value []byte) error {
		var s storage.ClientSession
		if err := s.UnmarshalBinary(value); err != nil {
			return fmt.Errorf("%w: %s: %v", persist.ErrCorruption, key, err)
		}
		rows = append(rows, s)
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	for _, s := range rows {
		if err := l.ClientLoad(s); err != nil {
			return fmt.Errorf("client %s: %w", s.ID, err)
		}
	}

	return nil
}

// SubscriptionAdd records a subscription.
func (b *Backend) SubscriptionAdd(sub storage.Subscription) error {
	return b.set(SubscriptionKey, subscriptionKey(sub.Client, sub.Filter), &sub)
}

// SubscriptionDelete removes a subscription.
func (b *Backend) SubscriptionDelete(clientID, filter string) error {
	return b.del(SubscriptionKey, subscriptionKey(clientID, filter))
}

// SubscriptionRestore streams subscriptions to the loader.
func (b *Backend) SubscriptionRestore(l persist.Loader) error {
	rows := []storage.Subscription{}
	err := b.iterate(SubscriptionKey, func(key string, value []byte) error {
		var s storage.Subscription
		if err := s.UnmarshalBinary(value); err != nil {
			return fmt.Errorf("%w: %s: %v", persist.ErrCorruption, strings.ReplaceAll(key, compoundSep, ":"), err)
		}
		rows = append(rows, s)
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Client == rows[j].Client {
			return rows[i].Filter < rows[j].Filter
		}
		return rows[i].Client < rows[j].Client
	})

	for _, s := range rows {
		if err := l.SubscriptionLoad(s); err != nil {
			return fmt.Errorf("subscription %s %s: %w", s.Client, s.Filter, err)
		}
	}

	return nil
}

// ClientMsgAdd records a client message.
func (b *Backend) ClientMsgAdd(cm storage.ClientMessage) error {
	return b.set(InflightKey, clientMessageKey(cm.Client, cm.MID, cm.Direction), &cm)
}

// ClientMsgDelete removes a client message.
func (b *Backend) ClientMsgDelete(clientID string, mid uint16, dir storage.Direction) error {
	return b.del(InflightKey, clientMessageKey(clientID, mid, dir))
}

// ClientMsgUpdate changes the delivery state and dup flag of a client message.
// Updating a record which does not exist does nothing.
func (b *Backend) ClientMsgUpdate(clientID string, mid uint16, dir storage.Direction, state storage.DeliveryState, dup bool) error {
	key := clientMessageKey(clientID, mid, dir)
	data, err := b.get(InflightKey, key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	var cm storage.ClientMessage
	if err := cm.UnmarshalBinary(data); err != nil {
		return err
	}

	cm.State = state
	cm.Dup = dup
	return b.set(InflightKey, key, &cm)
}

// ClientMsgRestore streams client messages to the loader.
func (b *Backend) ClientMsgRestore(l persist.Loader) error {
	rows := []storage.ClientMessage{}
	err := b.iterate(InflightKey, func(key string, value []byte) error {
		var m storage.ClientMessage
		if err := m.UnmarshalBinary(value); err != nil {
			return fmt.Errorf("%w: %s: %v", persist.ErrCorruption, strings.ReplaceAll(key, compoundSep, ":"), err)
		}
		rows = append(rows, m)
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Client != rows[j].Client {
			return rows[i].Client < rows[j].Client
		}
		if rows[i].Direction != rows[j].Direction {
			return rows[i].Direction < rows[j].Direction
		}
		return rows[i].MID < rows[j].MID
	})

	for _, m := range rows {
		if err := l.ClientMsgLoad(m); err != nil {
			return fmt.Errorf("client_msg %s %d: %w", m.Client, m.MID, err)
		}
	}

	return nil
}
