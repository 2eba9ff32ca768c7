// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package persist defines the interface between the in-memory stores and a
// durable persistence backend.
package persist

import (
	"errors"
	"log/slog"

	"github.com/mochi-mqtt/durable/storage"
)

// PluginVersion is the backend protocol version a third party backend must report.
const PluginVersion = 1

var (
	// ErrInvalidConfigType indicates a different Type of config value was expected to what was received.
	ErrInvalidConfigType = errors.New("invalid config type provided")

	// ErrCorruption indicates the durable state is structurally inconsistent, such as a
	// record which refers to a parent that has not been restored.
	ErrCorruption = errors.New("persistent database is corrupt")

	// ErrNotRestoring indicates a load callback was called outside of a restore.
	ErrNotRestoring = errors.New("load called while not restoring")

	// ErrBackendFailure indicates the backend could not be loaded or initialised.
	ErrBackendFailure = errors.New("persistence backend failure")

	// ErrUnsupportedVersion indicates a database was written in a format version which cannot be read.
	ErrUnsupportedVersion = errors.New("unsupported persistent database version")

	// ErrNotOpen indicates the backend was used before Init or after Stop.
	ErrNotOpen = errors.New("persistence backend not open")
)

// Config is the metadata restored before any records.
type Config struct {
	LastStoreID uint64 // the most recently assigned store id
	Shutdown    bool   // true if the database was written during a clean shutdown
}

// Loader receives the records streamed back by a backend during restore. Each
// method fails with ErrNotRestoring if called while no restore is running, and
// with ErrCorruption if the record refers to a parent which does not exist.
type Loader interface {
	ConfigLoad(cfg Config) error
	MsgStoreLoad(msg storage.StoredMessage) error
	RetainLoad(storeID uint64) error
	ClientLoad(session storage.ClientSession) error
	SubscriptionLoad(sub storage.Subscription) error
	ClientMsgLoad(cm storage.ClientMessage) error
}

// Backend is a durable store for the message pipeline. Every operation may fail
// independently. Mutations between TransactionBegin and TransactionEnd are made
// durable together at TransactionEnd by backends which support transactions.
type Backend interface {
	ID() string
	Init(config any) error
	SetOpts(l *slog.Logger)
	Stop() error

	ConfigRestore(l Loader) error

	MsgStoreAdd(msg storage.StoredMessage) error
	MsgStoreDelete(id uint64) error
	MsgStoreRestore(l Loader) error

	RetainAdd(storeID uint64) error
	RetainDelete(storeID uint64) error
	RetainRestore(l Loader) error

	ClientAdd(session storage.ClientSession) error
	ClientDelete(clientID string) error
	ClientRestore(l Loader) error

	SubscriptionAdd(sub storage.Subscription) error
	SubscriptionDelete(clientID, filter string) error
	SubscriptionRestore(l Loader) error

	ClientMsgAdd(cm storage.ClientMessage) error
	ClientMsgDelete(clientID string, mid uint16, dir storage.Direction) error
	ClientMsgUpdate(clientID string, mid uint16, dir storage.Direction, state storage.DeliveryState, dup bool) error
	ClientMsgRestore(l Loader) error

	TransactionBegin() error
	TransactionEnd() error
}

// Backuper is implemented by backends which can write a complete snapshot on demand.
type Backuper interface {
	Backup(shutdown bool) error
}

// LastIDSetter is implemented by backends which can record a last store id
// higher than that of any message they hold.
type LastIDSetter interface {
	SetLastStoreID(id uint64) error
}

// Base provides a set of default methods for each backend. It should be embedded
// in all backends. Every operation succeeds and restores nothing.
type Base struct {
	Log *slog.Logger
}

// ID returns the ID of the backend.
func (b *Base) ID() string {
	return "base"
}

// Init performs any pre-start initializations for the backend, such as connecting to databases
// or opening files.
func (b *Base) Init(config any) error {
	return nil
}

// SetOpts is called by the server to propagate internal values and generally should
// not be called manually.
func (b *Base) SetOpts(l *slog.Logger) {
	b.Log = l
}

// Stop is called to gracefully shut down the backend.
func (b *Base) Stop() error {
	return nil
}

// ConfigRestore restores the database metadata.
func (b *Base) ConfigRestore(l Loader) error { return nil }

// MsgStoreAdd records a stored message.
func (b *Base) MsgStoreAdd(msg storage.StoredMessage) error { return nil }

// MsgStoreDelete removes a stored message.
func (b *Base) MsgStoreDelete(id uint64) error { return nil }

// MsgStoreRestore streams stored messages to the loader.
func (b *Base) MsgStoreRestore(l Loader) error { return nil }

// RetainAdd records a retained store id.
func (b *Base) RetainAdd(storeID uint64) error { return nil }

// RetainDelete removes a retained store id.
func (b *Base) RetainDelete(storeID uint64) error { return nil }

// RetainRestore streams retained store ids to the loader.
func (b *Base) RetainRestore(l Loader) error { return nil }

// ClientAdd records a client session.
func (b *Base) ClientAdd(session storage.ClientSession) error { return nil }

// ClientDelete removes a client session.
func (b *Base) ClientDelete(clientID string) error { return nil }

// ClientRestore streams client sessions to the loader.
func (b *Base) ClientRestore(l Loader) error { return nil }

// SubscriptionAdd records a subscription.
func (b *Base) SubscriptionAdd(sub storage.Subscription) error { return nil }

// SubscriptionDelete removes a subscription.
func (b *Base) SubscriptionDelete(clientID, filter string) error { return nil }

// SubscriptionRestore streams subscriptions to the loader.
func (b *Base) SubscriptionRestore(l Loader) error { return nil }

// ClientMsgAdd records a client message.
func (b *Base) ClientMsgAdd(cm storage.ClientMessage) error { return nil }

// ClientMsgDelete removes a client message.
func (b *Base) ClientMsgDelete(clientID string, mid uint16, dir storage.Direction) error { return nil }

// ClientMsgUpdate changes the delivery state of a client message.
func (b *Base) ClientMsgUpdate(clientID string, mid uint16, dir storage.Direction, state storage.DeliveryState, dup bool) error {
	return nil
}

// ClientMsgRestore streams client messages to the loader.
func (b *Base) ClientMsgRestore(l Loader) error { return nil }

// TransactionBegin opens a transaction.
func (b *Base) TransactionBegin() error { return nil }

// TransactionEnd commits a transaction.
func (b *Base) TransactionEnd() error { return nil }

var (
	// ErrTransactionOpen indicates TransactionBegin was called while a transaction was already open.
	ErrTransactionOpen = errors.New("transaction already open")

	// ErrNoTransaction indicates TransactionEnd was called without an open transaction.
	ErrNoTransaction = errors.New("no transaction open")
)
