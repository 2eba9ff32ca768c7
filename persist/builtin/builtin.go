// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package builtin provides the default persistence backend, a single binary
// database file which is rewritten as a complete snapshot after each change.
package builtin

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mochi-mqtt/durable/mempool"
	"github.com/mochi-mqtt/durable/persist"
	"github.com/mochi-mqtt/durable/storage"
)

const (
	// defaultDbFile is the default file path for the database file.
	defaultDbFile = "mochi.db"

	// defaultFileMode is the permission given to a newly written database file.
	defaultFileMode os.FileMode = 0600

	// maxPooledSnapshot is the largest snapshot buffer kept for the next write.
	maxPooledSnapshot = 4 * 1024 * 1024
)

var snapshotPool = mempool.NewBuffer(maxPooledSnapshot)

// Options contains configuration settings for the database file.
type Options struct {
	Path     string      `yaml:"path" json:"path"`
	FileMode os.FileMode `yaml:"file_mode" json:"file_mode"`
}

type subKey struct {
	client string
	filter string
}

// Backend is a persistence backend which keeps a mirror of every durable row and
// writes it out to a single file.
type Backend struct {
	persist.Base
	config     *Options
	mu         sync.Mutex
	open       bool
	inTx       bool                                               // a transaction is open
	dirty      bool                                               // rows changed since the last write
	version    uint32                                             // the format version of the file which was read
	cfg        persist.Config                                     // database metadata
	messages   map[uint64]storage.StoredMessage                   // msg_store rows
	retained   map[uint64]struct{}                                // retain rows
	clients    map[string]storage.ClientSession                   // client rows
	subs       map[subKey]storage.Subscription                    // sub rows
	clientMsgs map[storage.ClientMessageKey]storage.ClientMessage // client_msg rows
	now        func() time.Time
}

// ID returns the id of the backend.
func (b *Backend) ID() string {
	return "builtin"
}

// Init reads the database file, if it exists. A file which cannot be read as a
// database is an error, so that it is never replaced by an empty snapshot.
func (b *Backend) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return persist.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	b.config = config.(*Options)
	if len(b.config.Path) == 0 {
		b.config.Path = defaultDbFile
	}

	if b.config.FileMode == 0 {
		b.config.FileMode = defaultFileMode
	}

	if b.now == nil {
		b.now = time.Now
	}

	if b.Log == nil {
		b.Log = slog.Default()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.reset()
	data, err := os.ReadFile(b.config.Path)
	if errors.Is(err, os.ErrNotExist) {
		b.open = true
		return nil
	}

	if err != nil {
		return err
	}

	if err := b.decode(data); err != nil {
		return fmt.Errorf("unable to restore persistent database %s: %w", b.config.Path, err)
	}

	b.open = true
	return nil
}

func (b *Backend) reset() {
	b.cfg = persist.Config{}
	b.version = Version
	b.messages = map[uint64]storage.StoredMessage{}
	b.retained = map[uint64]struct{}{}
	b.clients = map[string]storage.ClientSession{}
	b.subs = map[subKey]storage.Subscription{}
	b.clientMsgs = map[storage.ClientMessageKey]storage.ClientMessage{}
}

// decode reads a complete database file into the mirrored rows.
func (b *Backend) decode(data []byte) error {
	if len(data) < headerLen || !bytes.Equal(data[:len(magic)], magic[:]) {
		return fmt.Errorf("%w: unrecognised file format", persist.ErrCorruption)
	}

	d := &decoder{buf: data, pos: len(magic)}
	d.u32() // crc, reserved
	b.version = d.u32()
	if b.version > Version {
		return fmt.Errorf("%w: version %d (need version %d)", persist.ErrUnsupportedVersion, b.version, Version)
	}

	now := b.now().Unix()
	for d.err == nil && d.pos < len(d.buf) {
		kind := d.u16()
		length := d.u32()
		payload := d.take(int(length))
		if d.err != nil {
			break
		}

		c := &decoder{buf: payload}
		switch kind {
		case chunkConfig:
			b.cfg = decodeConfig(c)
		case chunkMsgStore:
			m := decodeMsgStore(c)
			b.messages[m.ID] = m
		case chunkRetain:
			b.retained[decodeRetain(c)] = struct{}{}
		case chunkClient:
			s := decodeClient(c, b.version, now)
			b.clients[s.ID] = s
		case chunkSub:
			s := decodeSubscription(c)
			b.subs[subKey{s.Client, s.Filter}] = s
		case chunkClientMsg:
			m := decodeClientMsg(c)
			b.clientMsgs[m.Key()] = m
		default:
			b.Log.Warn("unsupported chunk in persistent database file, ignoring", "chunk", kind, "length", length)
		}

		if c.err != nil {
			return fmt.Errorf("chunk %d at offset %d: %w", kind, d.pos-int(length), c.err)
		}
	}

	return d.err
}

// encode writes the mirrored rows to buf as a complete database file, in restore order.
func (b *Backend) encode(buf *bytes.Buffer) error {
	e := newEncoder(buf)
	e.header()

	if err := e.config(b.cfg); err != nil {
		return err
	}

	for _, m := range b.sortedMessages() {
		if err := e.msgStore(m); err != nil {
			return err
		}
	}

	for _, id := range b.sortedRetained() {
		if err := e.retain(id); err != nil {
			return err
		}
	}

	for _, s := range b.sortedClients() {
		if err := e.client(s); err != nil {
			return err
		}
	}

	for _, s := range b.sortedSubs() {
		if err := e.subscription(s); err != nil {
			return err
		}
	}

	for _, m := range b.sortedClientMsgs() {
		if err := e.clientMsg(m); err != nil {
			return err
		}
	}

	return nil
}

// write replaces the database file with a snapshot of the mirrored rows. The
// snapshot is written to a temporary file which is synced and renamed over the
// database, so a crash leaves either the old or the new file in place.
func (b *Backend) write() error {
	buf := snapshotPool.Get()
	defer snapshotPool.Put(buf)

	if err := b.encode(buf); err != nil {
		return err
	}

	tmp := b.config.Path + ".new"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, b.config.FileMode)
	if err != nil {
		return err
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, b.config.Path); err != nil {
		return err
	}

	if dir, err := os.Open(filepath.Dir(b.config.Path)); err == nil {
		dir.Sync()
		dir.Close()
	}

	b.dirty = false
	return nil
}

// mutate applies fn to the mirrored rows, writing the file immediately unless a
// transaction is open.
func (b *Backend) mutate(fn func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return persist.ErrNotOpen
	}

	fn()
	b.dirty = true
	if b.inTx {
		return nil
	}

	if err := b.write(); err != nil {
		b.Log.Error("failed to write persistent database", "error", err, "path", b.config.Path)
		return err
	}

	return nil
}

// Stop closes the backend. Changes of an unfinished transaction are discarded.
func (b *Backend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.inTx = false
	return nil
}

// Backup writes a complete snapshot, recording whether the server is shutting down.
func (b *Backend) Backup(shutdown bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return persist.ErrNotOpen
	}

	b.cfg.Shutdown = shutdown
	return b.write()
}

// TransactionBegin defers writing the file until TransactionEnd.
func (b *Backend) TransactionBegin() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inTx {
		return persist.ErrTransactionOpen
	}

	b.inTx = true
	return nil
}

// TransactionEnd writes the file if any rows changed during the transaction.
func (b *Backend) TransactionEnd() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.inTx {
		return persist.ErrNoTransaction
	}

	b.inTx = false
	if !b.dirty {
		return nil
	}

	if err := b.write(); err != nil {
		b.Log.Error("failed to write persistent database", "error", err, "path", b.config.Path)
		return err
	}

	return nil
}

// ConfigRestore passes the database metadata to the loader.
func (b *Backend) ConfigRestore(l persist.Loader) error {
	b.mu.Lock()
	cfg := b.cfg
	b.mu.Unlock()
	return l.ConfigLoad(cfg)
}

// MsgStoreAdd records a stored message. The last store id follows the highest id added.
func (b *Backend) MsgStoreAdd(msg storage.StoredMessage) error {
	return b.mutate(func() {
		b.messages[msg.ID] = msg
		if msg.ID > b.cfg.LastStoreID {
			b.cfg.LastStoreID = msg.ID
		}
	})
}

// SetLastStoreID raises the recorded last store id.
func (b *Backend) SetLastStoreID(id uint64) error {
	return b.mutate(func() {
		if id > b.cfg.LastStoreID {
			b.cfg.LastStoreID = id
		}
	})
}

// MsgStoreDelete removes a stored message.
func (b *Backend) MsgStoreDelete(id uint64) error {
	return b.mutate(func() {
		delete(b.messages, id)
	})
}

// MsgStoreRestore streams stored messages to the loader in store id order.
func (b *Backend) MsgStoreRestore(l persist.Loader) error {
	b.mu.Lock()
	rows := b.sortedMessages()
	b.mu.Unlock()

	for _, m := range rows {
		if err := l.MsgStoreLoad(m); err != nil {
			return fmt.Errorf("msg_store %d: %w", m.ID, err)
		}
	}

	return nil
}

// RetainAdd records a retained store id.
func (b *Backend) RetainAdd(storeID uint64) error {
	return b.mutate(func() {
		b.retained[storeID] = struct{}{}
	})
}

// RetainDelete removes a retained store id.
func (b *Backend) RetainDelete(storeID uint64) error {
	return b.mutate(func() {
		delete(b.retained, storeID)
	})
}

// RetainRestore streams retained store ids to the loader.
func (b *Backend) RetainRestore(l persist.Loader) error {
	b.mu.Lock()
	rows := b.sortedRetained()
	b.mu.Unlock()

	for _, id := range rows {
		if err := l.RetainLoad(id); err != nil {
			return fmt.Errorf("retain %d: %w", id, err)
		}
	}

	return nil
}

// ClientAdd records a client session.
func (b *Backend) ClientAdd(session storage.ClientSession) error {
	return b.mutate(func() {
		b.clients[session.ID] = session
	})
}

// ClientDelete removes a client session.
func (b *Backend) ClientDelete(clientID string) error {
	return b.mutate(func() {
		delete(b.clients, clientID)
	})
}

// ClientRestore streams client sessions to the loader.
func (b *Backend) ClientRestore(l persist.Loader) error {
	b.mu.Lock()
	rows := b.sortedClients()
	b.mu.Unlock()

	for _, s := range rows {
		if err := l.ClientLoad(s); err != nil {
			return fmt.Errorf("client %s: %w", s.ID, err)
		}
	}

	return nil
}

// SubscriptionAdd records a subscription.
func (b *Backend) SubscriptionAdd(sub storage.Subscription) error {
	return b.mutate(func() {
		b.subs[subKey{sub.Client, sub.Filter}] = sub
	})
}

// SubscriptionDelete removes a subscription.
func (b *Backend) SubscriptionDelete(clientID, filter string) error {
	return b.mutate(func() {
		delete(b.subs, subKey{clientID, filter})
	})
}

// SubscriptionRestore streams subscriptions to the loader.
func (b *Backend) SubscriptionRestore(l persist.Loader) error {
	b.mu.Lock()
	rows := b.sortedSubs()
	b.mu.Unlock()

	for _, s := range rows {
		if err := l.SubscriptionLoad(s); err != nil {
			return fmt.Errorf("subscription %s %s: %w", s.Client, s.Filter, err)
		}
	}

	return nil
}

// ClientMsgAdd records a client message.
func (b *Backend) ClientMsgAdd(cm storage.ClientMessage) error {
	return b.mutate(func() {
		b.clientMsgs[cm.Key()] = cm
	})
}

// ClientMsgDelete removes a client message.
func (b *Backend) ClientMsgDelete(clientID string, mid uint16, dir storage.Direction) error {
	return b.mutate(func() {
		delete(b.clientMsgs, storage.ClientMessageKey{Client: clientID, MID: mid, Direction: dir})
	})
}

// ClientMsgUpdate changes the delivery state and dup flag of a client message.
func (b *Backend) ClientMsgUpdate(clientID string, mid uint16, dir storage.Direction, state storage.DeliveryState, dup bool) error {
	return b.mutate(func() {
		k := storage.ClientMessageKey{Client: clientID, MID: mid, Direction: dir}
		if m, ok := b.clientMsgs[k]; ok {
			m.State = state
			m.Dup = dup
			b.clientMsgs[k] = m
		}
	})
}

// ClientMsgRestore streams client messages to the loader.
func (b *Backend) ClientMsgRestore(l persist.Loader) error {
	b.mu.Lock()
	rows := b.sortedClientMsgs()
	b.mu.Unlock()

	for _, m := range rows {
		if err := l.ClientMsgLoad(m); err != nil {
			return fmt.Errorf("client_msg %s %d: %w", m.Client, m.MID, err)
		}
	}

	return nil
}

func (b *Backend) sortedMessages() []storage.StoredMessage {
	m := make([]storage.StoredMessage, 0, len(b.messages))
	for _, v := range b.messages {
		m = append(m, v)
	}
	sort.Slice(m, func(i, j int) bool { return m[i].ID < m[j].ID })
	return m
}

func (b *Backend) sortedRetained() []uint64 {
	m := make([]uint64, 0, len(b.retained))
	for id := range b.retained {
		m = append(m, id)
	}
	sort.Slice(m, func(i, j int) bool { return m[i] < m[j] })
	return m
}

func (b *Backend) sortedClients() []storage.ClientSession {
	m := make([]storage.ClientSession, 0, len(b.clients))
	for _, v := range b.clients {
		m = append(m, v)
	}
	sort.Slice(m, func(i, j int) bool { return m[i].ID < m[j].ID })
	return m
}

func (b *Backend) sortedSubs() []storage.Subscription {
	m := make([]storage.Subscription, 0, len(b.subs))
	for _, v := range b.subs {
		m = append(m, v)
	}
	sort.Slice(m, func(i, j int) bool {
		if m[i].Client == m[j].Client {
			return m[i].Filter < m[j].Filter
		}
		return m[i].Client < m[j].Client
	})
	return m
}

func (b *Backend) sortedClientMsgs() []storage.ClientMessage {
	m := make([]storage.ClientMessage, 0, len(b.clientMsgs))
	for _, v := range b.clientMsgs {
		m = append(m, v)
	}
	sort.Slice(m, func(i, j int) bool {
		if m[i].Client != m[j].Client {
			return m[i].Client < m[j].Client
		}
		if m[i].Direction != m[j].Direction {
			return m[i].Direction < m[j].Direction
		}
		return m[i].MID < m[j].MID
	})
	return m
}
