// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package sqlite provides a transactional persistence backend using an SQLite
// database file.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mochi-mqtt/durable/persist"
	"github.com/mochi-mqtt/durable/storage"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const (
	// defaultDbFile is the default file path for the sqlite database.
	defaultDbFile = "mochi.sqlite3"

	// defaultSynchronous is the default durability level.
	defaultSynchronous = "full"
)

var (
	// ErrInvalidSynchronous indicates the synchronous option was not one of off, normal, full or extra.
	ErrInvalidSynchronous = errors.New("synchronous must be one of off, normal, full, extra")
)

// synchronousModes maps the synchronous option to the sqlite pragma value.
var synchronousModes = map[string]string{
	"off":    "OFF",
	"normal": "NORMAL",
	"full":   "FULL",
	"extra":  "EXTRA",
}

// Options contains configuration settings for the sqlite database.
type Options struct {
	Path string `yaml:"path" json:"path"`

	// Synchronous sets the durability of each commit, trading crash safety for
	// write latency: off, normal, full (default) or extra. See
	// https://www.sqlite.org/pragma.html#pragma_synchronous
	Synchronous string `yaml:"synchronous" json:"synchronous"`
}

const schema = `
CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS msg_store (
	dbid INTEGER PRIMARY KEY,
	source_id TEXT,
	source_mid INTEGER,
	mid INTEGER,
	topic TEXT NOT NULL,
	qos INTEGER,
	retained INTEGER,
	payloadlen INTEGER,
	payload BLOB
);
CREATE TABLE IF NOT EXISTS retains (
	store_id INTEGER PRIMARY KEY REFERENCES msg_store(dbid) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS clients (
	client_id TEXT PRIMARY KEY,
	last_mid INTEGER,
	disconnect_t INTEGER
);
CREATE TABLE IF NOT EXISTS subscriptions (
	client_id TEXT NOT NULL REFERENCES clients(client_id) ON DELETE CASCADE,
	topic TEXT NOT NULL,
	qos INTEGER,
	PRIMARY KEY (client_id, topic)
);
CREATE TABLE IF NOT EXISTS client_msgs (
	client_id TEXT NOT NULL REFERENCES clients(client_id) ON DELETE CASCADE,
	store_id INTEGER NOT NULL REFERENCES msg_store(dbid) ON DELETE CASCADE,
	mid INTEGER NOT NULL,
	qos INTEGER,
	retained INTEGER,
	direction INTEGER NOT NULL,
	state INTEGER,
	dup INTEGER,
	PRIMARY KEY (client_id, mid, direction)
);
CREATE INDEX IF NOT EXISTS client_msgs_store_id ON client_msgs(store_id);
`

// statement names.
const (
	stmtConfigSet = iota
	stmtLastIDSet
	stmtMsgStoreAdd
	stmtMsgStoreDelete
	stmtRetainAdd
	stmtRetainDelete
	stmtClientAdd
	stmtClientDelete
	stmtSubAdd
	stmtSubDelete
	stmtClientMsgAdd
	stmtClientMsgDelete
	stmtClientMsgUpdate
	numStatements
)

// statements are prepared once on Init and reused for every call.
var statements = [numStatements]string{
	stmtConfigSet: `INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
	stmtLastIDSet: `INSERT INTO config (key, value) VALUES ('last_db_id', ?)
		ON CONFLICT (key) DO UPDATE SET value = max(value, excluded.value)`,
	stmtMsgStoreAdd: `INSERT INTO msg_store (dbid, source_id, source_mid, mid, topic, qos, retained, payloadlen, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dbid) DO UPDATE SET source_id = excluded.source_id, source_mid = excluded.source_mid,
		mid = excluded.mid, topic = excluded.topic, qos = excluded.qos, retained = excluded.retained,
		payloadlen = excluded.payloadlen, payload = excluded.payload`,
	stmtMsgStoreDelete: `DELETE FROM msg_store WHERE dbid = ?`,
	stmtRetainAdd:      `INSERT INTO retains (store_id) VALUES (?) ON CONFLICT (store_id) DO NOTHING`,
	stmtRetainDelete:   `DELETE FROM retains WHERE store_id = ?`,
	stmtClientAdd: `INSERT INTO clients (client_id, last_mid, disconnect_t) VALUES (?, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET last_mid = excluded.last_mid, disconnect_t = excluded.disconnect_t`,
	stmtClientDelete: `DELETE FROM clients WHERE client_id = ?`,
	stmtSubAdd: `INSERT INTO subscriptions (client_id, topic, qos) VALUES (?, ?, ?)
		ON CONFLICT (client_id, topic) DO UPDATE SET qos = excluded.qos`,
	stmtSubDelete: `DELETE FROM subscriptions WHERE client_id = ? AND topic = ?`,
	stmtClientMsgAdd: `INSERT INTO client_msgs (client_id, store_id, mid, qos, retained, direction, state, dup)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id, mid, direction) DO UPDATE SET store_id = excluded.store_id, qos = excluded.qos,
		retained = excluded.retained, state = excluded.state, dup = excluded.dup`,
	stmtClientMsgDelete: `DELETE FROM client_msgs WHERE client_id = ? AND mid = ? AND direction = ?`,
	stmtClientMsgUpdate: `UPDATE client_msgs SET state = ?, dup = ? WHERE client_id = ? AND mid = ? AND direction = ?`,
}

// Backend is a persistence backend which stores rows in an sqlite database.
type Backend struct {
	persist.Base
	config *Options
	mu     sync.Mutex
	db     *sql.DB
	stmts  [numStatements]*sql.Stmt
	tx     *sql.Tx // the open transaction, if any
}

// ID returns the id of the backend.
func (b *Backend) ID() string {
	return "sqlite"
}

// DSN returns the data source name for a database file and synchronous mode.
func DSN(path, synchronous string) (string, error) {
	mode, ok := synchronousModes[strings.ToLower(synchronous)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidSynchronous, synchronous)
	}

	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(" + mode + ")", nil
}

// Init opens the database, creates the schema and prepares statements.
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

	if len(b.config.Synchronous) == 0 {
		b.config.Synchronous = defaultSynchronous
	}

	if b.Log == nil {
		b.Log = slog.Default()
	}

	dsn, err := DSN(b.config.Path, b.config.Synchronous)
	if err != nil {
		return err
	}

	b.db, err = sql.Open("sqlite", dsn)
	if err != nil {
		return err
	}

	b.db.SetMaxOpenConns(1)

	if _, err := b.db.Exec(schema); err != nil {
		b.db.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}

	for i, q := range statements {
		b.stmts[i], err = b.db.Prepare(q)
		if err != nil {
			b.Stop()
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
	}

	return nil
}

// DB returns the underlying database handle.
func (b *Backend) DB() *sql.DB {
	return b.db
}

// Stop rolls back any open transaction and closes the database.
func (b *Backend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}

	if b.tx != nil {
		b.tx.Rollback()
		b.tx = nil
	}

	for i, s := range b.stmts {
		if s != nil {
			s.Close()
			b.stmts[i] = nil
		}
	}

	err := b.db.Close()
	b.db = nil
	return err
}

// exec runs a prepared statement, within the open transaction if there is one.
func (b *Backend) exec(kind int, args ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return persist.ErrNotOpen
	}

	stmt := b.stmts[kind]
	if b.tx != nil {
		stmt = b.tx.Stmt(stmt)
	}

	if _, err := stmt.Exec(args...); err != nil {
		b.Log.Error("failed to execute statement", "error", err, "statement", kind)
		return err
	}

	return nil
}

// TransactionBegin opens a transaction. Mutations are durable only once
// TransactionEnd commits it.
func (b *Backend) TransactionBegin() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return persist.ErrNotOpen
	}

	if b.tx != nil {
		return persist.ErrTransactionOpen
	}

	tx, err := b.db.Begin()
	if err != nil {
		return err
	}

	b.tx = tx
	return nil
}

// TransactionEnd commits the open transaction.
func (b *Backend) TransactionEnd() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tx == nil {
		return persist.ErrNoTransaction
	}

	err := b.tx.Commit()
	b.tx = nil
	if err != nil {
		b.Log.Error("failed to commit transaction", "error", err)
	}

	return err
}

// Backup records whether the server is shutting down. Every committed row is
// already durable.
func (b *Backend) Backup(shutdown bool) error {
	v := 0
	if shutdown {
		v = 1
	}
	return b.exec(stmtConfigSet, "shutdown", v)
}

// ConfigRestore passes the database metadata to the loader.
func (b *Backend) ConfigRestore(l persist.Loader) error {
	var cfg persist.Config
	err := b.query(`SELECT key, value FROM config`, func(rows *sql.Rows) error {
		var key string
		var value int64
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}

		switch key {
		case "last_db_id":
			cfg.LastStoreID = uint64(value)
		case "shutdown":
			cfg.Shutdown = value != 0
		}
		return nil
	})
	if err != nil {
		return err
	}

	return l.ConfigLoad(cfg)
}

// query runs a query outside of any transaction and calls fn for each row.
func (b *Backend) query(q string, fn func(rows *sql.Rows) error) error {
	b.mu.Lock()
	db := b.db
	b.mu.Unlock()

	if db == nil {
		return persist.ErrNotOpen
	}

	rows, err := db.Query(q)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}

	return rows.Err()
}

// MsgStoreAdd records a stored message and raises the last store id.
func (b *Backend) MsgStoreAdd(msg storage.StoredMessage) error {
	var source sql.NullString
	if msg.SourceID != "" {
		source = sql.NullString{String: msg.SourceID, Valid: true}
	}

	err := b.exec(stmtMsgStoreAdd, int64(msg.ID), source, msg.SourceMID, msg.MID, msg.Topic,
		msg.Qos, msg.Retain, len(msg.Payload), msg.Payload)
	if err != nil {
		return err
	}

	return b.exec(stmtLastIDSet, int64(msg.ID))
}

// SetLastStoreID raises the recorded last store id.
func (b *Backend) SetLastStoreID(id uint64) error {
	return b.exec(stmtLastIDSet, int64(id))
}

// MsgStoreDelete removes a stored message. Retained and client message rows
// which refer to it are removed with it.
func (b *Backend) MsgStoreDelete(id uint64) error {
	return b.exec(stmtMsgStoreDelete, int64(id))
}

// MsgStoreRestore streams stored messages to the loader in store id order.
func (b *Backend) MsgStoreRestore(l persist.Loader) error {
	return b.query(`SELECT dbid, source_id, source_mid, mid, topic, qos, retained, payload FROM msg_store ORDER BY dbid`,
		func(rows *sql.Rows) error {
			var m storage.StoredMessage
			var id int64
			var source sql.NullString
			if err := rows.Scan(&id, &source, &m.SourceMID, &m.MID, &m.Topic, &m.Qos, &m.Retain, &m.Payload); err != nil {
				return err
			}

			m.ID = uint64(id)
			m.SourceID = source.String
			if err := l.MsgStoreLoad(m); err != nil {
				return fmt.Errorf("msg_store %d: %w", m.ID, err)
			}
			return nil
		})
}

// RetainAdd records a retained store id.
func (b *Backend) RetainAdd(storeID uint64) error {
	return b.exec(stmtRetainAdd, int64(storeID))
}

// RetainDelete removes a retained store id.
func (b *Backend) RetainDelete(storeID uint64) error {
	return b.exec(stmtRetainDelete, int64(storeID))
}

// RetainRestore streams retained store ids to the loader.
func (b *Backend) RetainRestore(l persist.Loader) error {
	return b.query(`SELECT store_id FROM retains ORDER BY store_id`, func(rows *sql.Rows) error {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}

		if err := l.RetainLoad(uint64(id)); err != nil {
			return fmt.Errorf("retain %d: %w", id, err)
		}
		return nil
	})
}

// ClientAdd records a client session.
func (b *Backend) ClientAdd(session storage.ClientSession) error {
	return b.exec(stmtClientAdd, session.ID, session.LastMID, session.DisconnectTime)
}

// ClientDelete removes a client session along with its subscriptions and client messages.
func (b *Backend) ClientDelete(clientID string) error {
	return b.exec(stmtClientDelete, clientID)
}

// ClientRestore streams client sessions to the loader.
func (b *Backend) ClientRestore(l persist.Loader) error {
	return b.query(`SELECT client_id, last_mid, disconnect_t FROM clients ORDER BY client_id`, func(rows *sql.Rows) error {
		var s storage.ClientSession
		if err := rows.Scan(&s.ID, &s.LastMID, &s.DisconnectTime); err != nil {
			return err
		}

		if err := l.ClientLoad(s); err != nil {
			return fmt.Errorf("client %s: %w", s.ID, err)
		}
		return nil
	})
}

// SubscriptionAdd records a subscription.
func (b *Backend) SubscriptionAdd(sub storage.Subscription) error {
	return b.exec(stmtSubAdd, sub.Client, sub.Filter, sub.Qos)
}

// SubscriptionDelete removes a subscription.
func (b *Backend) SubscriptionDelete(clientID, filter string) error {
	return b.exec(stmtSubDelete, clientID, filter)
}

// SubscriptionRestore streams subscriptions to the loader.
func (b *Backend) SubscriptionRestore(l persist.Loader) error {
	return b.query(`SELECT client_id, topic, qos FROM subscriptions ORDER BY client_id, topic`, func(rows *sql.Rows) error {
		var s storage.Subscription
		if err := rows.Scan(&s.Client, &s.Filter, &s.Qos); err != nil {
			return err
		}

		if err := l.SubscriptionLoad(s); err != nil {
			return fmt.Errorf("subscription %s %s: %w", s.Client, s.Filter, err)
		}
		return nil
	})
}

// ClientMsgAdd records a client message.
func (b *Backend) ClientMsgAdd(cm storage.ClientMessage) error {
	return b.exec(stmtClientMsgAdd, cm.Client, int64(cm.StoreID), cm.MID, cm.Qos, cm.Retain,
		byte(cm.Direction), byte(cm.State), cm.Dup)
}

// ClientMsgDelete removes a client message.
func (b *Backend) ClientMsgDelete(clientID string, mid uint16, dir storage.Direction) error {
	return b.exec(stmtClientMsgDelete, clientID, mid, byte(dir))
}

// ClientMsgUpdate changes the delivery state and dup flag of a client message.
func (b *Backend) ClientMsgUpdate(clientID string, mid uint16, dir storage.Direction, state storage.DeliveryState, dup bool) error {
	return b.exec(stmtClientMsgUpdate, byte(state), dup, clientID, mid, byte(dir))
}

// ClientMsgRestore streams client messages to the loader.
func (b *Backend) ClientMsgRestore(l persist.Loader) error {
	return b.query(`SELECT client_id, store_id, mid, qos, retained, direction, state, dup FROM client_msgs
		ORDER BY client_id, direction, mid`, func(rows *sql.Rows) error {
		var m storage.ClientMessage
		var id int64
		var dir, state byte
		if err := rows.Scan(&m.Client, &id, &m.MID, &m.Qos, &m.Retain, &dir, &state, &m.Dup); err != nil {
			return err
		}

		m.StoreID = uint64(id)
		m.Direction = storage.Direction(dir)
		m.State = storage.DeliveryState(state)
		if err := l.ClientMsgLoad(m); err != nil {
			return fmt.Errorf("client_msg %s %d: %w", m.Client, m.MID, err)
		}
		return nil
	})
}
