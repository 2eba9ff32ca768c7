// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mqtt provides the durable message pipeline of an MQTT broker: packet
// framing for each connection, the in-memory message and session stores, and
// their persistence through a pluggable backend.
package mqtt

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/mochi-mqtt/durable/listeners"
	"github.com/mochi-mqtt/durable/packets"
	"github.com/mochi-mqtt/durable/persist"
	"github.com/mochi-mqtt/durable/persist/null"
	"github.com/mochi-mqtt/durable/storage"
	"github.com/mochi-mqtt/durable/system"
)

const (
	Version = "1.0.0" // the current server version.
)

var (
	ErrListenerIDExists      = errors.New("listener id already exists")            // a listener with the same id already exists
	ErrConnectionClosed      = errors.New("connection not open")                   // connection is closed
	ErrServerShuttingDown    = errors.New("server shutting down")                  // the server is closing all connections
	ErrSessionTakenOver      = errors.New("session taken over")                    // another connection identified with the same client id
	ErrSessionNotFound       = errors.New("client session not found")              // no session exists for the client id
	ErrClientMessageNotFound = errors.New("client message not found")              // no client message exists for the key
	ErrRestoreInProgress     = errors.New("restore already in progress")           // restore was called while restoring
	ErrBackendBusy           = errors.New("cannot change backend while restoring") // the backend was replaced during a restore
	ErrRetainTopicMismatch   = errors.New("retained topic does not match message") // a message can only be retained by its own topic
)

// PacketHandler is called with each complete packet read from a client.
type PacketHandler func(cl *Client, pk *packets.Buffer) error

// Options contains configurable options for the server.
type Options struct {
	// Listeners specifies any listeners which should be dynamically added on serve. Used when setting listeners by config.
	Listeners []listeners.Config `yaml:"listeners" json:"listeners"`

	// MaximumPacketSize is the largest packet accepted from a client, including
	// the fixed header command byte. No limit if 0.
	MaximumPacketSize uint32 `yaml:"maximum_packet_size" json:"maximum_packet_size"`

	// Keepalive is the keepalive in seconds applied to a connection until the
	// protocol layer negotiates its own.
	Keepalive uint16 `yaml:"keepalive" json:"keepalive"`

	// Logger specifies a custom configured implementation of log/slog to override
	// the servers default logger configuration.
	Logger *slog.Logger `yaml:"-" json:"-"`

	// OnPacket receives every packet read from a client. Packets are logged and
	// dropped if it is not set.
	OnPacket PacketHandler `yaml:"-" json:"-"`

	// Backend is attached on serve, before the durable state is restored. Used when
	// setting the backend by config.
	Backend persist.Backend `yaml:"-" json:"-"`

	// BackendConfig is passed to the Init method of Backend.
	BackendConfig any `yaml:"-" json:"-"`
}

// Server holds the stores of the message pipeline and the backend which makes
// them durable. It should be created with New in order to ensure all the
// internal fields are correctly populated.
type Server struct {
	Options        *Options                // configurable server options
	Listeners      *listeners.Listeners    // listeners are network interfaces which listen for new connections
	Clients        *Clients                // clients currently connected
	Info           *system.Info            // server counters
	Log            *slog.Logger            // structured logger
	Messages       *storage.MessageStore   // message bodies keyed on store id
	Sessions       *storage.Sessions       // client sessions
	Subscriptions  *storage.Subscriptions  // client subscriptions
	ClientMessages *storage.ClientMessages // in-flight deliveries
	Retained       *storage.Retained       // retained store id per topic
	mu             sync.Mutex              // serialises store mutations with their backend writes
	backend        persist.Backend         // the active persistence backend
	restoring      atomic.Bool             // true while a restore is running
	restored       map[uint64]struct{}     // store ids loaded by the running restore
	ready          atomic.Bool             // true once a restore has completed
}

// New returns a new instance of the server. Optional parameters can be
// specified to override some default settings (see Options).
func New(opts *Options) *Server {
	if opts == nil {
		opts = new(Options)
	}

	opts.ensureDefaults()

	s := &Server{
		Options:   opts,
		Listeners: listeners.New(),
		Clients:   NewClients(),
		Info: &system.Info{
			Version: Version,
			Started: time.Now().Unix(),
		},
		Log:     opts.Logger,
		backend: new(null.Backend),
	}

	s.resetStores()
	return s
}

// ensureDefaults ensures that the server starts with sane default values, if none are provided.
func (o *Options) ensureDefaults() {
	if o.Keepalive == 0 {
		o.Keepalive = defaultKeepalive
	}

	if o.Logger == nil {
		log := slog.New(slog.NewTextHandler(os.Stdout, nil))
		o.Logger = log
	}
}

// resetStores replaces every store with an empty one.
func (s *Server) resetStores() {
	s.Messages = storage.NewMessageStore()
	s.Sessions = storage.NewSessions()
	s.Subscriptions = storage.NewSubscriptions()
	s.ClientMessages = storage.NewClientMessages()
	s.Retained = storage.NewRetained()
}

// SetBackend initialises a persistence backend and makes it the active backend.
// The previous backend is stopped.
func (s *Server) SetBackend(b persist.Backend, config any) error {
	if s.restoring.Load() {
		return ErrBackendBusy
	}

	b.SetOpts(s.Log.With("backend", b.ID()))
	if err := b.Init(config); err != nil {
		return fmt.Errorf("failed to init backend %s: %w", b.ID(), err)
	}

	s.mu.Lock()
	prev := s.backend
	s.backend = b
	s.mu.Unlock()

	if prev != nil {
		if err := prev.Stop(); err != nil {
			s.Log.Warn("failed to stop backend", "backend", prev.ID(), "error", err)
		}
	}

	s.Log.Info("attached backend", "backend", b.ID())
	return nil
}

// Backend returns the active persistence backend.
func (s *Server) Backend() persist.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

// AddListener adds a new network listener to the server, for receiving incoming client connections.
func (s *Server) AddListener(l listeners.Listener) error {
	if _, ok := s.Listeners.Get(l.ID()); ok {
		return ErrListenerIDExists
	}

	nl := s.Log.With(slog.String("listener", l.ID()))
	err := l.Init(nl)
	if err != nil {
		return err
	}

	s.Listeners.Add(l)

	s.Log.Info("attached listener", "id", l.ID(), "protocol", l.Protocol(), "address", l.Address())
	return nil
}

// AddListenersFromConfig adds listeners to the server which were specified in the listeners config (usually from a config file).
func (s *Server) AddListenersFromConfig(configs []listeners.Config) error {
	for _, conf := range configs {
		var l listeners.Listener
		switch strings.ToLower(conf.Type) {
		case listeners.TypeTCP:
			l = listeners.NewTCP(conf)
		case listeners.TypeWS:
			l = listeners.NewWebsocket(conf)
		case listeners.TypeSysInfo:
			l = listeners.NewHTTPStats(conf, s.Info)
		case listeners.TypeMock:
			l = listeners.NewMockListener(conf.ID, conf.Address)
		default:
			s.Log.Error("listener type unavailable by config", "listener", conf.Type)
			continue
		}
		if err := s.AddListener(l); err != nil {
			return err
		}
	}
	return nil
}

// Serve restores the durable state, if it has not been restored already, and
// then starts accepting connections on all attached listeners.
func (s *Server) Serve() error {
	s.Log.Info("mochi mqtt starting", "version", Version)

	if !s.ready.Load() {
		if s.Options.Backend != nil && s.Backend() != s.Options.Backend {
			if err := s.SetBackend(s.Options.Backend, s.Options.BackendConfig); err != nil {
				return err
			}
		}

		if err := s.Restore(); err != nil {
			return err
		}
	}

	// The database stays marked as in service until Close records a clean shutdown.
	if err := s.Backup(false); err != nil {
		return err
	}

	if len(s.Options.Listeners) > 0 {
		err := s.AddListenersFromConfig(s.Options.Listeners)
		if err != nil {
			return err
		}
	}

	s.Listeners.ServeAll(s.EstablishConnection)
	s.Log.Info("mochi mqtt server started")
	return nil
}

// EstablishConnection establishes a new client when a listener accepts a new connection.
func (s *Server) EstablishConnection(listener string, c net.Conn) error {
	cl := s.NewClient(c, listener)
	return s.attachClient(cl)
}

// attachClient registers a client and reads its packets until the connection ends.
func (s *Server) attachClient(cl *Client) error {
	s.Listeners.ClientsWg.Add(1)
	defer s.Listeners.ClientsWg.Done()

	s.Clients.Add(cl)
	atomic.AddInt64(&s.Info.ClientsConnected, 1)
	defer func() {
		atomic.AddInt64(&s.Info.ClientsConnected, -1)
		s.Clients.Delete(cl)
	}()

	go cl.WriteLoop()

	err := cl.Read(s.receivePacket)
	cl.Stop(err)

	err = cl.StopCause()
	s.Log.Debug("client disconnected", "client", cl.ID, "remote", cl.Net.Remote, "listener", cl.Net.Listener, "cause", err)
	if errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrServerShuttingDown) || errors.Is(err, ErrSessionTakenOver) {
		return nil
	}

	return err
}

// receivePacket passes a packet to the configured handler.
func (s *Server) receivePacket(cl *Client, pk *packets.Buffer) error {
	if s.Options.OnPacket == nil {
		s.Log.Debug("packet dropped, no handler", "client", cl.ID, "type", packets.Names[pk.Type()], "remaining", pk.Remaining)
		return nil
	}

	return s.Options.OnPacket(cl, pk)
}

// IdentifyClient gives a connected client its real client id. Another
// connection using the same id is stopped.
func (s *Server) IdentifyClient(cl *Client, id string) {
	if existing, ok := s.Clients.Identify(cl, id); ok {
		existing.Stop(ErrSessionTakenOver)
	}
	cl.log = cl.log.With("client_id", id)
}

// Close stops all listeners and connections, writes a final shutdown snapshot,
// and stops the backend.
func (s *Server) Close() error {
	s.Log.Info("gracefully stopping server")
	s.Listeners.CloseAll(s.closeListenerClients)

	if err := s.Backup(true); err != nil {
		s.Log.Error("failed to write shutdown snapshot", "error", err)
	}

	s.mu.Lock()
	b := s.backend
	s.mu.Unlock()

	err := b.Stop()
	if err != nil {
		s.Log.Error("failed to stop backend", "backend", b.ID(), "error", err)
	}

	s.Log.Info("mochi mqtt server stopped")
	return err
}

// closeListenerClients closes all clients on the specified listener.
func (s *Server) closeListenerClients(listener string) {
	clients := s.Clients.GetByListener(listener)
	for _, cl := range clients {
		cl.Stop(ErrServerShuttingDown)
	}
}

// Backup asks the backend to write a complete snapshot, if it supports it.
func (s *Server) Backup(shutdown bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.backend.(persist.Backuper); ok {
		return s.persisted("backup", b.Backup(shutdown))
	}

	return nil
}

// persisted counts and logs a failed backend operation and wraps its error.
func (s *Server) persisted(op string, err error) error {
	if err == nil {
		return nil
	}

	atomic.AddInt64(&s.Info.PersistFailures, 1)
	s.Log.Error("persistence operation failed", "op", op, "error", err)
	return fmt.Errorf("%s: %w", op, err)
}

// transaction runs fn between a backend transaction begin and end. The caller must hold mu.
func (s *Server) transaction(fn func() error) error {
	if err := s.backend.TransactionBegin(); err != nil {
		return s.persisted("transaction_begin", err)
	}

	err := fn()
	if endErr := s.backend.TransactionEnd(); endErr != nil {
		return errors.Join(err, s.persisted("transaction_end", endErr))
	}

	atomic.AddInt64(&s.Info.PersistTransactions, 1)
	return err
}

// updateInfo refreshes the store gauges. The caller must hold mu.
func (s *Server) updateInfo() {
	atomic.StoreInt64(&s.Info.MessagesStored, int64(s.Messages.Len()))
	atomic.StoreInt64(&s.Info.Retained, int64(s.Retained.Len()))
	atomic.StoreInt64(&s.Info.Inflight, int64(s.ClientMessages.Len()))
	atomic.StoreInt64(&s.Info.Subscriptions, int64(s.Subscriptions.Len()))
	atomic.StoreInt64(&s.Info.ClientsTotal, int64(s.Sessions.Len()))
	atomic.StoreUint64(&s.Info.LastStoreID, s.Messages.LastID())
}

// PublishMessage adds a message to the message store and records it with the
// backend. The message keeps its store id even if the backend fails; it stays
// unpersisted until PersistPending succeeds for it.
func (s *Server) PublishMessage(msg storage.StoredMessage) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateInfo()

	id, err := s.Messages.Insert(msg)
	if err != nil {
		return 0, err
	}

	stored, _ := s.Messages.Get(id)
	if err := s.persisted("msg_store_add", s.backend.MsgStoreAdd(stored)); err != nil {
		atomic.AddInt64(&s.Info.MessagesPending, 1)
		return id, err
	}

	s.Messages.MarkPersisted(id)
	return id, nil
}

// PersistPending retries the backend add of every unpersisted message, returning
// the number which were persisted.
func (s *Server) PersistPending() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	var errs []error
	for _, id := range s.Messages.Unpersisted() {
		msg, ok := s.Messages.Get(id)
		if !ok {
			continue
		}

		if err := s.persisted("msg_store_add", s.backend.MsgStoreAdd(msg)); err != nil {
			errs = append(errs, err)
			continue
		}

		if s.Messages.MarkPersisted(id) {
			atomic.AddInt64(&s.Info.MessagesPending, -1)
			n++
		}
	}

	return n, errors.Join(errs...)
}

// ReleaseMessage deletes a message once no client message or retained entry
// refers to it. It is a no-op while the message is still referenced.
func (s *Server) ReleaseMessage(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateInfo()
	return s.releaseMessage(id)
}

// releaseMessage deletes an unreferenced message from the backend, and then
// from memory. The caller must hold mu.
func (s *Server) releaseMessage(id uint64) error {
	if s.ClientMessages.Refs(id) > 0 || s.Retained.Has(id) {
		return nil
	}

	msg, ok := s.Messages.Get(id)
	if !ok {
		return nil
	}

	if err := s.persisted("msg_store_delete", s.backend.MsgStoreDelete(id)); err != nil {
		return err
	}

	s.Messages.Delete(id)
	if !msg.Persisted {
		atomic.AddInt64(&s.Info.MessagesPending, -1)
	}

	return nil
}

// RetainMessage makes a stored message the retained message of its topic. A
// message previously retained by the topic is removed first, and released if
// nothing else refers to it.
func (s *Server) RetainMessage(topic string, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateInfo()

	msg, ok := s.Messages.Get(id)
	if !ok {
		return storage.ErrMessageNotFound
	}

	if msg.Topic != topic {
		return ErrRetainTopicMismatch
	}

	if prev, ok := s.Retained.Get(topic); ok {
		if prev == id {
			return nil
		}

		if err := s.clearRetained(topic, prev); err != nil {
			return err
		}
	}

	s.Retained.Set(topic, id)
	return s.persisted("retain_add", s.backend.RetainAdd(id))
}

// ClearRetained removes the retained message of a topic.
func (s *Server) ClearRetained(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateInfo()

	id, ok := s.Retained.Get(topic)
	if !ok {
		return nil
	}

	return s.clearRetained(topic, id)
}

// clearRetained removes a retained entry and releases its message. The caller must hold mu.
func (s *Server) clearRetained(topic string, id uint64) error {
	if err := s.persisted("retain_delete", s.backend.RetainDelete(id)); err != nil {
		return err
	}

	s.Retained.Delete(topic)
	return s.releaseMessage(id)
}

// AddClient adds or replaces a client session.
func (s *Server) AddClient(session storage.ClientSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateInfo()

	s.Sessions.Add(session)
	return s.persisted("client_add", s.backend.ClientAdd(session))
}

// DisconnectClient records the disconnect time and last packet id of a session.
func (s *Server) DisconnectClient(id string, lastMID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.Sessions.Get(id)
	if !ok {
		return ErrSessionNotFound
	}

	session.LastMID = lastMID
	session.DisconnectTime = time.Now().Unix()
	s.Sessions.Add(session)
	return s.persisted("client_add", s.backend.ClientAdd(session))
}

// DeleteClient removes a client session with all of its subscriptions and client
// messages, in a single backend transaction. Messages left unreferenced are released.
func (s *Server) DeleteClient(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateInfo()

	if _, ok := s.Sessions.Get(id); !ok {
		return ErrSessionNotFound
	}

	return s.transaction(func() error {
		var errs []error
		for _, sub := range s.Subscriptions.Client(id) {
			s.Subscriptions.Delete(sub.Client, sub.Filter)
			errs = append(errs, s.persisted("subscription_delete", s.backend.SubscriptionDelete(sub.Client, sub.Filter)))
		}

		for _, cm := range s.ClientMessages.Client(id) {
			s.ClientMessages.Delete(cm.Key())
			errs = append(errs, s.persisted("client_msg_delete", s.backend.ClientMsgDelete(cm.Client, cm.MID, cm.Direction)))
			errs = append(errs, s.releaseMessage(cm.StoreID))
		}

		s.Sessions.Delete(id)
		errs = append(errs, s.persisted("client_delete", s.backend.ClientDelete(id)))
		return errors.Join(errs...)
	})
}

// Subscribe adds or updates a subscription of an existing session.
func (s *Server) Subscribe(sub storage.Subscription) error {
	if sub.Qos > 2 {
		return packets.ErrProtocolViolationQosOutOfRange
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateInfo()

	if _, ok := s.Sessions.Get(sub.Client); !ok {
		return ErrSessionNotFound
	}

	s.Subscriptions.Add(sub)
	return s.persisted("subscription_add", s.backend.SubscriptionAdd(sub))
}

// Unsubscribe removes a subscription, returning true if it existed.
func (s *Server) Unsubscribe(client, filter string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateInfo()

	if !s.Subscriptions.Delete(client, filter) {
		return false, nil
	}

	return true, s.persisted("subscription_delete", s.backend.SubscriptionDelete(client, filter))
}

// QueueClientMessage adds or replaces an in-flight delivery of a stored message
// to or from a client.
func (s *Server) QueueClientMessage(cm storage.ClientMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateInfo()

	if _, ok := s.Sessions.Get(cm.Client); !ok {
		return ErrSessionNotFound
	}

	if !s.Messages.Has(cm.StoreID) {
		return storage.ErrMessageNotFound
	}

	prev, replaced := s.ClientMessages.Get(cm.Key())
	s.ClientMessages.Set(cm)
	if err := s.persisted("client_msg_add", s.backend.ClientMsgAdd(cm)); err != nil {
		return err
	}

	if replaced && prev.StoreID != cm.StoreID {
		return s.releaseMessage(prev.StoreID)
	}

	return nil
}

// UpdateClientMessage changes the delivery state and dup flag of a client message.
func (s *Server) UpdateClientMessage(k storage.ClientMessageKey, state storage.DeliveryState, dup bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ClientMessages.Update(k, state, dup) {
		return ErrClientMessageNotFound
	}

	return s.persisted("client_msg_update", s.backend.ClientMsgUpdate(k.Client, k.MID, k.Direction, state, dup))
}

// CompleteClientMessage removes a finished delivery and releases its message
// if nothing else refers to it.
func (s *Server) CompleteClientMessage(k storage.ClientMessageKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateInfo()

	cm, ok := s.ClientMessages.Delete(k)
	if !ok {
		return ErrClientMessageNotFound
	}

	if err := s.persisted("client_msg_delete", s.backend.ClientMsgDelete(k.Client, k.MID, k.Direction)); err != nil {
		return err
	}

	return s.releaseMessage(cm.StoreID)
}
