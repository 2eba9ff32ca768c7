// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mochi-mqtt/durable/listeners"
	"github.com/mochi-mqtt/durable/packets"
	"github.com/mochi-mqtt/durable/persist"
	"github.com/mochi-mqtt/durable/persist/builtin"
	"github.com/mochi-mqtt/durable/persist/null"
	"github.com/mochi-mqtt/durable/persist/persisttest"
	"github.com/mochi-mqtt/durable/storage"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

var errTestBackend = errors.New("test backend failure")

func newServer() *Server {
	return New(&Options{
		Logger: logger,
	})
}

// newBuiltinServer returns a restored server persisting to a builtin database at path.
func newBuiltinServer(t *testing.T, path string) *Server {
	t.Helper()
	s := newServer()
	require.NoError(t, s.SetBackend(new(builtin.Backend), &builtin.Options{Path: path}))
	require.NoError(t, s.Restore())
	return s
}

// failBackend fails the mutations it overrides while fail is set.
type failBackend struct {
	null.Backend
	fail    error
	stopped bool
}

func (b *failBackend) MsgStoreAdd(msg storage.StoredMessage) error { return b.fail }
func (b *failBackend) MsgStoreDelete(id uint64) error { return b.fail }
func (b *failBackend) RetainDelete(storeID uint64) error { return b.fail }
func (b *failBackend) ClientAdd(session storage.ClientSession) error {
	return b.fail
}
func (b *failBackend) Stop() error {
	b.stopped = true
	return nil
}

func TestOptionsSetDefaults(t *testing.T) {
	opts := &Options{}
	opts.ensureDefaults()
	require.Equal(t, defaultKeepalive, opts.Keepalive)
	require.NotNil(t, opts.Logger)

	opts = &Options{Keepalive: 5}
	opts.ensureDefaults()
	require.Equal(t, uint16(5), opts.Keepalive)
}

func TestNew(t *testing.T) {
	s := New(nil)
	require.NotNil(t, s)
	require.NotNil(t, s.Clients)
	require.NotNil(t, s.Listeners)
	require.NotNil(t, s.Info)
	require.NotNil(t, s.Log)
	require.NotNil(t, s.Options)
	require.NotNil(t, s.Messages)
	require.NotNil(t, s.Sessions)
	require.NotNil(t, s.Subscriptions)
	require.NotNil(t, s.ClientMessages)
	require.NotNil(t, s.Retained)
	require.Equal(t, "null", s.Backend().ID())
	require.Equal(t, Version, s.Info.Version)
}

func TestSetBackend(t *testing.T) {
	s := newServer()
	first := new(failBackend)
	require.NoError(t, s.SetBackend(first, nil))
	require.NotNil(t, first.Log)
	require.Equal(t, first, s.Backend())

	path := filepath.Join(t.TempDir(), "mochi.db")
	require.NoError(t, s.SetBackend(new(builtin.Backend), &builtin.Options{Path: path}))
	require.True(t, first.stopped)
	require.Equal(t, "builtin", s.Backend().ID())
}

func TestSetBackendInitFailure(t *testing.T) {
	s := newServer()
	err := s.SetBackend(new(builtin.Backend), "bad")
	require.ErrorIs(t, err, persist.ErrInvalidConfigType)
	require.Equal(t, "null", s.Backend().ID())
}

func TestSetBackendWhileRestoring(t *testing.T) {
	s := newServer()
	s.restoring.Store(true)
	require.ErrorIs(t, s.SetBackend(new(null.Backend), nil), ErrBackendBusy)
}

func TestPublishMessageRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mochi.db")
	s := newBuiltinServer(t, path)
	s.Messages.SetLastID(41)

	require.NoError(t, s.AddClient(storage.ClientSession{ID: "c1"}))
	require.NoError(t, s.AddClient(storage.ClientSession{ID: "c2"}))

	id, err := s.PublishMessage(storage.StoredMessage{
		Topic:     "t",
		Payload:   []byte{1, 2, 3},
		SourceID:  "c1",
		SourceMID: 1,
		Qos:       1,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(42), id)

	msg, ok := s.Messages.Get(id)
	require.True(t, ok)
	require.True(t, msg.Persisted)

	cm := storage.ClientMessage{
		Client:    "c2",
		StoreID:   id,
		MID:       1,
		Qos:       1,
		Direction: storage.DirectionOut,
		State:     storage.StateWaitForPuback,
	}
	require.NoError(t, s.QueueClientMessage(cm))
	require.Equal(t, int64(1), s.Info.Inflight)
	require.Equal(t, uint64(42), s.Info.LastStoreID)

	// restart without a clean shutdown
	r := newBuiltinServer(t, path)
	got, ok := r.ClientMessages.Get(cm.Key())
	require.True(t, ok)
	require.Equal(t, cm, got)

	restored, ok := r.Messages.Get(got.StoreID)
	require.True(t, ok)
	require.Equal(t, msg, restored)
	require.Equal(t, 1, r.ClientMessages.Refs(id))

	next, err := r.PublishMessage(storage.StoredMessage{Topic: "t"})
	require.NoError(t, err)
	require.Equal(t, uint64(43), next)
}

func TestPublishMessageInvalid(t *testing.T) {
	s := newServer()
	_, err := s.PublishMessage(storage.StoredMessage{})
	require.ErrorIs(t, err, storage.ErrEmptyTopic)
	require.Equal(t, 0, s.Messages.Len())
}

func TestPublishMessageBackendFailure(t *testing.T) {
	s := newServer()
	b := &failBackend{fail: errTestBackend}
	require.NoError(t, s.SetBackend(b, nil))

	id, err := s.PublishMessage(storage.StoredMessage{Topic: "t", Payload: []byte("x")})
	require.ErrorIs(t, err, errTestBackend)
	require.Equal(t, uint64(1), id)

	msg, ok := s.Messages.Get(id)
	require.True(t, ok)
	require.False(t, msg.Persisted)
	require.Equal(t, int64(1), s.Info.PersistFailures)
	require.Equal(t, int64(1), s.Info.MessagesPending)
	require.Equal(t, int64(1), s.Info.MessagesStored)

	n, err := s.PersistPending()
	require.ErrorIs(t, err, errTestBackend)
	require.Equal(t, 0, n)

	b.fail = nil
	n, err = s.PersistPending()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msg, _ = s.Messages.Get(id)
	require.True(t, msg.Persisted)
	require.Equal(t, int64(0), s.Info.MessagesPending)
	require.Empty(t, s.Messages.Unpersisted())
}

func TestReleaseMessage(t *testing.T) {
	s := newServer()
	require.NoError(t, s.AddClient(storage.ClientSession{ID: "c1"}))
	id, err := s.PublishMessage(storage.StoredMessage{Topic: "t"})
	require.NoError(t, err)

	cm := storage.ClientMessage{Client: "c1", StoreID: id, MID: 1, Direction: storage.DirectionOut}
	require.NoError(t, s.QueueClientMessage(cm))
	require.NoError(t, s.ReleaseMessage(id))
	require.True(t, s.Messages.Has(id))

	require.NoError(t, s.CompleteClientMessage(cm.Key()))
	require.False(t, s.Messages.Has(id))
	require.NoError(t, s.ReleaseMessage(id))
}

func TestReleaseMessageBackendFailure(t *testing.T) {
	s := newServer()
	b := new(failBackend)
	require.NoError(t, s.SetBackend(b, nil))

	id, err := s.PublishMessage(storage.StoredMessage{Topic: "t"})
	require.NoError(t, err)

	b.fail = errTestBackend
	require.ErrorIs(t, s.ReleaseMessage(id), errTestBackend)
	require.True(t, s.Messages.Has(id))

	b.fail = nil
	require.NoError(t, s.ReleaseMessage(id))
	require.False(t, s.Messages.Has(id))
}

func TestReleaseUnpersistedMessage(t *testing.T) {
	s := newServer()
	b := &failBackend{fail: errTestBackend}
	require.NoError(t, s.SetBackend(b, nil))

	id, _ := s.PublishMessage(storage.StoredMessage{Topic: "t"})
	require.Equal(t, int64(1), s.Info.MessagesPending)

	b.fail = nil
	require.NoError(t, s.ReleaseMessage(id))
	require.Equal(t, int64(0), s.Info.MessagesPending)
}

func TestRetainedDeleteIsDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mochi.db")
	s := newBuiltinServer(t, path)
	s.Messages.SetLastID(6)

	id, err := s.PublishMessage(storage.StoredMessage{Topic: "a/b", Retain: true, Payload: []byte("v")})
	require.NoError(t, err)
	require.Equal(t, uint64(7), id)
	require.NoError(t, s.RetainMessage("a/b", id))

	r := newBuiltinServer(t, path)
	got, ok := r.Retained.Get("a/b")
	require.True(t, ok)
	require.Equal(t, id, got)

	require.NoError(t, s.ClearRetained("a/b"))
	require.False(t, s.Messages.Has(id))

	r = newBuiltinServer(t, path)
	require.False(t, r.Messages.Has(id))
	require.Equal(t, 0, r.Retained.Len())
	require.Equal(t, uint64(7), r.Messages.LastID())
}

func TestRetainMessageReplace(t *testing.T) {
	s := newServer()
	a, _ := s.PublishMessage(storage.StoredMessage{Topic: "t", Retain: true})
	b, _ := s.PublishMessage(storage.StoredMessage{Topic: "t", Retain: true})

	require.NoError(t, s.RetainMessage("t", a))
	require.NoError(t, s.RetainMessage("t", a))
	require.NoError(t, s.RetainMessage("t", b))

	got, ok := s.Retained.Get("t")
	require.True(t, ok)
	require.Equal(t, b, got)
	require.False(t, s.Messages.Has(a))
	require.True(t, s.Messages.Has(b))
	require.Equal(t, int64(1), s.Info.Retained)
}

func TestRetainMessageStillReferenced(t *testing.T) {
	s := newServer()
	require.NoError(t, s.AddClient(storage.ClientSession{ID: "c1"}))
	id, _ := s.PublishMessage(storage.StoredMessage{Topic: "t", Retain: true})
	require.NoError(t, s.RetainMessage("t", id))
	require.NoError(t, s.QueueClientMessage(storage.ClientMessage{Client: "c1", StoreID: id, MID: 3}))

	require.NoError(t, s.ClearRetained("t"))
	require.True(t, s.Messages.Has(id))
	require.NoError(t, s.ClearRetained("t"))
}

func TestRetainMessageNotFound(t *testing.T) {
	s := newServer()
	require.ErrorIs(t, s.RetainMessage("t", 9), storage.ErrMessageNotFound)
}

func TestRetainMessageTopicMismatch(t *testing.T) {
	s := newServer()
	id, _ := s.PublishMessage(storage.StoredMessage{Topic: "a/b", Retain: true})

	require.ErrorIs(t, s.RetainMessage("x", id), ErrRetainTopicMismatch)
	require.ErrorIs(t, s.RetainMessage("y", id), ErrRetainTopicMismatch)
	require.Equal(t, 0, s.Retained.Len())

	require.NoError(t, s.RetainMessage("a/b", id))
	require.NoError(t, s.ClearRetained("x"))
	require.True(t, s.Messages.Has(id))

	got, ok := s.Retained.Get("a/b")
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestRetainMessageBackendFailure(t *testing.T) {
	s := newServer()
	b := new(failBackend)
	require.NoError(t, s.SetBackend(b, nil))
	a, _ := s.PublishMessage(storage.StoredMessage{Topic: "t"})
	c, _ := s.PublishMessage(storage.StoredMessage{Topic: "t"})
	require.NoError(t, s.RetainMessage("t", a))

	b.fail = errTestBackend
	require.ErrorIs(t, s.RetainMessage("t", c), errTestBackend)

	got, _ := s.Retained.Get("t")
	require.Equal(t, a, got)
}

func TestAddClient(t *testing.T) {
	s := newServer()
	require.NoError(t, s.AddClient(storage.ClientSession{ID: "c1"}))
	_, ok := s.Sessions.Get("c1")
	require.True(t, ok)
	require.Equal(t, int64(1), s.Info.ClientsTotal)
}

func TestAddClientBackendFailure(t *testing.T) {
	s := newServer()
	require.NoError(t, s.SetBackend(&failBackend{fail: errTestBackend}, nil))
	require.ErrorIs(t, s.AddClient(storage.ClientSession{ID: "c1"}), errTestBackend)

	_, ok := s.Sessions.Get("c1")
	require.True(t, ok)
	require.Equal(t, int64(1), s.Info.PersistFailures)
}

func TestDisconnectClient(t *testing.T) {
	s := newServer()
	require.ErrorIs(t, s.DisconnectClient("c1", 5), ErrSessionNotFound)

	require.NoError(t, s.AddClient(storage.ClientSession{ID: "c1"}))
	require.NoError(t, s.DisconnectClient("c1", 5))

	session, _ := s.Sessions.Get("c1")
	require.Equal(t, uint16(5), session.LastMID)
	require.InDelta(t, time.Now().Unix(), session.DisconnectTime, 2)
}

func TestDeleteClient(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mochi.db")
	s := newBuiltinServer(t, path)

	require.NoError(t, s.AddClient(storage.ClientSession{ID: "c1"}))
	require.NoError(t, s.AddClient(storage.ClientSession{ID: "c2"}))
	require.NoError(t, s.Subscribe(storage.Subscription{Client: "c1", Filter: "a/#", Qos: 1}))
	require.NoError(t, s.Subscribe(storage.Subscription{Client: "c1", Filter: "b", Qos: 0}))
	require.NoError(t, s.Subscribe(storage.Subscription{Client: "c2", Filter: "a/#", Qos: 2}))

	only, _ := s.PublishMessage(storage.StoredMessage{Topic: "a/b"})
	shared, _ := s.PublishMessage(storage.StoredMessage{Topic: "a/c"})
	require.NoError(t, s.QueueClientMessage(storage.ClientMessage{Client: "c1", StoreID: only, MID: 1, Qos: 1}))
	require.NoError(t, s.QueueClientMessage(storage.ClientMessage{Client: "c1", StoreID: shared, MID: 2, Qos: 1}))
	require.NoError(t, s.QueueClientMessage(storage.ClientMessage{Client: "c2", StoreID: shared, MID: 1, Qos: 1}))

	require.NoError(t, s.DeleteClient("c1"))
	require.Equal(t, int64(1), s.Info.PersistTransactions)

	_, ok := s.Sessions.Get("c1")
	require.False(t, ok)
	require.Empty(t, s.Subscriptions.Client("c1"))
	require.Empty(t, s.ClientMessages.Client("c1"))
	require.False(t, s.Messages.Has(only))
	require.True(t, s.Messages.Has(shared))

	r := newBuiltinServer(t, path)
	_, ok = r.Sessions.Get("c1")
	require.False(t, ok)
	require.Equal(t, 1, r.Subscriptions.Len())
	require.Equal(t, 1, r.ClientMessages.Len())
	require.False(t, r.Messages.Has(only))
	require.True(t, r.Messages.Has(shared))

	require.ErrorIs(t, s.DeleteClient("c1"), ErrSessionNotFound)
}

func TestSubscribe(t *testing.T) {
	s := newServer()
	require.ErrorIs(t, s.Subscribe(storage.Subscription{Client: "c1", Filter: "a"}), ErrSessionNotFound)
	require.ErrorIs(t, s.Subscribe(storage.Subscription{Client: "c1", Filter: "a", Qos: 3}), packets.ErrProtocolViolationQosOutOfRange)

	require.NoError(t, s.AddClient(storage.ClientSession{ID: "c1"}))
	require.NoError(t, s.Subscribe(storage.Subscription{Client: "c1", Filter: "a", Qos: 1}))
	require.NoError(t, s.Subscribe(storage.Subscription{Client: "c1", Filter: "a", Qos: 2}))

	sub, ok := s.Subscriptions.Get("c1", "a")
	require.True(t, ok)
	require.Equal(t, byte(2), sub.Qos)
	require.Equal(t, int64(1), s.Info.Subscriptions)

	existed, err := s.Unsubscribe("c1", "a")
	require.NoError(t, err)
	require.True(t, existed)

	existed, err = s.Unsubscribe("c1", "a")
	require.NoError(t, err)
	require.False(t, existed)
	require.Equal(t, int64(0), s.Info.Subscriptions)
}

func TestQueueClientMessage(t *testing.T) {
	s := newServer()
	cm := storage.ClientMessage{Client: "c1", StoreID: 1, MID: 1, Qos: 1, State: storage.StatePublishQos1}
	require.ErrorIs(t, s.QueueClientMessage(cm), ErrSessionNotFound)

	require.NoError(t, s.AddClient(storage.ClientSession{ID: "c1"}))
	require.ErrorIs(t, s.QueueClientMessage(cm), storage.ErrMessageNotFound)

	a, _ := s.PublishMessage(storage.StoredMessage{Topic: "t"})
	b, _ := s.PublishMessage(storage.StoredMessage{Topic: "t"})
	cm.StoreID = a
	require.NoError(t, s.QueueClientMessage(cm))
	require.Equal(t, 1, s.ClientMessages.Refs(a))

	cm.StoreID = b
	require.NoError(t, s.QueueClientMessage(cm))
	require.Equal(t, 1, s.ClientMessages.Len())
	require.False(t, s.Messages.Has(a))
	require.Equal(t, 1, s.ClientMessages.Refs(b))
}

func TestUpdateClientMessage(t *testing.T) {
	s := newServer()
	require.NoError(t, s.AddClient(storage.ClientSession{ID: "c1"}))
	id, _ := s.PublishMessage(storage.StoredMessage{Topic: "t", Qos: 2})
	cm := storage.ClientMessage{Client: "c1", StoreID: id, MID: 4, Qos: 2, Direction: storage.DirectionOut, State: storage.StateWaitForPubrec}
	require.ErrorIs(t, s.UpdateClientMessage(cm.Key(), storage.StateWaitForPubcomp, false), ErrClientMessageNotFound)

	require.NoError(t, s.QueueClientMessage(cm))
	require.NoError(t, s.UpdateClientMessage(cm.Key(), storage.StateWaitForPubcomp, true))

	got, _ := s.ClientMessages.Get(cm.Key())
	require.Equal(t, storage.StateWaitForPubcomp, got.State)
	require.True(t, got.Dup)

	require.NoError(t, s.CompleteClientMessage(cm.Key()))
	require.ErrorIs(t, s.CompleteClientMessage(cm.Key()), ErrClientMessageNotFound)
	require.Equal(t, int64(0), s.Info.Inflight)
}

func TestBackupAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mochi.db")
	s := newBuiltinServer(t, path)
	_, err := s.PublishMessage(storage.StoredMessage{Topic: "t"})
	require.NoError(t, err)

	require.NoError(t, s.Backup(false))
	require.NoError(t, s.Close())

	b := new(builtin.Backend)
	require.NoError(t, b.Init(&builtin.Options{Path: path}))
	rec := persisttest.Restore(t, b)
	require.True(t, rec.Config.Shutdown)
	require.Equal(t, uint64(1), rec.Config.LastStoreID)
	require.Len(t, rec.Messages, 1)
}

func TestBackupUnsupported(t *testing.T) {
	s := newServer()
	require.NoError(t, s.Backup(true))
	require.NoError(t, s.Close())
}

func TestEstablishConnection(t *testing.T) {
	got := make(chan *packets.Buffer, 1)
	s := New(&Options{
		Logger: logger,
		OnPacket: func(cl *Client, pk *packets.Buffer) error {
			got <- pk
			return nil
		},
	})

	r, w := net.Pipe()
	done := make(chan error)
	go func() {
		done <- s.EstablishConnection("tcp1", r)
	}()

	_, err := w.Write(connectFrame(t))
	require.NoError(t, err)
	pk := <-got
	require.Equal(t, packets.Connect, pk.Type())
	require.Equal(t, int64(1), s.Info.ClientsConnected)
	require.Equal(t, 1, s.Clients.Len())

	_ = w.Close()
	require.NoError(t, <-done)
	require.Equal(t, int64(0), s.Info.ClientsConnected)
	require.Equal(t, 0, s.Clients.Len())
}

func TestEstablishConnectionProtocolError(t *testing.T) {
	s := newServer()
	r, w := net.Pipe()
	defer w.Close()

	done := make(chan error)
	go func() {
		done <- s.EstablishConnection("tcp1", r)
	}()

	_, err := w.Write([]byte{packets.Pingreq << 4})
	require.NoError(t, err)
	require.ErrorIs(t, <-done, packets.ErrProtocolViolationRequireFirstConnect)
}

func TestReceivePacketNoHandler(t *testing.T) {
	s := newServer()
	cl := s.NewClient(nil, "tcp1")
	require.NoError(t, s.receivePacket(cl, packets.NewIncoming(packets.Pingreq<<4, nil)))
}

func TestIdentifyClient(t *testing.T) {
	s := newServer()
	a := s.NewClient(nil, "tcp1")
	b := s.NewClient(nil, "tcp1")
	s.Clients.Add(a)
	s.Clients.Add(b)

	s.IdentifyClient(a, "c1")
	require.Equal(t, "c1", a.ID)
	require.False(t, a.Closed())

	s.IdentifyClient(b, "c1")
	require.True(t, a.Closed())
	require.ErrorIs(t, a.StopCause(), ErrSessionTakenOver)

	got, ok := s.Clients.Get("c1")
	require.True(t, ok)
	require.Equal(t, b, got)
}

func TestAddListener(t *testing.T) {
	s := newServer()
	require.NoError(t, s.AddListener(listeners.NewMockListener("t1", ":1882")))
	require.ErrorIs(t, s.AddListener(listeners.NewMockListener("t1", ":1883")), ErrListenerIDExists)

	l := listeners.NewMockListener("t2", ":1884")
	l.ErrListen = true
	require.Error(t, s.AddListener(l))
}

func TestAddListenersFromConfig(t *testing.T) {
	s := newServer()
	err := s.AddListenersFromConfig([]listeners.Config{
		{Type: listeners.TypeMock, ID: "m1", Address: ":1882"},
		{Type: "unknown", ID: "u1"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, s.Listeners.Len())
}

func TestServeAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mochi.db")
	s := New(&Options{
		Logger:    logger,
		Listeners: []listeners.Config{{Type: listeners.TypeMock, ID: "m1", Address: ":1882"}},
	})
	require.NoError(t, s.SetBackend(new(builtin.Backend), &builtin.Options{Path: path}))
	require.NoError(t, s.Serve())
	require.True(t, s.ready.Load())

	l, ok := s.Listeners.Get("m1")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return l.(*listeners.MockListener).IsServing()
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	require.False(t, l.(*listeners.MockListener).IsServing())
}

func TestServeRestoreFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mochi.db")
	b := new(builtin.Backend)
	require.NoError(t, b.Init(&builtin.Options{Path: path}))
	require.NoError(t, b.RetainAdd(5))
	require.NoError(t, b.Stop())

	s := newServer()
	require.NoError(t, s.SetBackend(new(builtin.Backend), &builtin.Options{Path: path}))
	require.ErrorIs(t, s.Serve(), persist.ErrCorruption)
	require.False(t, s.ready.Load())
}

func TestServeBackendFromOptions(t *testing.T) {
	b := new(builtin.Backend)
	s := New(&Options{
		Logger:        logger,
		Backend:       b,
		BackendConfig: &builtin.Options{Path: filepath.Join(t.TempDir(), "mochi.db")},
	})

	require.NoError(t, s.Serve())
	require.Equal(t, b, s.Backend())
	require.True(t, s.ready.Load())
	require.NoError(t, s.Close())
}

func TestServeClearsShutdownFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mochi.db")
	serve := func() *Server {
		s := New(&Options{
			Logger:        logger,
			Backend:       new(builtin.Backend),
			BackendConfig: &builtin.Options{Path: path},
		})
		require.NoError(t, s.Serve())
		return s
	}

	s := serve()
	require.NoError(t, s.Close())

	s = serve()
	require.NoError(t, s.AddClient(storage.ClientSession{ID: "c1"}))
	require.NoError(t, s.Backend().Stop()) // crash without a shutdown snapshot

	b := new(builtin.Backend)
	require.NoError(t, b.Init(&builtin.Options{Path: path}))
	rec := persisttest.Restore(t, b)
	require.False(t, rec.Config.Shutdown)
	require.Len(t, rec.Clients, 1)
}

func TestServeBackendFromOptionsInitFailure(t *testing.T) {
	s := New(&Options{
		Logger:        logger,
		Backend:       new(builtin.Backend),
		BackendConfig: "wrong",
	})

	require.Error(t, s.Serve())
	require.False(t, s.ready.Load())
}
