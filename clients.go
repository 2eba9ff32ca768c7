// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"errors"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mochi-mqtt/durable/packets"
	"github.com/rs/xid"
)

const (
	// defaultKeepalive is the default connection keepalive value in seconds.
	defaultKeepalive uint16 = 60

	// defaultPollInterval is how long a read or write waits on the connection
	// before reporting that it would block.
	defaultPollInterval = time.Second
)

var (
	ErrKeepaliveTimeout = errors.New("keepalive timeout") // no packet arrived within 1.5 times the keepalive
)

// Clients contains a map of the clients known by the broker.
type Clients struct {
	internal map[string]*Client // clients known by the broker, keyed on client id.
	sync.RWMutex
}

// NewClients returns an instance of Clients.
func NewClients() *Clients {
	return &Clients{
		internal: make(map[string]*Client),
	}
}

// Add adds a new client to the clients map, keyed on client id.
func (cl *Clients) Add(val *Client) {
	cl.Lock()
	defer cl.Unlock()
	cl.internal[val.ID] = val
}

// GetAll returns all the clients.
func (cl *Clients) GetAll() map[string]*Client {
	cl.RLock()
	defer cl.RUnlock()
	m := map[string]*Client{}
	for k, v := range cl.internal {
		m[k] = v
	}
	return m
}

// Get returns the value of a client if it exists.
func (cl *Clients) Get(id string) (*Client, bool) {
	cl.RLock()
	defer cl.RUnlock()
	val, ok := cl.internal[id]
	return val, ok
}

// Len returns the length of the clients map.
func (cl *Clients) Len() int {
	cl.RLock()
	defer cl.RUnlock()
	val := len(cl.internal)
	return val
}

// Delete removes a client from the map if it is still the client registered
// under its id.
func (cl *Clients) Delete(val *Client) {
	cl.Lock()
	defer cl.Unlock()
	if cl.internal[val.ID] == val {
		delete(cl.internal, val.ID)
	}
}

// Identify moves a client to a new id. A different client already registered
// under the id is returned so the caller can stop it.
func (cl *Clients) Identify(val *Client, id string) (*Client, bool) {
	cl.Lock()
	defer cl.Unlock()

	if cl.internal[val.ID] == val {
		delete(cl.internal, val.ID)
	}

	existing, ok := cl.internal[id]
	val.ID = id
	cl.internal[id] = val
	return existing, ok && existing != val
}

// GetByListener returns clients matching a listener id, ordered by client id.
func (cl *Clients) GetByListener(id string) []*Client {
	cl.RLock()
	defer cl.RUnlock()
	clients := make([]*Client, 0, len(cl.internal))
	for _, client := range cl.internal {
		if client.Net.Listener == id && !client.Closed() {
			clients = append(clients, client)
		}
	}

	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients
}

// ClientConnection contains the connection transport and metadata for the client.
type ClientConnection struct {
	Conn     net.Conn // the net.Conn used to establish the connection
	Remote   string   // the remote address of the client
	Listener string   // listener id of the client
}

// Client is a single network connection. Its Reader is owned by the goroutine
// running Read; its Queue may be written to from anywhere.
type Client struct {
	ID           string           // the client id, a generated placeholder until identified
	Net          ClientConnection // network connection state of the client
	Reader       Reader           // assembles incoming packets
	Queue        Queue            // outgoing packets waiting to be written
	PollInterval time.Duration    // how long a single read or write may wait
	keepalive    atomic.Uint32    // the keepalive in seconds
	lastIn       atomic.Int64     // unix nanoseconds of the last inbound activity
	lastOut      atomic.Int64     // unix nanoseconds of the last completed write
	drainMu      sync.Mutex       // serialises queue drains
	wake         chan struct{}    // signals the write loop
	done         chan struct{}    // closed when the client stops
	stopOnce     sync.Once
	stopCause    atomic.Value
	log          *slog.Logger
}

// NewClient returns a new Client for a connection, populated with the server's
// framing options and counters.
func (s *Server) NewClient(c net.Conn, listener string) *Client {
	cl := &Client{
		ID:           xid.New().String(),
		PollInterval: defaultPollInterval,
		Net: ClientConnection{
			Conn:     c,
			Listener: listener,
		},
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	if c != nil && c.RemoteAddr() != nil {
		cl.Net.Remote = c.RemoteAddr().String()
	}

	cl.log = s.Log.With("client", cl.ID, "remote", cl.Net.Remote, "listener", listener)
	cl.Reader = Reader{
		MaximumPacketSize: s.Options.MaximumPacketSize,
		Info:              s.Info,
		OnProgress:        cl.touch,
		OnOversize:        cl.sendPacketTooLarge,
	}
	cl.Queue.Info = s.Info
	cl.Queue.OnSent = cl.onSent
	cl.SetKeepalive(s.Options.Keepalive)

	now := time.Now().UnixNano()
	cl.lastIn.Store(now)
	cl.lastOut.Store(now)

	return cl
}

// SetKeepalive sets the keepalive interval in seconds. Zero disables the check.
func (cl *Client) SetKeepalive(v uint16) {
	cl.keepalive.Store(uint32(v))
}

// Keepalive returns the keepalive interval in seconds.
func (cl *Client) Keepalive() uint16 {
	return uint16(cl.keepalive.Load())
}

// SetProtocolVersion records the negotiated protocol version. It must be called
// from the goroutine running Read.
func (cl *Client) SetProtocolVersion(v byte) {
	cl.Reader.ProtocolVersion = v
}

// touch records inbound activity.
func (cl *Client) touch() {
	cl.lastIn.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last inbound activity.
func (cl *Client) LastActivity() time.Time {
	return time.Unix(0, cl.lastIn.Load())
}

// LastWrite returns the time the last outgoing packet finished writing.
func (cl *Client) LastWrite() time.Time {
	return time.Unix(0, cl.lastOut.Load())
}

// Expired returns true if nothing has arrived for one and a half keepalive periods.
func (cl *Client) Expired(now time.Time) bool {
	ka := cl.keepalive.Load()
	if ka == 0 {
		return false
	}

	limit := time.Duration(ka+ka/2) * time.Second
	return now.Sub(cl.LastActivity()) > limit
}

// ReadPacket reads the next packet from the connection. A nil packet with a
// nil error means the connection had nothing more to read within the poll interval.
func (cl *Client) ReadPacket() (*packets.Buffer, error) {
	if cl.Net.Conn == nil {
		return nil, ErrConnectionClosed
	}

	_ = cl.Net.Conn.SetReadDeadline(time.Now().Add(cl.PollInterval))
	return cl.Reader.ReadPacket(cl.Net.Conn)
}

// watchKeepalive stops the client when the keepalive expires. Some transports
// ignore read deadlines, so an idle read may never return on its own.
func (cl *Client) watchKeepalive(stop <-chan struct{}) {
	interval := cl.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-cl.done:
			return
		case now := <-t.C:
			if cl.Expired(now) {
				cl.Stop(ErrKeepaliveTimeout)
				return
			}
		}
	}
}

// Read reads packets from the connection and passes each one to the handler
// until the connection fails, the keepalive expires, or the client stops.
func (cl *Client) Read(h func(*Client, *packets.Buffer) error) error {
	stop := make(chan struct{})
	defer close(stop)
	go cl.watchKeepalive(stop)

	for {
		if cl.Closed() {
			return cl.StopCause()
		}

		pk, err := cl.ReadPacket()
		if err != nil {
			if cause := cl.StopCause(); cause != nil {
				return cause
			}
			return err
		}

		if pk == nil {
			if cl.Expired(time.Now()) {
				return ErrKeepaliveTimeout
			}
			continue
		}

		cl.touch()
		if err := h(cl, pk); err != nil {
			return err
		}
	}
}

// WritePacket queues a framed packet and wakes the write loop.
func (cl *Client) WritePacket(buf *packets.Buffer) error {
	if err := cl.Queue.Enqueue(buf); err != nil {
		return err
	}

	select {
	case cl.wake <- struct{}{}:
	default:
	}

	return nil
}

// flush drains as much of the queue as the connection accepts within the poll interval.
func (cl *Client) flush() error {
	if cl.Net.Conn == nil {
		return ErrConnectionClosed
	}

	cl.drainMu.Lock()
	defer cl.drainMu.Unlock()

	_ = cl.Net.Conn.SetWriteDeadline(time.Now().Add(cl.PollInterval))
	return cl.Queue.Drain(cl.Net.Conn)
}

// WriteLoop drains the queue whenever packets are added, until the client stops.
func (cl *Client) WriteLoop() {
	for {
		select {
		case <-cl.done:
			return
		case <-cl.wake:
		}

		if err := cl.flush(); err != nil {
			cl.Stop(err)
			return
		}

		if cl.Queue.Len() > 0 { // the connection would block, try again
			select {
			case cl.wake <- struct{}{}:
			default:
			}
		}
	}
}

// sendPacketTooLarge tells a v5 client its packet was rejected for size.
func (cl *Client) sendPacketTooLarge() {
	buf, err := packets.NewBuffer(packets.Disconnect<<4, 1)
	if err != nil {
		return
	}
	_ = buf.WriteByte(packets.ErrPacketTooLarge.Code)

	if err := cl.Queue.Enqueue(buf); err != nil {
		return
	}

	if err := cl.flush(); err != nil {
		cl.log.Debug("failed to send disconnect", "error", err)
	}
}

// onSent is called by the queue once a packet has been written.
func (cl *Client) onSent(buf *packets.Buffer) {
	cl.lastOut.Store(time.Now().UnixNano())
	if buf.Type() == packets.Disconnect {
		cl.log.Debug("disconnect sent")
	}
}

// Stop closes the connection and discards any queued packets. Only the first
// cause is kept.
func (cl *Client) Stop(err error) {
	cl.stopOnce.Do(func() {
		if err == nil {
			err = ErrConnectionClosed
		}
		cl.stopCause.Store(err)
		close(cl.done)

		if n := cl.Queue.Discard(); n > 0 {
			cl.log.Debug("discarded queued packets", "count", n)
		}

		if cl.Net.Conn != nil {
			_ = cl.Net.Conn.Close()
		}
	})
}

// Closed returns true if the client has stopped.
func (cl *Client) Closed() bool {
	select {
	case <-cl.done:
		return true
	default:
		return false
	}
}

// StopCause returns the reason the client stopped, or nil if it is running.
func (cl *Client) StopCause() error {
	if v := cl.stopCause.Load(); v != nil {
		return v.(error)
	}
	return nil
}
