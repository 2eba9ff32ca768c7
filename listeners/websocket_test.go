// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestNewWebsocket(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	require.Equal(t, "t1", l.ID())
	require.Equal(t, testAddr, l.Address())
	require.Equal(t, "ws", l.Protocol())
}

func TestWebsocketProtocolTLS(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr, TLSConfig: new(tls.Config)})
	require.Equal(t, "wss", l.Protocol())
}

func TestWebsocketInit(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	require.Nil(t, l.listen)
	require.NoError(t, l.Init(logger))
	require.NotNil(t, l.listen)
}

// dialWebsocket serves the listener handler and dials it.
func dialWebsocket(t *testing.T, l *Websocket) *websocket.Conn {
	t.Helper()
	require.NoError(t, l.Init(logger))
	s := httptest.NewServer(http.HandlerFunc(l.handler))
	t.Cleanup(s.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func TestWebsocketReadAcrossMessages(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	got := make(chan []byte, 1)
	l.establish = func(id string, c net.Conn) error {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(-time.Second)))
		buf := make([]byte, 6)
		_, err := io.ReadFull(c, buf)
		got <- buf
		return err
	}

	ws := dialWebsocket(t, l)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x10, 0x04}))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x01, 0x02, 0x03}))

	select {
	case buf := <-got:
		require.Equal(t, []byte{0x10, 0x04, 0x00, 0x01, 0x02, 0x03}, buf)
	case <-time.After(time.Second):
		t.Fatal("nothing read")
	}
}

func TestWebsocketReadShortBuffer(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	got := make(chan []byte, 2)
	l.establish = func(id string, c net.Conn) error {
		for i := 0; i < 2; i++ {
			buf := make([]byte, 2)
			n, err := c.Read(buf)
			if err != nil {
				return err
			}
			got <- buf[:n]
		}
		return nil
	}

	ws := dialWebsocket(t, l)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0xc0, 0x00, 0xd0, 0x00}))
	require.Equal(t, []byte{0xc0, 0x00}, <-got)
	require.Equal(t, []byte{0xd0, 0x00}, <-got)
}

func TestWebsocketWrite(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	l.establish = func(id string, c net.Conn) error {
		n, err := c.Write([]byte{0xd0, 0x00})
		require.Equal(t, 2, n)
		return err
	}

	ws := dialWebsocket(t, l)
	op, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, op)
	require.Equal(t, []byte{0xd0, 0x00}, data)
}

func TestWebsocketInvalidMessage(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	errs := make(chan error, 1)
	l.establish = func(id string, c net.Conn) error {
		_, err := c.Read(make([]byte, 4))
		errs <- err
		return err
	}

	ws := dialWebsocket(t, l)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.ErrorIs(t, <-errs, ErrInvalidMessage)
}

func TestWebsocketNormalClose(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	errs := make(chan error, 1)
	l.establish = func(id string, c net.Conn) error {
		_, err := c.Read(make([]byte, 4))
		errs <- err
		return nil
	}

	ws := dialWebsocket(t, l)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	require.ErrorIs(t, <-errs, io.EOF)
}

func TestWebsocketUpgradeFailure(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	require.NoError(t, l.Init(logger))
	w := httptest.NewRecorder()
	l.handler(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebsocketServeAndClose(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	require.NoError(t, l.Init(logger))

	finished := make(chan struct{})
	go func() {
		l.Serve(MockEstablisher)
		close(finished)
	}()

	time.Sleep(10 * time.Millisecond)
	var closed string
	l.Close(func(id string) {
		closed = id
	})
	<-finished
	require.Equal(t, "t1", closed)
}
