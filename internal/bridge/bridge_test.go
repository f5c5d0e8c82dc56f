package bridge

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsPair returns the server and client ends of a live websocket connection.
func wsPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	var server *websocket.Conn
	select {
	case server = <-connCh:
	case <-time.After(5 * time.Second):
		t.Fatal("upgrade did not complete")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func readMessages(t *testing.T, c *websocket.Conn, want int) []byte {
	t.Helper()
	var got bytes.Buffer
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for got.Len() < want {
		mt, msg, err := c.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, mt)
		got.Write(msg)
	}
	return got.Bytes()
}

func TestBridgeRoundTrip(t *testing.T) {
	server, client := wsPair(t)
	local, remote := net.Pipe()
	b := Bind(server, local)
	defer b.Close()

	go remote.Write([]byte("hello from tcp"))
	assert.Equal(t, "hello from tcp", string(readMessages(t, client, len("hello from tcp"))))

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("hello from channel")))
	buf := make([]byte, len("hello from channel"))
	remote.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := io.ReadFull(remote, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello from channel", string(buf))

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("text too")))
	buf = make([]byte, len("text too"))
	_, err = io.ReadFull(remote, buf)
	require.NoError(t, err)
	assert.Equal(t, "text too", string(buf))
}

func TestBridgePreservesOrder(t *testing.T) {
	server, client := wsPair(t)
	local, remote := net.Pipe()
	b := Bind(server, local)
	defer b.Close()

	payload := make([]byte, 256*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	go func() {
		for off := 0; off < len(payload); off += 7000 {
			end := min(off+7000, len(payload))
			if _, err := remote.Write(payload[off:end]); err != nil {
				return
			}
		}
	}()
	assert.True(t, bytes.Equal(payload, readMessages(t, client, len(payload))))

	reverse := make([]byte, 128*1024)
	_, err = rand.Read(reverse)
	require.NoError(t, err)
	go func() {
		for off := 0; off < len(reverse); off += 5000 {
			end := min(off+5000, len(reverse))
			if err := client.WriteMessage(websocket.BinaryMessage, reverse[off:end]); err != nil {
				return
			}
		}
	}()
	got := make([]byte, len(reverse))
	remote.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(remote, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(reverse, got))
}

func TestBridgeSocketCloseClosesChannel(t *testing.T) {
	server, client := wsPair(t)
	local, remote := net.Pipe()
	b := Bind(server, local)

	go remote.Write([]byte("bye"))
	readMessages(t, client, 3)
	require.NoError(t, remote.Close())

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	stats := b.Wait()
	assert.NoError(t, stats.Err)
	assert.EqualValues(t, 3, stats.SocketToChannel)
}

func TestBridgeChannelCloseClosesSocket(t *testing.T) {
	server, client := wsPair(t)
	local, remote := net.Pipe()
	b := Bind(server, local)

	require.NoError(t, client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))

	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop after channel close")
	}

	remote.SetReadDeadline(time.Now().Add(time.Second))
	_, err := remote.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, b.Wait().Err)
}

func TestBridgeAbortReportsError(t *testing.T) {
	server, client := wsPair(t)
	local, remote := net.Pipe()
	defer remote.Close()
	b := Bind(server, local)

	// drop the underlying connection without a close frame
	client.UnderlyingConn().Close()

	stats := b.Wait()
	assert.ErrorIs(t, stats.Err, ErrBridgeIO)
}
