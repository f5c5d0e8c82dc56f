package bridge

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"revbroker/internal/constants"
)

var ErrBridgeIO = errors.New("bridge i/o failure")

// Channel is the message-oriented side of a bridge. *websocket.Conn
// satisfies it.
type Channel interface {
	NextReader() (messageType int, r io.Reader, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Stats summarises a finished bridge.
type Stats struct {
	SocketToChannel int64
	ChannelToSocket int64
	Duration        time.Duration
	Err             error
}

// Bridge relays bytes between one TCP socket and one channel. Each direction
// runs in its own goroutine and blocks on the destination, so a slow reader on
// either side stalls the opposite read instead of buffering.
type Bridge struct {
	ch   Channel
	sock net.Conn

	started time.Time
	up      atomic.Int64
	down    atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	stats     Stats
}

// Bind starts relaying. The socket is not read before this call, so bytes
// that arrived while the connection waited for pairing stay in the kernel
// buffer until a destination exists.
func Bind(ch Channel, sock net.Conn) *Bridge {
	b := &Bridge{
		ch:      ch,
		sock:    sock,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	if tc, ok := sock.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	errChan := make(chan error, 2)
	go func() { errChan <- b.socketToChannel() }()
	go func() { errChan <- b.channelToSocket() }()

	go func() {
		err := <-errChan
		b.shutdown(err)
		<-errChan

		b.stats = Stats{
			SocketToChannel: b.up.Load(),
			ChannelToSocket: b.down.Load(),
			Duration:        time.Since(b.started),
			Err:             err,
		}
		close(b.done)
	}()

	return b
}

// Wait blocks until both directions have stopped.
func (b *Bridge) Wait() Stats {
	<-b.done
	return b.stats
}

func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Close tears down both ends.
func (b *Bridge) Close() error {
	b.shutdown(nil)
	return nil
}

func (b *Bridge) shutdown(cause error) {
	b.closeOnce.Do(func() {
		code := websocket.CloseNormalClosure
		if cause != nil {
			code = websocket.CloseInternalServerErr
		}
		_ = b.ch.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(constants.WriteWait))
		b.ch.Close()
		b.sock.Close()
	})
}

func (b *Bridge) socketToChannel() error {
	buf := getBuffer()
	defer putBuffer(buf)

	for {
		n, err := b.sock.Read(buf)
		if n > 0 {
			if werr := b.ch.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return fmt.Errorf("%w: write channel: %v", ErrBridgeIO, werr)
			}
			b.up.Add(int64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: read socket: %v", ErrBridgeIO, err)
		}
	}
}

func (b *Bridge) channelToSocket() error {
	buf := getBuffer()
	defer putBuffer(buf)

	for {
		_, r, err := b.ch.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("%w: read channel: %v", ErrBridgeIO, err)
		}

		n, err := io.CopyBuffer(b.sock, r, buf)
		b.down.Add(n)
		if err != nil {
			return fmt.Errorf("%w: write socket: %v", ErrBridgeIO, err)
		}
	}
}
