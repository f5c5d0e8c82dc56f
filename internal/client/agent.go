package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"revbroker/internal/bridge"
	"revbroker/internal/constants"
	"revbroker/internal/crypto"
	"revbroker/internal/protocol"
)

// ErrRejected reports a refused upgrade; the status code is in the message.
var ErrRejected = errors.New("broker rejected request")

type Options struct {
	// ServerURL is the broker base URL, ws(s):// or http(s)://.
	ServerURL string
	// Dst is a port number or "random".
	Dst string
	// Target is the host:port of the local service.
	Target             string
	Secret             []byte
	InsecureSkipVerify bool
	ReconnectDelay     time.Duration
	// OnReady is called with the public port each time a control session opens.
	OnReady func(port int)
}

// Agent keeps a control session open and relays each announced connection to
// the local target.
type Agent struct {
	opts   Options
	base   string
	dialer *websocket.Dialer
	wg     sync.WaitGroup
}

func New(opts Options) *Agent {
	base, skip := NormalizeServerURL(opts.ServerURL)
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = constants.ReconnectDelay
	}
	dialer := &websocket.Dialer{
		ReadBufferSize:   constants.WSBufferSize,
		WriteBufferSize:  constants.WSBufferSize,
		HandshakeTimeout: constants.WSHandshakeTimeout,
		Subprotocols:     []string{protocol.Subprotocol},
	}
	if skip || opts.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Agent{opts: opts, base: base, dialer: dialer}
}

// Run keeps a control session open until ctx is cancelled, reconnecting
// after ReconnectDelay whenever the session drops.
func (a *Agent) Run(ctx context.Context) error {
	defer a.wg.Wait()
	for {
		err := a.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Dur("retry_in", a.opts.ReconnectDelay).Msg("control session ended")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.opts.ReconnectDelay):
		}
	}
}

// RunOnce opens one control session and serves it until it ends.
func (a *Agent) RunOnce(ctx context.Context) error {
	ctrl, port, err := a.bootstrap(ctx)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	log.Info().Int("port", port).Str("target", a.opts.Target).Msg("control session open")
	if a.opts.OnReady != nil {
		a.opts.OnReady(port)
	}

	stop := context.AfterFunc(ctx, func() { ctrl.Close() })
	defer stop()

	for {
		_, msg, err := ctrl.ReadMessage()
		if err != nil {
			return fmt.Errorf("control channel: %w", err)
		}
		tag, id, err := protocol.ParseControlMessage(string(msg))
		if err != nil || tag != protocol.TagNewConnection {
			log.Debug().Str("msg", string(msg)).Msg("ignoring control message")
			continue
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.serve(ctx, id); err != nil {
				log.Warn().Err(err).Str("conn_id", id).Msg("connection not relayed")
			}
		}()
	}
}

func (a *Agent) bootstrap(ctx context.Context) (*websocket.Conn, int, error) {
	ctrl, resp, err := a.dialer.DialContext(ctx, a.base+"/?"+protocol.BootstrapQuery(a.opts.Dst), nil)
	if err != nil {
		return nil, 0, dialError("bootstrap", resp, err)
	}
	port, err := strconv.Atoi(resp.Header.Get(protocol.PortHeader))
	if err != nil {
		ctrl.Close()
		return nil, 0, fmt.Errorf("bootstrap: missing %s header", protocol.PortHeader)
	}
	return ctrl, port, nil
}

// serve dials the local target, then claims the announced connection.
// The target is dialed first so nothing is claimed that cannot be relayed.
func (a *Agent) serve(ctx context.Context, id string) error {
	d := net.Dialer{Timeout: constants.DialTimeout}
	local, err := d.DialContext(ctx, "tcp", a.opts.Target)
	if err != nil {
		return fmt.Errorf("dial target: %w", err)
	}

	token, err := crypto.IssueToken(a.opts.Secret, time.Now())
	if err != nil {
		local.Close()
		return err
	}

	data, resp, err := a.dialer.DialContext(ctx, a.base+"/?"+protocol.PairingQuery(id, token), nil)
	if err != nil {
		local.Close()
		return dialError("pair", resp, err)
	}

	stats := bridge.Bind(data, local).Wait()
	log.Debug().Str("conn_id", id).
		Int64("up", stats.SocketToChannel).
		Int64("down", stats.ChannelToSocket).
		AnErr("bridge_err", stats.Err).
		Msg("relay finished")
	return nil
}

func dialError(op string, resp *http.Response, err error) error {
	if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
		return fmt.Errorf("%s: %w: status %d", op, ErrRejected, resp.StatusCode)
	}
	return fmt.Errorf("%s: %w", op, err)
}
