package broker

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"revbroker/internal/constants"
	"revbroker/internal/crypto"
	"revbroker/internal/metrics"
	"revbroker/internal/pairing"
	"revbroker/internal/protocol"
	"revbroker/internal/session"
)

// controlSession owns one bootstrapped client: its TCP listener, its control
// channel and the waiting set of accepted connections.
type controlSession struct {
	id         string
	broker     *Broker
	remoteAddr string
	createdAt  time.Time

	ln       net.Listener
	port     int
	ws       *websocket.Conn
	registry *pairing.Registry
	log      zerolog.Logger

	mu           sync.Mutex
	state        session.State
	lastPairedAt time.Time
	pairings     atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

func (s *controlSession) setState(st session.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *controlSession) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *controlSession) markPaired(at time.Time) {
	s.pairings.Add(1)
	s.mu.Lock()
	s.lastPairedAt = at
	s.mu.Unlock()
}

func (s *controlSession) record() session.Record {
	pending := s.pendingLen()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked(pending)
}

// publish refreshes the directory record of an active session. The state is
// checked and the record saved under s.mu, so a save can never follow the
// delete done by close.
func (s *controlSession) publish() {
	pending := s.pendingLen()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != session.StateActive {
		return
	}
	s.broker.directory.Save(s.recordLocked(pending))
}

func (s *controlSession) pendingLen() int {
	if s.registry == nil {
		return 0
	}
	return s.registry.Len()
}

func (s *controlSession) recordLocked(pending int) session.Record {
	return session.Record{
		ID:           s.id,
		Port:         s.port,
		RemoteAddr:   s.remoteAddr,
		State:        s.state,
		CreatedAt:    s.createdAt,
		LastPairedAt: s.lastPairedAt,
		Pending:      pending,
		Pairings:     s.pairings.Load(),
	}
}

// run serves the session until its control channel goes away. It blocks the
// upgrade handler for the lifetime of the session.
func (s *controlSession) run() {
	go s.acceptLoop()
	go s.keepAlive()

	err := s.readLoop()
	s.close(fmt.Errorf("%w: %w", ErrControlChannelLost, err))
}

// readLoop drains the control channel. The client sends nothing meaningful
// on it; reading keeps pongs and close frames flowing.
func (s *controlSession) readLoop() error {
	interval := s.broker.cfg.KeepAliveInterval
	s.ws.SetReadLimit(constants.MaxWSMessageSize)
	if interval > 0 {
		s.ws.SetReadDeadline(time.Now().Add(2 * interval))
		s.ws.SetPongHandler(func(string) error {
			return s.ws.SetReadDeadline(time.Now().Add(2 * interval))
		})
	}

	for {
		if _, _, err := s.ws.ReadMessage(); err != nil {
			return err
		}
	}
}

func (s *controlSession) keepAlive() {
	interval := s.broker.cfg.KeepAliveInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(constants.WriteWait)); err != nil {
				s.close(fmt.Errorf("%w: ping: %v", ErrControlChannelLost, err))
				return
			}
		}
	}
}

// acceptLoop registers each accepted socket and announces it, one at a time,
// so announcements go out in accept order. Sockets are not read here.
func (s *controlSession) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.close(fmt.Errorf("accept: %w", err))
			}
			return
		}
		if err := s.announce(conn); err != nil {
			s.close(err)
			return
		}
	}
}

func (s *controlSession) announce(conn net.Conn) error {
	id, err := crypto.RandomID(constants.ConnectionIDLen)
	if err != nil {
		conn.Close()
		return fmt.Errorf("connection id: %w", err)
	}

	s.broker.bind(id, s)
	p := &pairing.Pending{ID: id, CreatedAt: s.broker.now(), Conn: conn}
	if err := s.registry.Register(p); err != nil {
		s.broker.unbind(id, s)
		conn.Close()
		if errors.Is(err, pairing.ErrRegistryClosed) {
			return err
		}
		metrics.ErrorsTotal.WithLabelValues("register").Inc()
		s.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("dropping accepted connection")
		return nil
	}

	s.ws.SetWriteDeadline(time.Now().Add(constants.WriteWait))
	if err := s.ws.WriteMessage(websocket.TextMessage, []byte(protocol.FormatNewConnection(id))); err != nil {
		return fmt.Errorf("%w: announce: %v", ErrControlChannelLost, err)
	}
	s.log.Debug().Str("conn_id", id).Str("remote", conn.RemoteAddr().String()).Msg("announced connection")
	return nil
}

// close tears the session down: listener, control channel, and every pending
// connection. Safe to call from any goroutine, any number of times.
func (s *controlSession) close(cause error) {
	s.closeOnce.Do(func() {
		s.setState(session.StateClosed)
		close(s.done)

		s.ln.Close()
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(constants.WriteWait))
		s.ws.Close()
		dropped := s.registry.Close()

		s.broker.removeSession(s)

		level := zerolog.InfoLevel
		if !isClientClose(cause) {
			level = zerolog.WarnLevel
			metrics.ErrorsTotal.WithLabelValues("control_lost").Inc()
		}
		s.log.WithLevel(level).Err(cause).
			Int("dropped_pending", dropped).
			Int64("pairings", s.pairings.Load()).
			Msg("control session closed")
		s.broker.audit.LogSessionClose(s.remoteAddr, s.id, s.port, closeReason(cause))
	})
}

func isClientClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return errors.Is(err, errBrokerShutdown)
}

func closeReason(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
