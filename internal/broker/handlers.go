package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"revbroker/internal/bridge"
	"revbroker/internal/constants"
	"revbroker/internal/metrics"
	"revbroker/internal/pairing"
	"revbroker/internal/portalloc"
	"revbroker/internal/protocol"
	"revbroker/internal/security"
	"revbroker/internal/session"
)

func (b *Broker) handleBootstrap(w http.ResponseWriter, r *http.Request, ip string, params protocol.Params) {
	fail := func(err error) {
		rej := reject(err)
		metrics.BootstrapTotal.WithLabelValues(rej.label).Inc()
		b.audit.LogBootstrapFailure(ip, params.Dst, err.Error())
		log.Warn().Err(err).Str("ip", ip).Str("dst", security.SanitizeInput(params.Dst)).Msg("bootstrap rejected")
		http.Error(w, rej.msg, rej.status)
	}

	if !b.bootLimiter.Allow(ip) {
		b.audit.LogRateLimit(ip)
		fail(errRateLimited)
		return
	}

	mode, err := portalloc.ParseDst(params.Dst, b.cfg.MinRandomPort, b.cfg.MaxRandomPort)
	if err != nil {
		fail(err)
		return
	}

	s := &controlSession{
		id:         uuid.New().String(),
		broker:     b,
		remoteAddr: ip,
		createdAt:  b.now(),
		state:      session.StateBootstrapping,
		done:       make(chan struct{}),
	}
	b.directory.Save(s.record())

	ln, port, err := b.listen(r.Context(), mode)
	if err != nil {
		b.directory.Delete(s.id)
		fail(err)
		return
	}
	s.ln = ln
	s.port = port
	s.log = log.With().Str("session", s.id).Int("port", port).Logger()
	s.registry = pairing.NewRegistry(b.secret, pairing.Options{
		Window:     b.cfg.PairingWindow,
		MaxPending: b.cfg.MaxPendingPerSession,
		OnForget:   func(id string) { b.unbind(id, s) },
		OnPending:  b.adjustPending,
	})

	header := http.Header{}
	header.Set(protocol.PortHeader, strconv.Itoa(port))
	ws, err := b.upgrader.Upgrade(w, r, header)
	if err != nil {
		// the upgrader has already replied
		ln.Close()
		b.directory.Delete(s.id)
		metrics.BootstrapTotal.WithLabelValues("upgrade_failed").Inc()
		s.log.Warn().Err(err).Msg("control channel upgrade failed")
		return
	}
	s.ws = ws
	s.setState(session.StateActive)

	b.addSession(s)
	s.publish()
	metrics.BootstrapTotal.WithLabelValues("ok").Inc()
	b.audit.LogSessionRegister(ip, s.id, port)
	s.log.Info().Str("ip", ip).Str("mode", mode.String()).Msg("control session opened")

	if b.closing.Load() {
		s.close(errBrokerShutdown)
		return
	}
	s.run()
}

// listen resolves a port and binds it. In random mode a bind failure (the
// port was taken after the probe) triggers a fresh allocation.
func (b *Broker) listen(ctx context.Context, mode portalloc.Mode) (net.Listener, int, error) {
	attempts := 1
	if mode.Random {
		attempts += b.cfg.BindRetries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		actx, cancel := context.WithTimeout(ctx, b.cfg.AllocationTimeout)
		port, err := b.allocator.Allocate(actx, mode)
		cancel()
		if err != nil {
			return nil, 0, err
		}

		ln, err := net.Listen("tcp", net.JoinHostPort(b.cfg.ListenHost, strconv.Itoa(port)))
		if err == nil {
			return ln, port, nil
		}
		lastErr = fmt.Errorf("%w: port %d: %v", ErrListenerBind, port, err)
		log.Debug().Err(err).Int("port", port).Int("attempt", i+1).Msg("bind failed")
	}
	return nil, 0, lastErr
}

func (b *Broker) handlePairing(w http.ResponseWriter, r *http.Request, ip string, params protocol.Params) {
	fail := func(sessionID string, err error) {
		rej := reject(err)
		metrics.PairingsTotal.WithLabelValues(rej.label).Inc()
		b.audit.LogPairingFailure(ip, sessionID, params.ID, err.Error())
		if n, blocked := b.bruteForce.RecordFailure(ip); blocked {
			b.audit.LogBruteForce(ip, n)
			log.Warn().Str("ip", ip).Int("failures", n).Msg("blocking ip after repeated pairing failures")
		}
		if errors.Is(err, pairing.ErrTokenDecode) {
			// the pending socket is gone; do not keep the attempting one alive either
			w.Header().Set("Connection", "close")
		}
		http.Error(w, rej.msg, rej.status)
	}

	if !b.bruteForce.Check(ip) {
		metrics.PairingsTotal.WithLabelValues("blocked").Inc()
		http.Error(w, constants.MsgTooManyRequests, http.StatusTooManyRequests)
		return
	}

	if params.ID == "" || params.Token == "" {
		fail("", fmt.Errorf("%w: missing id or token", errBadRequest))
		return
	}
	if !security.ValidateConnectionID(params.ID) {
		fail("", fmt.Errorf("%w: malformed id", errBadRequest))
		return
	}

	s := b.owner(params.ID)
	if s == nil {
		fail("", pairing.ErrNotFound)
		return
	}

	now := b.now()
	p, err := s.registry.AttemptPair(nil, params.ID, params.Token, now)
	if err != nil {
		fail(s.id, err)
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.Conn.Close()
		metrics.PairingsTotal.WithLabelValues("upgrade_failed").Inc()
		s.log.Warn().Err(err).Str("conn_id", p.ID).Msg("data channel upgrade failed")
		return
	}

	s.markPaired(now)
	b.bruteForce.RecordSuccess(ip)
	metrics.PairingsTotal.WithLabelValues("matched").Inc()
	b.audit.LogPairingSuccess(ip, s.id, p.ID)
	s.log.Debug().Str("conn_id", p.ID).Dur("waited", now.Sub(p.CreatedAt)).Msg("paired")

	stats := bridge.Bind(ws, p.Conn).Wait()
	metrics.BridgeBytesTotal.WithLabelValues("socket_to_channel").Add(float64(stats.SocketToChannel))
	metrics.BridgeBytesTotal.WithLabelValues("channel_to_socket").Add(float64(stats.ChannelToSocket))
	metrics.BridgeDuration.Observe(stats.Duration.Seconds())

	level := zerolog.DebugLevel
	if stats.Err != nil {
		metrics.ErrorsTotal.WithLabelValues("bridge_io").Inc()
		level = zerolog.InfoLevel
	}
	s.log.WithLevel(level).Err(stats.Err).
		Str("conn_id", p.ID).
		Int64("up", stats.SocketToChannel).
		Int64("down", stats.ChannelToSocket).
		Dur("duration", stats.Duration.Round(time.Millisecond)).
		Msg("bridge closed")
}
