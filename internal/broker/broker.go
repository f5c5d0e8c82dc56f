// Package broker serves the public upgrade endpoint. Bootstrap requests open
// control sessions that own a TCP listener; pairing requests claim one
// accepted connection of a session and relay it over a data channel.
package broker

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"revbroker/internal/config"
	"revbroker/internal/constants"
	"revbroker/internal/metrics"
	"revbroker/internal/portalloc"
	"revbroker/internal/protocol"
	"revbroker/internal/security"
	"revbroker/internal/session"
)

var errBrokerShutdown = errors.New("broker shutting down")

type Option func(*Broker)

// WithDirectory publishes session records to dir instead of memory.
func WithDirectory(dir session.Directory) Option {
	return func(b *Broker) { b.directory = dir }
}

func WithAuditLogger(al *security.AuditLogger) Option {
	return func(b *Broker) { b.audit = al }
}

// WithProber replaces the TCP dial prober used for random port allocation.
func WithProber(p portalloc.Prober) Option {
	return func(b *Broker) { b.prober = p }
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

type Broker struct {
	cfg    config.Config
	secret []byte
	now    func() time.Time

	upgrader  websocket.Upgrader
	prober    portalloc.Prober
	allocator *portalloc.Allocator

	mu       sync.RWMutex
	sessions map[string]*controlSession
	index    map[string]*controlSession

	directory   session.Directory
	audit       *security.AuditLogger
	proxies     *security.ProxyResolver
	connLimiter *security.ConnectionLimiter
	bootLimiter *security.BootstrapLimiter
	bruteForce  *security.BruteForceProtector

	pending atomic.Int64

	closing   atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	janitorWG sync.WaitGroup
}

func New(cfg config.Config, opts ...Option) *Broker {
	b := &Broker{
		cfg:         cfg,
		secret:      []byte(cfg.Secret),
		now:         time.Now,
		sessions:    make(map[string]*controlSession),
		index:       make(map[string]*controlSession),
		proxies:     security.NewProxyResolver(cfg.TrustedProxies),
		connLimiter: security.NewConnectionLimiter(cfg.MaxConnectionsPerIP),
		bootLimiter: security.NewBootstrapLimiter(cfg.BootstrapRate, cfg.BootstrapBurst),
		bruteForce:  security.NewBruteForceProtector(cfg.MaxAuthFailures, cfg.BlockDuration),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.directory == nil {
		b.directory = session.NewMemoryStore()
	}
	if b.prober == nil {
		b.prober = portalloc.DialProber{Timeout: cfg.ProbeTimeout}
	}
	b.allocator = portalloc.NewAllocator(b.prober, cfg.ProbeHost)

	b.upgrader = websocket.Upgrader{
		ReadBufferSize:   constants.WSBufferSize,
		WriteBufferSize:  constants.WSBufferSize,
		HandshakeTimeout: constants.WSHandshakeTimeout,
		Subprotocols:     []string{protocol.Subprotocol},
		CheckOrigin: func(r *http.Request) bool {
			return security.ValidateOrigin(r, cfg.AllowedOrigins)
		},
	}

	b.janitorWG.Add(1)
	go b.janitor()
	return b
}

// ServeHTTP classifies an upgrade request as bootstrap or pairing. Anything
// that is not a websocket upgrade gets 404.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, constants.MsgNotFound, http.StatusNotFound)
		return
	}
	if b.closing.Load() {
		http.Error(w, constants.MsgUnavailable, http.StatusServiceUnavailable)
		return
	}

	ip := b.proxies.ClientIP(r)
	params := protocol.ParseParams(r.URL)
	switch params.Kind {
	case protocol.KindBootstrap:
		// The cap bounds control sessions per IP. Data channels are not
		// counted: one session may relay any number of connections.
		if !b.connLimiter.TryConnect(ip) {
			b.audit.LogConnectionLimit(ip)
			metrics.BootstrapTotal.WithLabelValues("conn_limited").Inc()
			http.Error(w, constants.MsgTooManyRequests, http.StatusTooManyRequests)
			return
		}
		defer b.connLimiter.Disconnect(ip)
		b.handleBootstrap(w, r, ip, params)
	default:
		b.handlePairing(w, r, ip, params)
	}
}

func (b *Broker) bind(id string, s *controlSession) {
	b.mu.Lock()
	b.index[id] = s
	b.mu.Unlock()
}

// unbind is called from registry callbacks with the registry lock held, so
// the broker never calls into a registry while holding b.mu.
func (b *Broker) unbind(id string, s *controlSession) {
	b.mu.Lock()
	if b.index[id] == s {
		delete(b.index, id)
	}
	b.mu.Unlock()
}

func (b *Broker) owner(id string) *controlSession {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index[id]
}

func (b *Broker) addSession(s *controlSession) {
	b.mu.Lock()
	b.sessions[s.id] = s
	n := len(b.sessions)
	b.mu.Unlock()
	metrics.ActiveSessions.Set(float64(n))
}

func (b *Broker) removeSession(s *controlSession) {
	b.mu.Lock()
	delete(b.sessions, s.id)
	n := len(b.sessions)
	b.mu.Unlock()
	metrics.ActiveSessions.Set(float64(n))
	b.directory.Delete(s.id)
}

func (b *Broker) snapshot() []*controlSession {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*controlSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	return out
}

// adjustPending is the OnPending hook of every session registry.
func (b *Broker) adjustPending(delta int) {
	b.pending.Add(int64(delta))
	metrics.PendingConnections.Add(float64(delta))
}

// Pending is the number of accepted connections waiting to be paired,
// across all sessions.
func (b *Broker) Pending() int {
	return int(b.pending.Load())
}

// Sessions returns the live sessions held by this broker.
func (b *Broker) Sessions() []session.Record {
	sessions := b.snapshot()
	out := make([]session.Record, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.record())
	}
	return out
}

// Directory is the read model of sessions, possibly shared between brokers.
func (b *Broker) Directory() session.Directory {
	return b.directory
}

func (b *Broker) Ready() bool {
	return !b.closing.Load()
}

// janitor expires unclaimed connections, refreshes directory records and
// prunes idle rate limiters.
func (b *Broker) janitor() {
	defer b.janitorWG.Done()

	interval := b.cfg.SweepInterval
	if interval <= 0 {
		interval = constants.SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Broker) sweep() {
	now := b.now()
	expired := 0
	for _, s := range b.snapshot() {
		expired += s.registry.Sweep(now)
		s.publish()
	}
	b.bootLimiter.Prune()
	if expired > 0 {
		log.Debug().Int("expired", expired).Msg("swept unclaimed connections")
	}
}

// Close shuts every session and stops background work. The broker refuses
// new upgrades afterwards.
func (b *Broker) Close() error {
	b.closing.Store(true)
	b.stopOnce.Do(func() { close(b.stop) })
	b.janitorWG.Wait()

	sessions := b.snapshot()
	for _, s := range sessions {
		s.close(errBrokerShutdown)
	}
	b.bruteForce.Close()
	log.Info().Int("sessions", len(sessions)).Msg("broker closed")
	return nil
}
