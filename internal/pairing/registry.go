package pairing

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"revbroker/internal/constants"
	"revbroker/internal/crypto"
)

var (
	ErrNotFound       = errors.New("pairing: connection not found")
	ErrAlreadyClaimed = errors.New("pairing: connection already claimed")
	ErrStale          = errors.New("pairing: stale attempt")
	ErrTokenDecode    = errors.New("pairing: token decode failure")
	ErrRegistryClosed = errors.New("pairing: registry closed")
	ErrTooManyPending = errors.New("pairing: too many pending connections")
)

// Pending is an accepted TCP connection that has not been relayed yet.
type Pending struct {
	ID        string
	CreatedAt time.Time
	Conn      net.Conn
	claimed   bool
}

// Options tune a Registry. Zero values fall back to defaults.
type Options struct {
	Window     time.Duration
	MaxPending int
	// OnForget is called, with the registry lock held, for every id the
	// registry stops tracking (expired, discarded, or dropped on close).
	OnForget func(id string)
	// OnPending reports changes to the number of waiting connections, with
	// the registry lock held.
	OnPending func(delta int)
}

// Registry is the waiting set of one control session. All mutations go
// through a single mutex, which makes AttemptPair linearizable per session.
type Registry struct {
	mu      sync.Mutex
	secret  []byte
	window  time.Duration
	max     int
	pending map[string]*Pending
	claimed map[string]time.Time
	closed  bool

	onForget  func(id string)
	onPending func(delta int)
}

func NewRegistry(secret []byte, opts Options) *Registry {
	if opts.Window <= 0 {
		opts.Window = constants.PairingWindow
	}
	return &Registry{
		secret:    secret,
		window:    opts.Window,
		max:       opts.MaxPending,
		pending:   make(map[string]*Pending),
		claimed:   make(map[string]time.Time),
		onForget:  opts.OnForget,
		onPending: opts.OnPending,
	}
}

// Register adds a connection to the waiting set. Expired entries are swept
// first so a long-lived session never accumulates unclaimed connections.
func (r *Registry) Register(p *Pending) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	r.sweepLocked(p.CreatedAt)
	if r.max > 0 && len(r.pending) >= r.max {
		return ErrTooManyPending
	}
	if _, dup := r.pending[p.ID]; dup {
		return fmt.Errorf("pairing: duplicate connection id %q", p.ID)
	}
	r.pending[p.ID] = p
	r.adjust(1)
	return nil
}

// AttemptPair matches a pairing request against the waiting set. On success
// the entry is marked claimed, removed, and returned; the id is remembered
// for one window so replays report ErrAlreadyClaimed.
//
// A stale token leaves the entry in place so a later correct attempt within
// the window can still claim it. A token that does not decode under the
// session secret abandons the entry: its socket is closed and the id is
// forgotten. Callers see ErrTokenDecode and close the attempting transport.
func (r *Registry) AttemptPair(secret []byte, id, token string, now time.Time) (*Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if secret == nil {
		secret = r.secret
	}

	p, ok := r.pending[id]
	if !ok {
		if _, claimed := r.claimed[id]; claimed {
			return nil, ErrAlreadyClaimed
		}
		return nil, ErrNotFound
	}
	if p.claimed {
		return nil, ErrAlreadyClaimed
	}

	if now.Sub(p.CreatedAt) >= r.window {
		r.dropLocked(p)
		return nil, fmt.Errorf("%w: connection waited %s", ErrStale, now.Sub(p.CreatedAt).Truncate(time.Second))
	}

	if _, err := crypto.ValidateTokenWindow(secret, token, func() time.Time { return now }, r.window); err != nil {
		if errors.Is(err, crypto.ErrTokenStale) {
			return nil, fmt.Errorf("%w: %v", ErrStale, err)
		}
		r.dropLocked(p)
		return nil, fmt.Errorf("%w: %w", ErrTokenDecode, err)
	}

	p.claimed = true
	delete(r.pending, id)
	r.adjust(-1)
	r.claimed[id] = now
	return p, nil
}

// Sweep drops pending entries and claim records older than the window.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(now)
}

func (r *Registry) sweepLocked(now time.Time) int {
	expired := 0
	for _, p := range r.pending {
		if now.Sub(p.CreatedAt) >= r.window {
			r.dropLocked(p)
			expired++
		}
	}
	for id, at := range r.claimed {
		if now.Sub(at) >= r.window {
			delete(r.claimed, id)
			r.forget(id)
		}
	}
	return expired
}

func (r *Registry) dropLocked(p *Pending) {
	delete(r.pending, p.ID)
	r.adjust(-1)
	if p.Conn != nil {
		p.Conn.Close()
	}
	r.forget(p.ID)
}

func (r *Registry) adjust(delta int) {
	if r.onPending != nil {
		r.onPending(delta)
	}
}

func (r *Registry) forget(id string) {
	if r.onForget != nil {
		r.onForget(id)
	}
}

// Close discards every pending connection. Later calls to AttemptPair report
// ErrNotFound for all ids.
func (r *Registry) Close() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0
	}
	r.closed = true

	n := len(r.pending)
	for _, p := range r.pending {
		r.dropLocked(p)
	}
	for id := range r.claimed {
		delete(r.claimed, id)
		r.forget(id)
	}
	return n
}

// Len is the number of connections waiting to be claimed.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
