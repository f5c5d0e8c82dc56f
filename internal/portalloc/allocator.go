package portalloc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"time"

	"revbroker/internal/constants"
	"revbroker/internal/protocol"
)

var (
	ErrAllocationExhausted = errors.New("port allocation exhausted")
	ErrInvalidPort         = errors.New("invalid port")
)

// Mode selects how a port is resolved.
type Mode struct {
	Random bool
	Port   int
	Min    int
	Max    int
}

func Explicit(port int) Mode { return Mode{Port: port} }

func Random(min, max int) Mode { return Mode{Random: true, Min: min, Max: max} }

func (m Mode) String() string {
	if m.Random {
		return fmt.Sprintf("random[%d-%d]", m.Min, m.Max)
	}
	return strconv.Itoa(m.Port)
}

// ParseDst maps a bootstrap dst parameter onto a Mode.
func ParseDst(dst string, min, max int) (Mode, error) {
	if dst == protocol.DstRandom {
		if min < constants.MinPort || max > constants.MaxPort || min > max {
			return Mode{}, fmt.Errorf("%w: random range %d-%d", ErrInvalidPort, min, max)
		}
		return Random(min, max), nil
	}
	port, err := strconv.Atoi(dst)
	if err != nil || port < constants.MinPort || port > constants.MaxPort {
		return Mode{}, fmt.Errorf("%w: %q", ErrInvalidPort, dst)
	}
	return Explicit(port), nil
}

// Prober reports whether something is already accepting connections on host:port.
type Prober interface {
	Reachable(ctx context.Context, host string, port int) bool
}

// DialProber probes with a short TCP dial.
type DialProber struct {
	Timeout time.Duration
}

func (p DialProber) Reachable(ctx context.Context, host string, port int) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = constants.ProbeTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Allocator resolves ports for new control sessions. It never binds.
type Allocator struct {
	Prober Prober
	Host   string
	IntN   func(n int) int
}

func NewAllocator(prober Prober, host string) *Allocator {
	if prober == nil {
		prober = DialProber{}
	}
	if host == "" {
		host = constants.DefaultProbeHost
	}
	return &Allocator{Prober: prober, Host: host, IntN: rand.Intn}
}

// Allocate returns the explicit port unchanged, or samples the random range
// until the prober reports a free port. The search has no retry cap and only
// stops early when ctx is done, which yields ErrAllocationExhausted.
func (a *Allocator) Allocate(ctx context.Context, mode Mode) (int, error) {
	if !mode.Random {
		if mode.Port < constants.MinPort || mode.Port > constants.MaxPort {
			return 0, fmt.Errorf("%w: %d", ErrInvalidPort, mode.Port)
		}
		return mode.Port, nil
	}
	if mode.Min > mode.Max {
		return 0, fmt.Errorf("%w: random range %d-%d", ErrInvalidPort, mode.Min, mode.Max)
	}

	span := mode.Max - mode.Min + 1
	for {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrAllocationExhausted, err)
		}
		port := mode.Min + a.IntN(span)
		// a cancelled probe reads as unreachable, so recheck ctx first
		if !a.Prober.Reachable(ctx, a.Host, port) && ctx.Err() == nil {
			return port, nil
		}
	}
}
