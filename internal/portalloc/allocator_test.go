package portalloc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu     sync.Mutex
	busy   map[int]bool
	probed []int
}

func (f *fakeProber) Reachable(_ context.Context, _ string, port int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, port)
	return f.busy[port]
}

func TestAllocateExplicitDoesNotProbe(t *testing.T) {
	p := &fakeProber{busy: map[int]bool{8080: true}}
	a := NewAllocator(p, "")

	port, err := a.Allocate(context.Background(), Explicit(8080))
	require.NoError(t, err)
	assert.Equal(t, 8080, port)
	assert.Empty(t, p.probed)
}

func TestAllocateRandomInRange(t *testing.T) {
	busy := map[int]bool{}
	for port := 20000; port <= 20010; port++ {
		if port != 20007 {
			busy[port] = true
		}
	}
	p := &fakeProber{busy: busy}
	a := NewAllocator(p, "")

	port, err := a.Allocate(context.Background(), Random(20000, 20010))
	require.NoError(t, err)
	assert.Equal(t, 20007, port)
	for _, probed := range p.probed {
		assert.GreaterOrEqual(t, probed, 20000)
		assert.LessOrEqual(t, probed, 20010)
	}
}

func TestAllocateRandomUsesSampler(t *testing.T) {
	samples := []int{0, 1, 2}
	a := &Allocator{
		Prober: &fakeProber{busy: map[int]bool{20000: true, 20001: true}},
		Host:   "localhost",
		IntN: func(n int) int {
			v := samples[0]
			samples = samples[1:]
			return v
		},
	}
	port, err := a.Allocate(context.Background(), Random(20000, 20010))
	require.NoError(t, err)
	assert.Equal(t, 20002, port)
}

func TestAllocateExhaustedOnTimeout(t *testing.T) {
	p := &fakeProber{busy: map[int]bool{30000: true, 30001: true}}
	a := NewAllocator(p, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Allocate(ctx, Random(30000, 30001))
	assert.ErrorIs(t, err, ErrAllocationExhausted)
}

func TestAllocateInvalid(t *testing.T) {
	a := NewAllocator(&fakeProber{}, "")
	_, err := a.Allocate(context.Background(), Explicit(0))
	assert.ErrorIs(t, err, ErrInvalidPort)
	_, err = a.Allocate(context.Background(), Random(10, 5))
	assert.ErrorIs(t, err, ErrInvalidPort)
}

func TestParseDst(t *testing.T) {
	m, err := ParseDst("random", 20000, 20010)
	require.NoError(t, err)
	assert.Equal(t, Random(20000, 20010), m)

	m, err = ParseDst("9000", 1, 65535)
	require.NoError(t, err)
	assert.Equal(t, Explicit(9000), m)

	for _, bad := range []string{"", "abc", "0", "70000", "-1"} {
		_, err := ParseDst(bad, 1, 65535)
		assert.ErrorIs(t, err, ErrInvalidPort, bad)
	}
	_, err = ParseDst("random", 0, 10)
	assert.ErrorIs(t, err, ErrInvalidPort)
}

func TestDialProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	p := DialProber{Timeout: time.Second}
	assert.True(t, p.Reachable(context.Background(), "127.0.0.1", port))

	require.NoError(t, ln.Close())
	assert.False(t, p.Reachable(context.Background(), "127.0.0.1", port))
}
