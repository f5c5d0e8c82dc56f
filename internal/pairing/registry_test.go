package pairing

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revbroker/internal/crypto"
)

var (
	testSecret = []byte("shared")
	t0         = time.Unix(1_700_000_000, 0)
)

func newPending(t *testing.T, id string, created time.Time) (*Pending, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return &Pending{ID: id, CreatedAt: created, Conn: local}, remote
}

func issue(t *testing.T, secret []byte, at time.Time) string {
	t.Helper()
	token, err := crypto.IssueToken(secret, at)
	require.NoError(t, err)
	return token
}

func assertClosed(t *testing.T, remote net.Conn) {
	t.Helper()
	remote.SetReadDeadline(time.Now().Add(time.Second))
	_, err := remote.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestAttemptPairMatch(t *testing.T) {
	r := NewRegistry(testSecret, Options{})
	p, _ := newPending(t, "conn-1", t0)
	require.NoError(t, r.Register(p))

	got, err := r.AttemptPair(testSecret, "conn-1", issue(t, testSecret, t0.Add(time.Second)), t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Same(t, p, got)
	assert.True(t, got.claimed)
	assert.Equal(t, 0, r.Len())
}

func TestAttemptPairNotFound(t *testing.T) {
	r := NewRegistry(testSecret, Options{})
	_, err := r.AttemptPair(testSecret, "missing", issue(t, testSecret, t0), t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAttemptPairReplayIsAlreadyClaimed(t *testing.T) {
	r := NewRegistry(testSecret, Options{})
	p, _ := newPending(t, "conn-1", t0)
	require.NoError(t, r.Register(p))

	token := issue(t, testSecret, t0)
	_, err := r.AttemptPair(testSecret, "conn-1", token, t0.Add(time.Second))
	require.NoError(t, err)

	_, err = r.AttemptPair(testSecret, "conn-1", token, t0.Add(2*time.Second))
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestAttemptPairStaleToken(t *testing.T) {
	r := NewRegistry(testSecret, Options{})
	p, _ := newPending(t, "conn-1", t0)
	require.NoError(t, r.Register(p))

	old := issue(t, testSecret, t0.Add(-30*time.Second))
	_, err := r.AttemptPair(testSecret, "conn-1", old, t0)
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, 1, r.Len(), "stale token must not remove the entry")

	_, err = r.AttemptPair(testSecret, "conn-1", issue(t, testSecret, t0), t0.Add(time.Second))
	assert.NoError(t, err)
}

func TestAttemptPairExpiredConnection(t *testing.T) {
	r := NewRegistry(testSecret, Options{})
	p, remote := newPending(t, "conn-1", t0)
	require.NoError(t, r.Register(p))

	now := t0.Add(30 * time.Second)
	_, err := r.AttemptPair(testSecret, "conn-1", issue(t, testSecret, now), now)
	assert.ErrorIs(t, err, ErrStale)
	assertClosed(t, remote)

	_, err = r.AttemptPair(testSecret, "conn-1", issue(t, testSecret, now), now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAttemptPairWrongSecretAbandonsEntry(t *testing.T) {
	var forgotten []string
	r := NewRegistry(testSecret, Options{OnForget: func(id string) { forgotten = append(forgotten, id) }})
	p, remote := newPending(t, "conn-1", t0)
	require.NoError(t, r.Register(p))

	_, err := r.AttemptPair(testSecret, "conn-1", issue(t, []byte("other"), t0), t0)
	assert.ErrorIs(t, err, ErrTokenDecode)
	assert.ErrorIs(t, err, crypto.ErrInvalidToken)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, []string{"conn-1"}, forgotten)
	assertClosed(t, remote)

	_, err = r.AttemptPair(testSecret, "conn-1", issue(t, testSecret, t0), t0.Add(time.Second))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAttemptPairGarbageTokenAbandonsEntry(t *testing.T) {
	for name, token := range map[string]string{
		"not base64": "%%%",
		"too short":  "AAAA",
	} {
		t.Run(name, func(t *testing.T) {
			r := NewRegistry(testSecret, Options{})
			p, remote := newPending(t, "conn-1", t0)
			require.NoError(t, r.Register(p))

			_, err := r.AttemptPair(nil, "conn-1", token, t0)
			assert.ErrorIs(t, err, ErrTokenDecode)
			assert.Equal(t, 0, r.Len())
			assertClosed(t, remote)
		})
	}
}

func TestOnPendingTracksWaitingSet(t *testing.T) {
	var waiting int
	r := NewRegistry(testSecret, Options{OnPending: func(delta int) { waiting += delta }})

	claimed, _ := newPending(t, "claimed", t0)
	garbage, _ := newPending(t, "garbage", t0)
	expired, _ := newPending(t, "expired", t0)
	kept, _ := newPending(t, "kept", t0.Add(20*time.Second))
	for _, p := range []*Pending{claimed, garbage, expired, kept} {
		require.NoError(t, r.Register(p))
	}
	assert.Equal(t, 4, waiting)

	_, err := r.AttemptPair(nil, "claimed", issue(t, testSecret, t0), t0.Add(time.Second))
	require.NoError(t, err)
	_, err = r.AttemptPair(nil, "garbage", "AAAA", t0.Add(time.Second))
	require.ErrorIs(t, err, ErrTokenDecode)
	assert.Equal(t, 2, waiting)

	assert.Equal(t, 1, r.Sweep(t0.Add(31*time.Second)))
	assert.Equal(t, 1, waiting)

	r.Close()
	assert.Equal(t, 0, waiting)
	assert.Equal(t, r.Len(), waiting)
}

func TestAttemptPairConcurrentSingleWinner(t *testing.T) {
	for round := 0; round < 20; round++ {
		r := NewRegistry(testSecret, Options{})
		p, _ := newPending(t, "conn-1", t0)
		require.NoError(t, r.Register(p))
		token := issue(t, testSecret, t0)

		const attempts = 8
		var wg sync.WaitGroup
		errs := make([]error, attempts)
		start := make(chan struct{})
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = r.AttemptPair(testSecret, "conn-1", token, t0.Add(time.Second))
			}(i)
		}
		close(start)
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.True(t, errors.Is(err, ErrAlreadyClaimed), "unexpected error %v", err)
		}
		assert.Equal(t, 1, wins)
	}
}

func TestCloseDiscardsEverything(t *testing.T) {
	r := NewRegistry(testSecret, Options{})
	p1, remote1 := newPending(t, "conn-1", t0)
	p2, _ := newPending(t, "conn-2", t0)
	require.NoError(t, r.Register(p1))
	require.NoError(t, r.Register(p2))

	_, err := r.AttemptPair(testSecret, "conn-2", issue(t, testSecret, t0), t0)
	require.NoError(t, err)

	assert.Equal(t, 1, r.Close())
	assertClosed(t, remote1)

	for _, id := range []string{"conn-1", "conn-2"} {
		_, err := r.AttemptPair(testSecret, id, issue(t, testSecret, t0), t0)
		assert.ErrorIs(t, err, ErrNotFound, id)
	}

	p3, _ := newPending(t, "conn-3", t0)
	assert.ErrorIs(t, r.Register(p3), ErrRegistryClosed)
}

func TestSweep(t *testing.T) {
	forgotten := map[string]bool{}
	r := NewRegistry(testSecret, Options{OnForget: func(id string) { forgotten[id] = true }})

	old, remote := newPending(t, "old", t0)
	fresh, _ := newPending(t, "fresh", t0.Add(20*time.Second))
	require.NoError(t, r.Register(old))
	require.NoError(t, r.Register(fresh))

	assert.Equal(t, 1, r.Sweep(t0.Add(31*time.Second)))
	assert.Equal(t, 1, r.Len())
	assert.True(t, forgotten["old"])
	assertClosed(t, remote)
}

func TestRegisterSweepsLazilyAndCaps(t *testing.T) {
	r := NewRegistry(testSecret, Options{MaxPending: 2})
	a, _ := newPending(t, "a", t0)
	b, _ := newPending(t, "b", t0)
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	c, _ := newPending(t, "c", t0.Add(time.Second))
	assert.ErrorIs(t, r.Register(c), ErrTooManyPending)

	d, _ := newPending(t, "d", t0.Add(time.Minute))
	require.NoError(t, r.Register(d))
	assert.Equal(t, 1, r.Len())
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry(testSecret, Options{})
	a, _ := newPending(t, "a", t0)
	require.NoError(t, r.Register(a))
	assert.Error(t, r.Register(a))
}
