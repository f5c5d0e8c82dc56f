package security

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnectionLimiter caps concurrent upgrade connections per client IP.
// A zero or negative cap disables the limit.
type ConnectionLimiter struct {
	mu          sync.Mutex
	connections map[string]int
	maxConn     int
}

func NewConnectionLimiter(maxConn int) *ConnectionLimiter {
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxConn:     maxConn,
	}
}

func (cl *ConnectionLimiter) TryConnect(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.maxConn > 0 && cl.connections[ip] >= cl.maxConn {
		return false
	}
	cl.connections[ip]++
	return true
}

func (cl *ConnectionLimiter) Disconnect(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.connections[ip] > 0 {
		cl.connections[ip]--
		if cl.connections[ip] == 0 {
			delete(cl.connections, ip)
		}
	}
}

var defaultTrustedCIDRs = []string{"127.0.0.0/8", "::1/128", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}

// ProxyResolver extracts the client IP of a request, honouring forwarding
// headers only when the direct peer is a trusted proxy.
type ProxyResolver struct {
	trusted []*net.IPNet
}

// NewProxyResolver parses cidrs; an empty list selects loopback and the
// private ranges. Unparsable entries are skipped.
func NewProxyResolver(cidrs []string) *ProxyResolver {
	if len(cidrs) == 0 {
		cidrs = defaultTrustedCIDRs
	}
	pr := &ProxyResolver{}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err == nil {
			pr.trusted = append(pr.trusted, network)
		}
	}
	return pr
}

func (pr *ProxyResolver) isTrusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range pr.trusted {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

func (pr *ProxyResolver) ClientIP(r *http.Request) string {
	directIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	if directIP == "" {
		directIP = r.RemoteAddr
	}

	if pr.isTrusted(directIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			clientIP := strings.TrimSpace(strings.Split(xff, ",")[0])
			if net.ParseIP(clientIP) != nil {
				return clientIP
			}
		}
		if xri := r.Header.Get("X-Real-Ip"); xri != "" {
			xri = strings.TrimSpace(xri)
			if net.ParseIP(xri) != nil {
				return xri
			}
		}
	}

	return directIP
}

// BruteForceProtector blocks an IP for blockDuration after maxAttempts
// rejected pairing attempts. A success clears the IP's record.
type BruteForceProtector struct {
	mu            sync.Mutex
	attempts      map[string]*ipAttempts
	maxAttempts   int
	blockDuration time.Duration
	now           func() time.Time
	stop          chan struct{}
	stopOnce      sync.Once
}

type ipAttempts struct {
	count     int
	blockedAt time.Time
}

func NewBruteForceProtector(maxAttempts int, blockDuration time.Duration) *BruteForceProtector {
	bf := &BruteForceProtector{
		attempts:      make(map[string]*ipAttempts),
		maxAttempts:   maxAttempts,
		blockDuration: blockDuration,
		now:           time.Now,
		stop:          make(chan struct{}),
	}
	go bf.cleanup()
	return bf
}

// Check reports whether ip may attempt a pairing.
func (bf *BruteForceProtector) Check(ip string) bool {
	if bf.maxAttempts <= 0 {
		return true
	}

	bf.mu.Lock()
	defer bf.mu.Unlock()

	attempts, exists := bf.attempts[ip]
	if !exists {
		return true
	}

	if !attempts.blockedAt.IsZero() {
		if bf.now().Sub(attempts.blockedAt) < bf.blockDuration {
			return false
		}
		delete(bf.attempts, ip)
		return true
	}

	return attempts.count < bf.maxAttempts
}

// RecordFailure returns the failure count and whether this failure
// triggered a block.
func (bf *BruteForceProtector) RecordFailure(ip string) (int, bool) {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	attempts, exists := bf.attempts[ip]
	if !exists {
		attempts = &ipAttempts{}
		bf.attempts[ip] = attempts
	}

	attempts.count++
	if bf.maxAttempts > 0 && attempts.count >= bf.maxAttempts && attempts.blockedAt.IsZero() {
		attempts.blockedAt = bf.now()
		return attempts.count, true
	}
	return attempts.count, false
}

func (bf *BruteForceProtector) RecordSuccess(ip string) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	delete(bf.attempts, ip)
}

func (bf *BruteForceProtector) Close() {
	bf.stopOnce.Do(func() { close(bf.stop) })
}

func (bf *BruteForceProtector) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-bf.stop:
			return
		case <-ticker.C:
		}
		bf.mu.Lock()
		now := bf.now()
		for ip, attempts := range bf.attempts {
			if !attempts.blockedAt.IsZero() && now.Sub(attempts.blockedAt) > bf.blockDuration {
				delete(bf.attempts, ip)
			}
		}
		bf.mu.Unlock()
	}
}

// BootstrapLimiter is a per-IP token bucket for control-session bootstraps.
// Each bootstrap binds a listener, so it is throttled separately from pairing.
type BootstrapLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewBootstrapLimiter allows perSecond bootstraps per IP with the given burst.
// perSecond <= 0 disables the limiter.
func NewBootstrapLimiter(perSecond float64, burst int) *BootstrapLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &BootstrapLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

func (bl *BootstrapLimiter) Allow(ip string) bool {
	if bl == nil || bl.limit <= 0 {
		return true
	}

	bl.mu.Lock()
	defer bl.mu.Unlock()

	now := bl.now()
	entry, ok := bl.limiters[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(bl.limit, bl.burst)}
		bl.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Prune drops limiters idle for longer than the idle period.
func (bl *BootstrapLimiter) Prune() int {
	if bl == nil {
		return 0
	}
	bl.mu.Lock()
	defer bl.mu.Unlock()

	now := bl.now()
	n := 0
	for ip, entry := range bl.limiters {
		if now.Sub(entry.lastSeen) > bl.idle {
			delete(bl.limiters, ip)
			n++
		}
	}
	return n
}
