package security

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"revbroker/internal/constants"
	"revbroker/internal/logger"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AuditEvent is one security relevant occurrence on the public listener.
type AuditEvent struct {
	EventType string
	IP        string
	SessionID string
	ConnID    string
	Port      int
	Details   string
	Severity  Severity
}

// AuditLogger writes AuditEvents as JSON lines to its own writer, capped at
// maxPerMinute events so a flood of rejected attempts cannot fill the disk.
type AuditLogger struct {
	mu           sync.Mutex
	log          zerolog.Logger
	closer       io.Closer
	maxPerMinute int
	count        int
	dropped      int
	windowStart  time.Time
	now          func() time.Time
}

func NewAuditLogger(w io.Writer, maxPerMinute int) *AuditLogger {
	if maxPerMinute <= 0 {
		maxPerMinute = constants.MaxAuditLogsPerMinute
	}
	al := &AuditLogger{
		log:          zerolog.New(w).With().Timestamp().Str("stream", "audit").Logger(),
		maxPerMinute: maxPerMinute,
		now:          time.Now,
	}
	al.windowStart = al.now()
	if c, ok := w.(io.Closer); ok && w != os.Stderr && w != os.Stdout {
		al.closer = c
	}
	return al
}

// OpenAuditLogger opens path (relative paths live in the log directory);
// an empty path audits to stderr.
func OpenAuditLogger(path string) (*AuditLogger, error) {
	if path == "" {
		return NewAuditLogger(os.Stderr, 0), nil
	}
	f, err := logger.OpenFile(path)
	if err != nil {
		return nil, err
	}
	return NewAuditLogger(f, 0), nil
}

func (al *AuditLogger) Log(event AuditEvent) {
	if al == nil {
		return
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	now := al.now()
	if now.Sub(al.windowStart) > time.Minute {
		if al.dropped > 0 {
			al.log.Warn().Str("event_type", "audit_dropped").Int("count", al.dropped).Msg("audit events dropped")
		}
		al.windowStart = now
		al.count = 0
		al.dropped = 0
	}

	if al.count >= al.maxPerMinute {
		al.dropped++
		return
	}
	al.count++

	var ev *zerolog.Event
	switch event.Severity {
	case SeverityCritical:
		ev = al.log.Error()
	case SeverityWarning:
		ev = al.log.Warn()
	default:
		ev = al.log.Info()
	}
	ev = ev.Str("event_type", event.EventType).Str("ip", event.IP)
	if event.SessionID != "" {
		ev = ev.Str("session", event.SessionID)
	}
	if event.ConnID != "" {
		ev = ev.Str("conn_id", event.ConnID)
	}
	if event.Port != 0 {
		ev = ev.Int("port", event.Port)
	}
	ev.Msg(event.Details)
}

func (al *AuditLogger) LogSessionRegister(ip, sessionID string, port int) {
	al.Log(AuditEvent{
		EventType: "session_register",
		IP:        ip,
		SessionID: sessionID,
		Port:      port,
		Details:   "control session registered",
		Severity:  SeverityInfo,
	})
}

func (al *AuditLogger) LogSessionClose(ip, sessionID string, port int, reason string) {
	al.Log(AuditEvent{
		EventType: "session_close",
		IP:        ip,
		SessionID: sessionID,
		Port:      port,
		Details:   "control session closed: " + reason,
		Severity:  SeverityInfo,
	})
}

func (al *AuditLogger) LogBootstrapFailure(ip, dst, reason string) {
	al.Log(AuditEvent{
		EventType: "bootstrap_failure",
		IP:        ip,
		Details:   "bootstrap dst=" + SanitizeInput(dst) + " failed: " + reason,
		Severity:  SeverityWarning,
	})
}

func (al *AuditLogger) LogPairingSuccess(ip, sessionID, connID string) {
	al.Log(AuditEvent{
		EventType: "pairing_success",
		IP:        ip,
		SessionID: sessionID,
		ConnID:    connID,
		Details:   "data channel paired",
		Severity:  SeverityInfo,
	})
}

func (al *AuditLogger) LogPairingFailure(ip, sessionID, connID, reason string) {
	al.Log(AuditEvent{
		EventType: "pairing_failure",
		IP:        ip,
		SessionID: sessionID,
		ConnID:    SanitizeInput(connID),
		Details:   "pairing rejected: " + reason,
		Severity:  SeverityWarning,
	})
}

func (al *AuditLogger) LogBruteForce(ip string, attempts int) {
	al.Log(AuditEvent{
		EventType: "brute_force",
		IP:        ip,
		Details:   fmt.Sprintf("ip blocked after %d failed pairing attempts", attempts),
		Severity:  SeverityCritical,
	})
}

func (al *AuditLogger) LogRateLimit(ip string) {
	al.Log(AuditEvent{
		EventType: "rate_limit",
		IP:        ip,
		Details:   "bootstrap rate limit exceeded",
		Severity:  SeverityWarning,
	})
}

func (al *AuditLogger) LogConnectionLimit(ip string) {
	al.Log(AuditEvent{
		EventType: "connection_limit",
		IP:        ip,
		Details:   "connection limit exceeded",
		Severity:  SeverityWarning,
	})
}

func (al *AuditLogger) Close() error {
	if al == nil || al.closer == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.closer.Close()
}
