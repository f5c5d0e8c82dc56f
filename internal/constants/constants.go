package constants

import "time"

const (
	AppName = "revbroker"
	Version = "0.1.0"
)

// Network defaults
const (
	DefaultAddr        = ":8443"
	DefaultMetricsAddr = ":9100"
	DefaultProbeHost   = "localhost"
	MinPort            = 1
	MaxPort            = 65535
	CopyBufferSize     = 32 * 1024
	WSBufferSize       = 32 * 1024
	MaxWSMessageSize   = 4 * 1024 * 1024
	WSHandshakeTimeout = 10 * time.Second
	DialTimeout        = 10 * time.Second
	ProbeTimeout       = 300 * time.Millisecond
	WriteWait          = 10 * time.Second
)

// Pairing and session lifecycle
const (
	PairingWindow     = 30 * time.Second
	SweepInterval     = 10 * time.Second
	KeepAliveInterval = 30 * time.Second
	AllocationTimeout = 10 * time.Second
	BindRetries       = 3
	ConnectionIDLen   = 20
	ShutdownTimeout   = 5 * time.Second
)

// Client
const (
	DefaultServerURL  = "wss://localhost:8443"
	DefaultTargetHost = "localhost"
	ReconnectDelay    = 3 * time.Second
)

// Rate limiting
const (
	MaxConnectionsPerIP   = 64
	MaxAuthFailures       = 10
	BlockDuration         = 15 * time.Minute
	MaxAuditLogsPerMinute = 600
)

// Redis
const (
	RedisKeyPrefix = "revbroker:session:"
	RedisRecordTTL = 2 * time.Minute
)

// Messages
const (
	MsgNotFound        = "Not found"
	MsgBadRequest      = "Bad request"
	MsgForbidden       = "Forbidden"
	MsgConflict        = "Conflict"
	MsgUnavailable     = "Service unavailable"
	MsgTooManyRequests = "Too many requests"
)

// ANSI colors for CLI output
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
)
