package client

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"revbroker/internal/constants"
)

// NormalizeServerURL maps http(s) and bare host forms onto a websocket base
// URL without a trailing slash, and reports whether TLS verification should be
// skipped (self-signed loopback brokers).
func NormalizeServerURL(serverURL string) (string, bool) {
	serverURL = strings.TrimSuffix(strings.TrimSpace(serverURL), "/")
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		serverURL = "wss://" + strings.TrimPrefix(serverURL, "https://")
	case strings.HasPrefix(serverURL, "http://"):
		serverURL = "ws://" + strings.TrimPrefix(serverURL, "http://")
	case strings.HasPrefix(serverURL, "wss://"), strings.HasPrefix(serverURL, "ws://"):
	default:
		serverURL = "wss://" + serverURL
	}

	secure := strings.HasPrefix(serverURL, "wss://")
	skipTLSVerify := secure && (strings.Contains(serverURL, "localhost") ||
		strings.Contains(serverURL, "127.0.0.1") ||
		strings.Contains(serverURL, "[::1]"))
	return serverURL, skipTLSVerify
}

// ParseTarget accepts "port" or "host:port" for the local service.
func ParseTarget(arg string) (string, error) {
	host := constants.DefaultTargetHost
	portStr := arg
	if _, err := strconv.Atoi(arg); err != nil {
		h, p, err := net.SplitHostPort(arg)
		if err != nil {
			return "", fmt.Errorf("invalid target: %s", arg)
		}
		if h != "" {
			host = h
		}
		portStr = p
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid port number: %s", portStr)
	}
	if port < constants.MinPort || port > constants.MaxPort {
		return "", fmt.Errorf("port number out of range: %d", port)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
