package security

import (
	"net/http"
	"strings"

	"revbroker/internal/constants"
)

// ValidateConnectionID checks the shape of a pairing id before it reaches the
// registry: fixed length, ASCII letters and digits only.
func ValidateConnectionID(id string) bool {
	if len(id) != constants.ConnectionIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

// ValidateOrigin checks the Origin header against allowedOrigins. Requests
// without an Origin (non-browser clients) are always accepted.
func ValidateOrigin(r *http.Request, allowedOrigins []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(allowedOrigins) == 0 {
		return true
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	return false
}

// SanitizeInput strips control characters from client supplied values before
// they are logged, and truncates them.
func SanitizeInput(input string) string {
	const maxLen = 64
	var result strings.Builder
	for _, r := range input {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
		if result.Len() >= maxLen {
			break
		}
	}
	return result.String()
}
