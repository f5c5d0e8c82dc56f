package broker

import (
	"errors"
	"net/http"

	"revbroker/internal/constants"
	"revbroker/internal/pairing"
	"revbroker/internal/portalloc"
)

var (
	ErrListenerBind       = errors.New("listener bind failure")
	ErrControlChannelLost = errors.New("control channel lost")
	errBadRequest         = errors.New("bad request")
	errRateLimited        = errors.New("rate limited")
)

type rejection struct {
	status int
	msg    string
	label  string
}

// reject maps an error onto the response of a refused upgrade. Bodies stay
// generic so callers learn nothing beyond the status.
func reject(err error) rejection {
	switch {
	case errors.Is(err, pairing.ErrNotFound):
		return rejection{http.StatusNotFound, constants.MsgNotFound, "not_found"}
	case errors.Is(err, pairing.ErrAlreadyClaimed):
		return rejection{http.StatusConflict, constants.MsgConflict, "already_claimed"}
	case errors.Is(err, pairing.ErrStale):
		return rejection{http.StatusForbidden, constants.MsgForbidden, "stale"}
	case errors.Is(err, pairing.ErrTokenDecode):
		return rejection{http.StatusForbidden, constants.MsgForbidden, "invalid_token"}
	case errors.Is(err, portalloc.ErrInvalidPort), errors.Is(err, errBadRequest):
		return rejection{http.StatusBadRequest, constants.MsgBadRequest, "bad_request"}
	case errors.Is(err, portalloc.ErrAllocationExhausted):
		return rejection{http.StatusServiceUnavailable, constants.MsgUnavailable, "exhausted"}
	case errors.Is(err, ErrListenerBind):
		return rejection{http.StatusServiceUnavailable, constants.MsgUnavailable, "bind_failed"}
	case errors.Is(err, errRateLimited):
		return rejection{http.StatusTooManyRequests, constants.MsgTooManyRequests, "rate_limited"}
	default:
		return rejection{http.StatusInternalServerError, "Internal Server Error", "internal"}
	}
}
