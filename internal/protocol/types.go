package protocol

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Subprotocol is negotiated on both control and data channel upgrades.
const Subprotocol = "tunnel-protocol"

// Query parameters carried on the public listener.
const (
	ParamDst   = "dst"
	ParamID    = "id"
	ParamToken = "token"

	DstRandom = "random"
)

// PortHeader is set on a successful bootstrap upgrade so the client learns the bound port.
const PortHeader = "X-Tunnel-Port"

// TagNewConnection prefixes the control message announcing an accepted TCP connection.
const TagNewConnection = "NC"

var ErrMalformedMessage = errors.New("malformed control message")

// RequestKind is the classification of an inbound upgrade request.
type RequestKind int

const (
	KindPairing RequestKind = iota
	KindBootstrap
)

func (k RequestKind) String() string {
	if k == KindBootstrap {
		return "bootstrap"
	}
	return "pairing"
}

// Params is the parsed parameter set of an upgrade request.
type Params struct {
	Kind  RequestKind
	Dst   string
	ID    string
	Token string
}

// ParseParams reads the request parameters from the query string. When the
// query is empty the path minus its leading slash is parsed as a query, so
// "/dst=random" and "/?dst=random" are equivalent.
func ParseParams(u *url.URL) Params {
	raw := u.RawQuery
	if raw == "" {
		raw = strings.TrimPrefix(u.Path, "/")
		raw = strings.TrimPrefix(raw, "?")
	}
	values, _ := url.ParseQuery(raw)

	p := Params{
		Dst:   values.Get(ParamDst),
		ID:    values.Get(ParamID),
		Token: values.Get(ParamToken),
	}
	if p.Dst != "" {
		p.Kind = KindBootstrap
	}
	return p
}

// FormatNewConnection builds the control message for a new connection id.
func FormatNewConnection(id string) string {
	return TagNewConnection + ":" + id
}

// ParseControlMessage splits a control message into its tag and payload.
func ParseControlMessage(msg string) (tag, payload string, err error) {
	tag, payload, ok := strings.Cut(strings.TrimSpace(msg), ":")
	if !ok || tag == "" || payload == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedMessage, msg)
	}
	return tag, payload, nil
}

// BootstrapQuery returns the query string for a control-session bootstrap.
func BootstrapQuery(dst string) string {
	v := url.Values{}
	v.Set(ParamDst, dst)
	return v.Encode()
}

// PairingQuery returns the query string for a data-channel pairing attempt.
func PairingQuery(id, token string) string {
	v := url.Values{}
	v.Set(ParamID, id)
	v.Set(ParamToken, token)
	return v.Encode()
}
