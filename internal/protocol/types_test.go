package protocol

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Params
	}{
		{
			name: "bootstrap query",
			raw:  "/?dst=random",
			want: Params{Kind: KindBootstrap, Dst: "random"},
		},
		{
			name: "bootstrap in path",
			raw:  "/dst=8080",
			want: Params{Kind: KindBootstrap, Dst: "8080"},
		},
		{
			name: "pairing",
			raw:  "/?id=abc&token=t0k",
			want: Params{Kind: KindPairing, ID: "abc", Token: "t0k"},
		},
		{
			name: "pairing in path",
			raw:  "/id=abc&token=t0k",
			want: Params{Kind: KindPairing, ID: "abc", Token: "t0k"},
		},
		{
			name: "empty",
			raw:  "/",
			want: Params{Kind: KindPairing},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ParseParams(u))
		})
	}
}

func TestControlMessage(t *testing.T) {
	msg := FormatNewConnection("AbCdEfGhIjKlMnOpQrSt")
	assert.Equal(t, "NC:AbCdEfGhIjKlMnOpQrSt", msg)

	tag, id, err := ParseControlMessage(msg + "\n")
	require.NoError(t, err)
	assert.Equal(t, TagNewConnection, tag)
	assert.Equal(t, "AbCdEfGhIjKlMnOpQrSt", id)

	for _, bad := range []string{"", "NC", "NC:", ":id"} {
		_, _, err := ParseControlMessage(bad)
		assert.ErrorIs(t, err, ErrMalformedMessage, bad)
	}
}

func TestQueriesRoundTrip(t *testing.T) {
	u := &url.URL{Path: "/", RawQuery: PairingQuery("id1", "a+b/c=")}
	p := ParseParams(u)
	assert.Equal(t, KindPairing, p.Kind)
	assert.Equal(t, "id1", p.ID)
	assert.Equal(t, "a+b/c=", p.Token)

	u = &url.URL{Path: "/", RawQuery: BootstrapQuery(DstRandom)}
	assert.Equal(t, KindBootstrap, ParseParams(u).Kind)
}
