package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	l, err := Init(Options{Level: "debug", Out: &buf})
	require.NoError(t, err)

	l.Debug().Str("session", "s1").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "s1", entry["session"])
	assert.Equal(t, "revbroker", entry["app"])
	assert.Equal(t, "debug", entry["level"])
}

func TestInitBadLevel(t *testing.T) {
	_, err := Init(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestOpenFileAbsolute(t *testing.T) {
	name := filepath.Join(t.TempDir(), "nested", "audit.log")
	f, err := OpenFile(name)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, name, f.Name())
}
