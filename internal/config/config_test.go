package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8443", cfg.Addr)
	assert.Equal(t, 1, cfg.MinRandomPort)
	assert.Equal(t, 65535, cfg.MaxRandomPort)
	assert.Equal(t, 30*time.Second, cfg.PairingWindow)
	assert.Equal(t, 300*time.Millisecond, cfg.ProbeTimeout)
	assert.Equal(t, 3, cfg.BindRetries)
	assert.True(t, cfg.TLS)
	assert.Error(t, cfg.Validate(), "secret is required")
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "config.toml", `
addr = "127.0.0.1:9000"
secret = "s3cret"
min_random_port = 20000
max_random_port = 20010
pairing_window = "10s"
tls = false
trusted_proxies = ["10.0.0.0/8"]
`)
	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, "s3cret", cfg.Secret)
	assert.Equal(t, 20000, cfg.MinRandomPort)
	assert.Equal(t, 20010, cfg.MaxRandomPort)
	assert.Equal(t, 10*time.Second, cfg.PairingWindow)
	assert.False(t, cfg.TLS)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.TrustedProxies)
	// untouched keys keep defaults
	assert.Equal(t, 10*time.Second, cfg.SweepInterval)
	assert.Equal(t, "localhost", cfg.ProbeHost)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileBadDuration(t *testing.T) {
	path := writeFile(t, "config.toml", `pairing_window = "soon"`)
	_, err := Load(path, "")
	assert.ErrorContains(t, err, "pairing_window")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"), "")
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "config.toml", `
secret = "from-file"
max_random_port = 30000
`)
	t.Setenv("REVBROKER_SECRET", "from-env")
	t.Setenv("REVBROKER_BOOTSTRAP_RATE", "2.5")
	t.Setenv("REVBROKER_ALLOWED_ORIGINS", "https://a, https://b,")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Secret)
	assert.Equal(t, 30000, cfg.MaxRandomPort)
	assert.Equal(t, 2.5, cfg.BootstrapRate)
	assert.Equal(t, []string{"https://a", "https://b"}, cfg.AllowedOrigins)
}

func TestEnvFile(t *testing.T) {
	envFile := writeFile(t, ".env", "REVBROKER_REDIS_DB=3\nREVBROKER_LOG_PRETTY=true\n")
	t.Cleanup(func() {
		os.Unsetenv("REVBROKER_REDIS_DB")
		os.Unsetenv("REVBROKER_LOG_PRETTY")
	})

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.True(t, cfg.LogPretty)

	_, err = Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestEnvParseError(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		if k == "REVBROKER_BIND_RETRIES" {
			return "many", true
		}
		return "", false
	})
	assert.ErrorContains(t, err, "REVBROKER_BIND_RETRIES")
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Secret = "x"
	require.NoError(t, valid.Validate())

	cases := map[string]func(*Config){
		"inverted range": func(c *Config) { c.MinRandomPort, c.MaxRandomPort = 500, 100 },
		"range too wide": func(c *Config) { c.MaxRandomPort = 70000 },
		"zero window":    func(c *Config) { c.PairingWindow = 0 },
		"half tls pair":  func(c *Config) { c.TLSCertFile = "cert.pem" },
		"negative rate":  func(c *Config) { c.BootstrapRate = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
