package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTempConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.TimeoutSeconds)
	assert.Equal(t, 10, cfg.ConnectTimeoutSeconds)
	assert.Equal(t, 8192, cfg.MaxHeaderBytes)
	assert.Equal(t, 16384, cfg.BodyBufferBytes)

	httpServer, ok := cfg.Server(ServerTypeHTTP)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:8080", httpServer.ListenAddress)

	_, ok = cfg.Server(ServerTypeConsole)
	assert.False(t, ok)
}

func TestLoadConfigJSON(t *testing.T) {
	path := createTempConfigFile(t, "relay.json", `{
  "servers": [
    {"type": "http", "listen-address": "127.0.0.1:9080"},
    {"type": "https", "listen-address": "127.0.0.1:9443", "enabled": false}
  ],
  "timeout-seconds": 5,
  "connect-timeout-seconds": "3",
  "max-header-bytes": 4096,
  "ca": {"cert-file": "/tmp/ca.crt", "key-file": "/tmp/ca.key", "root-name": "Test Root"},
  "virtual-hosts": {
    "a.test": ["http://127.0.0.1:9000/"],
    "b.test": [
      {"target": "https://10.0.0.1:8443", "path": "/api/*",
       "add-headers": ["X-Relay: yes"], "remove-headers": ["Cookie"]},
      {"target": "http://10.0.0.2", "path": "/static", "add-headers": {"X-B": "2", "X-A": "1"}}
    ]
  },
  "excluded-hosts": ["bank.example"],
  "forwards": [
    {"type": "socks5", "address": "127.0.0.1:1080", "username": "u", "domains": ["internal.test"]},
    {"type": "default-network"}
  ],
  "statistics": {"enabled": true, "backend": "dummy"},
  "log-level": "debug"
}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, ServerTypeHTTPS, cfg.Servers[1].Type)
	assert.False(t, cfg.Servers[1].Enabled)
	assert.Equal(t, 5, cfg.TimeoutSeconds)
	assert.Equal(t, 3, cfg.ConnectTimeoutSeconds)
	assert.Equal(t, 4096, cfg.MaxHeaderBytes)
	assert.Equal(t, "Test Root", cfg.CA.RootName)

	require.Len(t, cfg.VirtualHosts["a.test"], 1)
	assert.Equal(t, VirtualPathConfig{Target: "http://127.0.0.1:9000/", Path: DefaultVirtualPath, Glob: true},
		cfg.VirtualHosts["a.test"][0])

	b := cfg.VirtualHosts["b.test"]
	require.Len(t, b, 2)
	assert.True(t, b[0].Glob)
	assert.Equal(t, []string{"X-Relay: yes"}, b[0].AddHeaders)
	assert.Equal(t, []string{"Cookie"}, b[0].RemoveHeaders)
	assert.False(t, b[1].Glob)
	assert.Equal(t, []string{"X-A: 1", "X-B: 2"}, b[1].AddHeaders)

	assert.Equal(t, []string{"bank.example"}, cfg.ExcludedHosts)

	require.Len(t, cfg.Forwards, 2)
	assert.Equal(t, ForwardTypeSocks5, cfg.Forwards[0].Type)
	require.NotNil(t, cfg.Forwards[0].Username)
	assert.Equal(t, "u", *cfg.Forwards[0].Username)
	assert.Nil(t, cfg.Forwards[0].Password)
	assert.Equal(t, []string{"internal.test"}, cfg.Forwards[0].Domains)
	assert.Equal(t, ForwardTypeDefaultNetwork, cfg.Forwards[1].Type)

	assert.True(t, cfg.Statistics.Enabled)
	assert.Equal(t, "dummy", cfg.Statistics.Backend)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigSecrets(t *testing.T) {
	t.Setenv("RELAY_TEST_JWT", "s3cret")
	path := createTempConfigFile(t, "relay.json", `{
  "console": {"username": "admin", "password": "pw", "jwt-secret": {"_secret": "RELAY_TEST_JWT"}}
}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Console.JWTSecret)

	missing := createTempConfigFile(t, "missing.json", `{"timeout-seconds": {"_secret": "RELAY_TEST_UNSET"}}`)
	_, err = LoadConfig(missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret RELAY_TEST_UNSET not set")
}

func TestLoadConfigErrors(t *testing.T) {
	tests := map[string]string{
		"bad server type":   `{"servers": [{"type": "quic", "listen-address": ":1"}]}`,
		"servers not array": `{"servers": {}}`,
		"missing target":    `{"virtual-hosts": {"a.test": [{"path": "/"}]}}`,
		"bad header line":   `{"virtual-hosts": {"a.test": [{"target": "http://x", "add-headers": ["nocolon"]}]}}`,
		"bad forward":       `{"forwards": [{"type": "carrier-pigeon"}]}`,
		"socks5 no address": `{"forwards": [{"type": "socks5"}]}`,
		"bad backend":       `{"statistics": {"backend": "mongo"}}`,
		"bad timeout":       `{"timeout-seconds": true}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(createTempConfigFile(t, "c.json", content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(createTempConfigFile(t, "c.yaml", "a: b"))
	assert.ErrorContains(t, err, "unsupported config file format")
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("VHOSTRELAY_TIMEOUTSECONDS", "7")
	t.Setenv("VHOSTRELAY_CAFILE", "/etc/relay/ca.crt")
	t.Setenv("VHOSTRELAY_SERVER_0_LISTENADDRESS", "0.0.0.0:80")
	t.Setenv("VHOSTRELAY_SERVER_1_LISTENADDRESS", "0.0.0.0:443")
	t.Setenv("VHOSTRELAY_SERVER_1_ENABLED", "false")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.TimeoutSeconds)
	assert.Equal(t, "/etc/relay/ca.crt", cfg.CA.CertFile)
	require.Len(t, cfg.Servers, 3)
	assert.Equal(t, "0.0.0.0:80", cfg.Servers[0].ListenAddress)
	assert.Equal(t, ServerTypeHTTP, cfg.Servers[0].Type)
	assert.Equal(t, ServerTypeHTTPS, cfg.Servers[1].Type)
	assert.False(t, cfg.Servers[1].Enabled)
}

func TestParseValue(t *testing.T) {
	i, err := parseValue[int](float64(42))
	require.NoError(t, err)
	assert.Equal(t, 42, *i)

	b, err := parseValue[bool]("true")
	require.NoError(t, err)
	assert.True(t, *b)

	_, err = parseValue[string](float64(1))
	assert.Error(t, err)

	_, err = parseValue[int]("x")
	assert.Error(t, err)
}
