package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDNS(t *testing.T) {
	path := createTempConfigFile(t, "dns.json", `{
  "dns": {
    "enabled": true,
    "servers": [
      {"address": "9.9.9.9:53"},
      {"address": "1.1.1.1:853", "type": "dot", "tls-host": "one.one.one.one", "timeout-seconds": 3}
    ]
  }
}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.DNS.Enabled)
	require.Len(t, cfg.DNS.Servers, 2)
	assert.Equal(t, DNSServerConfig{Address: "9.9.9.9:53", Type: DNSTypeUDP}, cfg.DNS.Servers[0])
	assert.Equal(t, 10*time.Second, cfg.DNS.Servers[0].Timeout())
	assert.Equal(t, DNSTypeDoT, cfg.DNS.Servers[1].Type)
	assert.Equal(t, "one.one.one.one", cfg.DNS.Servers[1].TLSHost)
	assert.Equal(t, 3*time.Second, cfg.DNS.Servers[1].Timeout())
}

func TestLoadConfigDNSErrors(t *testing.T) {
	tests := map[string]string{
		"not an object":   `{"dns": []}`,
		"bad type":        `{"dns": {"servers": [{"address": "1.1.1.1:53", "type": "doh"}]}}`,
		"missing address": `{"dns": {"servers": [{"type": "tcp"}]}}`,
		"enabled empty":   `{"dns": {"enabled": true, "servers": []}}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(createTempConfigFile(t, "dns.json", content))
			assert.Error(t, err)
		})
	}
}

func TestHasChangedDNS(t *testing.T) {
	a := Default()
	b := Default()
	assert.False(t, HasChanged(a, b))

	b.DNS = DNSConfig{Enabled: true, Servers: []DNSServerConfig{{Address: "9.9.9.9:53", Type: DNSTypeUDP}}}
	assert.True(t, HasChanged(a, b))

	a.DNS = DNSConfig{Enabled: true, Servers: []DNSServerConfig{{Address: "9.9.9.9:53", Type: DNSTypeUDP}}}
	assert.False(t, HasChanged(a, b))
}
