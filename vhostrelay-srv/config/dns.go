package config

import (
	"fmt"
	"time"
)

// DNSType defines the transport of a DNS server
type DNSType string

const (
	DNSTypeUDP DNSType = "udp"
	DNSTypeTCP DNSType = "tcp"
	DNSTypeDoT DNSType = "dot" // DNS over TLS
)

// DNSServerConfig defines one DNS server used for upstream name lookups.
type DNSServerConfig struct {
	Address        string // host:port or [IPv6]:port
	Type           DNSType
	TimeoutSeconds int
	TLSHost        string // SNI for DoT, defaults to the address host
}

// Timeout returns the query timeout, 10 seconds when unset.
func (d DNSServerConfig) Timeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// DNSConfig replaces the system resolver for upstream dials when enabled.
type DNSConfig struct {
	Enabled bool
	Servers []DNSServerConfig
}

func parseDNS(val any, cfg *DNSConfig) error {
	dnsMap, ok := val.(map[string]any)
	if !ok {
		return fmt.Errorf("dns must be an object")
	}
	if v, exists := dnsMap["enabled"]; exists {
		ptr, err := parseValue[bool](v)
		if err != nil {
			return fmt.Errorf("dns.enabled must be a boolean: %w", err)
		}
		cfg.Enabled = *ptr
	}
	v, exists := dnsMap["servers"]
	if !exists {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return fmt.Errorf("dns.servers must be an array")
	}
	cfg.Servers = nil
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("invalid dns server at index %d", i)
		}
		server := DNSServerConfig{Type: DNSTypeUDP}
		var typ string
		if err := parseStrings(m, "dns.servers", map[string]*string{
			"address":  &server.Address,
			"type":     &typ,
			"tls-host": &server.TLSHost,
		}); err != nil {
			return err
		}
		switch DNSType(typ) {
		case "":
		case DNSTypeUDP, DNSTypeTCP, DNSTypeDoT:
			server.Type = DNSType(typ)
		default:
			return fmt.Errorf("unsupported dns server type at index %d: %s", i, typ)
		}
		if t, exists := m["timeout-seconds"]; exists {
			ptr, err := parseValue[int](t)
			if err != nil {
				return fmt.Errorf("dns.servers[%d].timeout-seconds must be a number", i)
			}
			server.TimeoutSeconds = *ptr
		}
		if server.Address == "" {
			return fmt.Errorf("dns server at index %d has no address", i)
		}
		cfg.Servers = append(cfg.Servers, server)
	}
	return nil
}
