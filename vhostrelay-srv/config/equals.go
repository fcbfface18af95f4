package config

import "slices"

// HasChanged returns true if the configuration has changed compared to another config.
// All fields are compared explicitly.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if !slices.Equal(a.Servers, b.Servers) {
		return true
	}
	if a.TimeoutSeconds != b.TimeoutSeconds ||
		a.ConnectTimeoutSeconds != b.ConnectTimeoutSeconds ||
		a.MaxHeaderBytes != b.MaxHeaderBytes ||
		a.BodyBufferBytes != b.BodyBufferBytes ||
		a.LogLevel != b.LogLevel {
		return true
	}
	if a.CA != b.CA || a.Statistics != b.Statistics || a.Console != b.Console {
		return true
	}
	if a.DNS.Enabled != b.DNS.Enabled || !slices.Equal(a.DNS.Servers, b.DNS.Servers) {
		return true
	}
	if !slices.Equal(a.ExcludedHosts, b.ExcludedHosts) {
		return true
	}
	if !virtualHostsEqual(a.VirtualHosts, b.VirtualHosts) {
		return true
	}
	return !slices.EqualFunc(a.Forwards, b.Forwards, forwardEqual)
}

func virtualHostsEqual(a, b map[string][]VirtualPathConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for host, pa := range a {
		pb, ok := b[host]
		if !ok || !slices.EqualFunc(pa, pb, virtualPathEqual) {
			return false
		}
	}
	return true
}

func virtualPathEqual(a, b VirtualPathConfig) bool {
	return a.Target == b.Target &&
		a.Path == b.Path &&
		a.Glob == b.Glob &&
		slices.Equal(a.AddHeaders, b.AddHeaders) &&
		slices.Equal(a.RemoveHeaders, b.RemoveHeaders)
}

func forwardEqual(a, b Forward) bool {
	return a.Type == b.Type &&
		a.Address == b.Address &&
		stringPtrEqual(a.Username, b.Username) &&
		stringPtrEqual(a.Password, b.Password) &&
		slices.Equal(a.Domains, b.Domains)
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
