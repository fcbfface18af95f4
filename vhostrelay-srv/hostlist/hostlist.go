// Package hostlist matches host names against a list of domains. An entry
// matches the domain itself and every subdomain of it.
package hostlist

import (
	"net"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

// end marks the right edge of a host so that patterns only hit suffixes.
const end = "\x00"

// List is an immutable domain list backed by an Aho-Corasick trie.
type List struct {
	trie    *ahocorasick.Trie
	domains []string
}

// Normalize lowercases a host and strips a port and a trailing dot.
func Normalize(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// New builds a list from domains. Empty entries are ignored; a leading "*."
// or "." is accepted and has the same meaning as the bare domain.
func New(domains []string) *List {
	l := &List{}
	patterns := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.TrimPrefix(strings.TrimPrefix(Normalize(d), "*"), ".")
		if d == "" {
			continue
		}
		l.domains = append(l.domains, d)
		patterns = append(patterns, "."+d+end)
	}
	if len(patterns) > 0 {
		l.trie = ahocorasick.NewTrieBuilder().AddStrings(patterns).Build()
	}
	return l
}

// Match reports whether host is one of the domains or below one of them.
func (l *List) Match(host string) bool {
	if l == nil || l.trie == nil {
		return false
	}
	host = Normalize(host)
	if host == "" {
		return false
	}
	return len(l.trie.MatchString("."+host+end)) > 0
}

// Domains returns the normalized entries.
func (l *List) Domains() []string {
	if l == nil {
		return nil
	}
	return append([]string(nil), l.domains...)
}

// Len returns the number of entries.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.domains)
}
