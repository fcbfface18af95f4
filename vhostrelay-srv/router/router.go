// Package router resolves the upstream of a request from its host and path.
// A Router is built once from configuration and is read-only afterwards.
package router

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/config"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/hostlist"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/httpwire"
)

var (
	ErrUndefinedVirtualHost = errors.New("undefined virtual host")
	ErrNoMatchingPath       = errors.New("no matching virtual path")
	ErrHostExcluded         = errors.New("host excluded from relaying")
)

// Header is a header line added to forwarded requests.
type Header struct {
	Name  string
	Value string
}

// VirtualPath is one routing rule of a virtual host.
type VirtualPath struct {
	Pattern       string
	Glob          bool
	Target        *url.URL
	AddHeaders    []Header
	RemoveHeaders []string

	matcher glob.Glob
}

// Match reports whether path is covered by this rule. Exact rules compare
// the whole path.
func (vp *VirtualPath) Match(path string) bool {
	if !vp.Glob {
		return vp.Pattern == path
	}
	return vp.matcher.Match(path)
}

// Apply removes and then adds header lines on an outgoing request block.
func (vp *VirtualPath) Apply(b *httpwire.HeaderBlock) {
	for _, name := range vp.RemoveHeaders {
		b.Remove(name)
	}
	for _, h := range vp.AddHeaders {
		b.Add(h.Name, h.Value)
	}
}

// TLS reports whether the upstream is reached over TLS.
func (vp *VirtualPath) TLS() bool {
	return vp.Target.Scheme == "https"
}

// Address returns host:port of the upstream, filling in the scheme's port.
func (vp *VirtualPath) Address() string {
	if port := vp.Target.Port(); port != "" {
		return vp.Target.Host
	}
	if vp.TLS() {
		return net.JoinHostPort(vp.Target.Hostname(), "443")
	}
	return net.JoinHostPort(vp.Target.Hostname(), "80")
}

func (vp *VirtualPath) String() string {
	kind := "exact"
	if vp.Glob {
		kind = "glob"
	}
	return fmt.Sprintf("%s(%s) -> %s", kind, vp.Pattern, vp.Target)
}

// VirtualHost owns the ordered rules of one host name.
type VirtualHost struct {
	Name  string
	Paths []*VirtualPath
}

// Router maps host and path to a VirtualPath.
type Router struct {
	hosts    map[string]*VirtualHost
	excluded *hostlist.List
}

// New builds a router. Each host's rules are ordered exact before glob and,
// within each class, by reverse lexical order of the pattern.
func New(hosts map[string][]config.VirtualPathConfig, excluded *hostlist.List) (*Router, error) {
	r := &Router{hosts: make(map[string]*VirtualHost, len(hosts)), excluded: excluded}
	for name, entries := range hosts {
		key := hostlist.Normalize(name)
		if key == "" {
			return nil, fmt.Errorf("virtual host with empty name")
		}
		vh, ok := r.hosts[key]
		if !ok {
			vh = &VirtualHost{Name: key}
			r.hosts[key] = vh
		}
		for i, entry := range entries {
			vp, err := newVirtualPath(entry)
			if err != nil {
				return nil, fmt.Errorf("virtual host %s entry %d: %w", name, i, err)
			}
			vh.Paths = append(vh.Paths, vp)
		}
	}
	for _, vh := range r.hosts {
		sortPaths(vh.Paths)
	}
	return r, nil
}

func newVirtualPath(entry config.VirtualPathConfig) (*VirtualPath, error) {
	target, err := url.Parse(entry.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", entry.Target, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("target %q must use http or https", entry.Target)
	}
	if target.Hostname() == "" {
		return nil, fmt.Errorf("target %q has no host", entry.Target)
	}

	pattern := entry.Path
	if pattern == "" {
		pattern = config.DefaultVirtualPath
	}
	vp := &VirtualPath{Pattern: pattern, Glob: entry.Glob, Target: target}
	if vp.Glob {
		if vp.matcher, err = glob.Compile(pattern, '/'); err != nil {
			return nil, fmt.Errorf("invalid path pattern %q: %w", pattern, err)
		}
	}

	for _, line := range entry.AddHeaders {
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header line %q", line)
		}
		vp.AddHeaders = append(vp.AddHeaders, Header{
			Name:  strings.TrimSpace(name),
			Value: strings.Trim(value, " \t"),
		})
	}
	vp.RemoveHeaders = append(vp.RemoveHeaders, entry.RemoveHeaders...)
	return vp, nil
}

func sortPaths(paths []*VirtualPath) {
	sort.SliceStable(paths, func(i, j int) bool {
		if paths[i].Glob != paths[j].Glob {
			return !paths[i].Glob
		}
		return paths[i].Pattern > paths[j].Pattern
	})
}

// RequestPath extracts the path used for matching from a request target.
// Absolute-form targets are reduced to their path; query and fragment are
// dropped.
func RequestPath(target string) string {
	if i := strings.Index(target, "://"); i > 0 && !strings.HasPrefix(target, "/") {
		rest := target[i+3:]
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return "/"
		}
		target = rest[slash:]
	}
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	if target == "" {
		return "/"
	}
	return target
}

// Resolve returns the first rule of host matching the path of target.
func (r *Router) Resolve(host, target string) (*VirtualPath, error) {
	key := hostlist.Normalize(host)
	if r.excluded.Match(key) {
		return nil, fmt.Errorf("%w: %s", ErrHostExcluded, key)
	}
	vh, ok := r.hosts[key]
	if !ok || len(vh.Paths) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUndefinedVirtualHost, key)
	}
	path := RequestPath(target)
	for _, vp := range vh.Paths {
		if vp.Match(path) {
			return vp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s%s", ErrNoMatchingPath, key, path)
}

// Hosts returns every virtual host ordered by name.
func (r *Router) Hosts() []*VirtualHost {
	out := make([]*VirtualHost, 0, len(r.hosts))
	for _, vh := range r.hosts {
		out = append(out, vh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of virtual hosts.
func (r *Router) Len() int {
	return len(r.hosts)
}
