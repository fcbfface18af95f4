package console

import (
	"net/http"
	"strconv"
	"time"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/logger"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/stats"
)

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Overview       *stats.OverviewStats `json:"overview"`
	TopHosts       []stats.HostStats    `json:"top_hosts"`
	RecentErrors   []stats.ErrorSummary `json:"recent_errors"`
	ActiveSessions int                  `json:"active_sessions"`
	UptimeSeconds  float64              `json:"uptime_seconds"`
	LastUpdated    time.Time            `json:"last_updated"`
}

// VirtualPathInfo describes one routing rule.
type VirtualPathInfo struct {
	Pattern       string   `json:"pattern"`
	Glob          bool     `json:"glob"`
	Target        string   `json:"target"`
	AddHeaders    []string `json:"add_headers,omitempty"`
	RemoveHeaders []string `json:"remove_headers,omitempty"`
}

// VirtualHostInfo describes one virtual host with its rules in match order.
type VirtualHostInfo struct {
	Name  string            `json:"name"`
	Paths []VirtualPathInfo `json:"paths"`
}

// ServerInfo describes one configured listener.
type ServerInfo struct {
	Type          string `json:"type"`
	ListenAddress string `json:"listen_address"`
	Enabled       bool   `json:"enabled"`
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return def
}

func (c *Console) serveStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := queryLimit(r, 20)

	overview, err := c.collector.GetOverviewStats(ctx)
	if err != nil {
		logger.Error("Failed to load overview stats: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load data")
		return
	}
	hosts, err := c.collector.GetTopHosts(ctx, limit)
	if err != nil {
		logger.Error("Failed to load top hosts: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load data")
		return
	}
	recent, err := c.collector.GetRecentErrors(ctx, limit)
	if err != nil {
		logger.Error("Failed to load recent errors: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load data")
		return
	}

	resp := StatsResponse{
		Overview:      overview,
		TopHosts:      hosts,
		RecentErrors:  recent,
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		LastUpdated:   time.Now().UTC(),
	}
	if resp.Overview == nil {
		resp.Overview = &stats.OverviewStats{}
	}
	if resp.TopHosts == nil {
		resp.TopHosts = []stats.HostStats{}
	}
	if resp.RecentErrors == nil {
		resp.RecentErrors = []stats.ErrorSummary{}
	}
	if c.relay != nil {
		resp.ActiveSessions = c.relay.ActiveSessions()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *Console) serveVirtualHosts(w http.ResponseWriter, _ *http.Request) {
	out := []VirtualHostInfo{}
	if c.router != nil {
		for _, vh := range c.router.Hosts() {
			info := VirtualHostInfo{Name: vh.Name, Paths: make([]VirtualPathInfo, 0, len(vh.Paths))}
			for _, vp := range vh.Paths {
				p := VirtualPathInfo{
					Pattern:       vp.Pattern,
					Glob:          vp.Glob,
					Target:        vp.Target.String(),
					RemoveHeaders: vp.RemoveHeaders,
				}
				for _, h := range vp.AddHeaders {
					p.AddHeaders = append(p.AddHeaders, h.Name+": "+h.Value)
				}
				info.Paths = append(info.Paths, p)
			}
			out = append(out, info)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *Console) serveCertificates(w http.ResponseWriter, _ *http.Request) {
	domains := []string{}
	if c.certs != nil {
		domains = append(domains, c.certs.Domains()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(domains),
		"domains": domains,
	})
}

func (c *Console) serveServers(w http.ResponseWriter, _ *http.Request) {
	out := []ServerInfo{}
	if c.relay != nil {
		for _, s := range c.relay.Servers() {
			out = append(out, ServerInfo{Type: string(s.Type), ListenAddress: s.ListenAddress, Enabled: s.Enabled})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *Console) serveRootPEM(w http.ResponseWriter, _ *http.Request) {
	if c.certs == nil {
		writeError(w, http.StatusNotFound, "no certificate authority configured")
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="vhostrelay-ca.pem"`)
	if _, err := w.Write(c.certs.RootPEM()); err != nil {
		logger.Debug("Failed to write root certificate: %v", err)
	}
}
