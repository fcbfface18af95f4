// Package console serves the admin API of the relay: statistics, the
// configured virtual hosts, issued certificates, the root CA and metrics.
package console

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/config"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/logger"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/metrics"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/router"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/stats"
)

const (
	// SessionCookieName is the name of the authentication cookie
	SessionCookieName = "vhostrelay_console_session"
	// SessionTimeout is how long an issued token stays valid
	SessionTimeout = 24 * time.Hour
)

// RelayInfo is what the console needs from the running relay.
type RelayInfo interface {
	Servers() []config.ServerConfig
	ActiveSessions() int
}

// CertificateStore exposes the dynamic CA.
type CertificateStore interface {
	RootPEM() []byte
	Domains() []string
}

// Claims are the claims of a console token.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Console is the admin HTTP handler.
type Console struct {
	config    *config.Config
	collector stats.Collector
	relay     RelayInfo
	certs     CertificateStore
	router    *router.Router
	metrics   *metrics.Metrics
	jwtSecret []byte
	startTime time.Time
	mux       *http.ServeMux
	server    *http.Server
}

// Deps groups the collaborators of the console. Nil members are reported as
// unavailable by the endpoints using them.
type Deps struct {
	Collector stats.Collector
	Relay     RelayInfo
	Certs     CertificateStore
	Router    *router.Router
	Metrics   *metrics.Metrics
}

// New creates a console. Without a configured secret a random one is
// generated, so tokens do not survive a restart.
func New(cfg *config.Config, deps Deps) *Console {
	secret := []byte(cfg.Console.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			secret = fmt.Appendf(nil, "vhostrelay-console-%d", time.Now().UnixNano())
		}
	}
	collector := deps.Collector
	if collector == nil {
		collector = &stats.DummyCollector{}
	}

	c := &Console{
		config:    cfg,
		collector: collector,
		relay:     deps.Relay,
		certs:     deps.Certs,
		router:    deps.Router,
		metrics:   deps.Metrics,
		jwtSecret: secret,
		startTime: time.Now(),
		mux:       http.NewServeMux(),
	}
	c.routes()
	return c
}

func (c *Console) routes() {
	c.mux.HandleFunc("POST /login", c.serveLogin)
	c.mux.HandleFunc("POST /logout", c.serveLogout)
	c.mux.HandleFunc("GET /healthz", c.serveHealth)
	c.mux.Handle("GET /api/stats", c.authenticated(c.serveStats))
	c.mux.Handle("GET /api/virtual-hosts", c.authenticated(c.serveVirtualHosts))
	c.mux.Handle("GET /api/certificates", c.authenticated(c.serveCertificates))
	c.mux.Handle("GET /api/servers", c.authenticated(c.serveServers))
	c.mux.Handle("GET /ca.pem", c.authenticated(c.serveRootPEM))
	if c.metrics != nil {
		h := c.metrics.Handler()
		c.mux.Handle("GET /metrics", c.authenticated(h.ServeHTTP))
	}
}

// ServeHTTP dispatches console requests.
func (c *Console) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger.Debug("Console request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
	c.mux.ServeHTTP(w, r)
}

// Serve runs the console on listener until Shutdown.
func (c *Console) Serve(listener net.Listener) error {
	c.server = &http.Server{
		Handler:           c,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	logger.Info("Console listening on %s", listener.Addr())
	if err := c.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}

// Shutdown stops a running console.
func (c *Console) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requiresAuthentication reports whether both credentials are configured.
func (c *Console) requiresAuthentication() bool {
	return c.config.Console.Username != "" && c.config.Console.Password != ""
}

func (c *Console) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.requiresAuthentication() && !c.isAuthenticated(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="vhostrelay"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r)
	})
}

// tokenFrom returns the bearer token or, failing that, the session cookie.
func tokenFrom(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func (c *Console) isAuthenticated(r *http.Request) bool {
	token := tokenFrom(r)
	if token == "" {
		return false
	}
	if _, err := c.parseToken(token); err != nil {
		logger.Debug("Console token rejected: %v", err)
		return false
	}
	return true
}

func (c *Console) parseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return c.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (c *Console) createToken(username string, now time.Time) (string, time.Time, error) {
	expires := now.Add(SessionTimeout)
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func readLogin(w http.ResponseWriter, r *http.Request) (loginRequest, error) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req)
		return req, err
	}
	req.Username = r.FormValue("username")
	req.Password = r.FormValue("password")
	return req, nil
}

func (c *Console) serveLogin(w http.ResponseWriter, r *http.Request) {
	if !c.requiresAuthentication() {
		writeError(w, http.StatusNotFound, "authentication is not configured")
		return
	}
	req, err := readLogin(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid login body")
		return
	}

	usernameMatch := subtle.ConstantTimeCompare([]byte(req.Username), []byte(c.config.Console.Username)) == 1
	passwordMatch := subtle.ConstantTimeCompare([]byte(req.Password), []byte(c.config.Console.Password)) == 1
	if !usernameMatch || !passwordMatch {
		logger.Warn("Failed console login for username %q from %s", req.Username, r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	token, expires, err := c.createToken(req.Username, time.Now())
	if err != nil {
		logger.Error("Failed to create console token: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   int(SessionTimeout.Seconds()),
		SameSite: http.SameSiteStrictMode,
	})
	logger.Info("Console login for username %q from %s", req.Username, r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

func (c *Console) serveLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (c *Console) serveHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.collector.HealthCheck(r.Context()); err != nil {
		logger.Warn("Console health check failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
