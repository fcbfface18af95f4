package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/logger"
)

// ServerType defines what a listener serves.
type ServerType string

const (
	ServerTypeHTTP    ServerType = "http"    // plaintext relay
	ServerTypeHTTPS   ServerType = "https"   // TLS terminating relay
	ServerTypeConsole ServerType = "console" // admin endpoint
)

// ServerConfig defines one listener.
type ServerConfig struct {
	Type          ServerType
	ListenAddress string
	Enabled       bool
}

// CAConfig locates the root certificate authority on disk.
type CAConfig struct {
	CertFile    string
	KeyFile     string
	KeyPassword string // optional, for encrypted keys
	RootName    string // common name used when a root is generated
}

// DefaultVirtualPath matches every request path.
const DefaultVirtualPath = "/**"

// VirtualPathConfig maps a path pattern of a virtual host to an upstream.
type VirtualPathConfig struct {
	Target        string
	Path          string
	Glob          bool
	AddHeaders    []string // "Name: value" lines
	RemoveHeaders []string
}

// ForwardType defines how upstream connections are dialed.
type ForwardType int

const (
	ForwardTypeDefaultNetwork ForwardType = iota
	ForwardTypeSocks5
	ForwardTypeProxy
)

func (t ForwardType) String() string {
	switch t {
	case ForwardTypeSocks5:
		return "socks5"
	case ForwardTypeProxy:
		return "proxy"
	default:
		return "default-network"
	}
}

// Forward is an upstream dialing rule. Domains limits the rule to those
// domains and their subdomains; an empty list applies to every host.
type Forward struct {
	Type     ForwardType
	Address  string
	Username *string
	Password *string
	Domains  []string
}

// StatisticsConfig selects the statistics backend.
type StatisticsConfig struct {
	Enabled     bool
	Backend     string // sqlite, postgres or dummy
	SQLitePath  string
	PostgresDSN string
}

// ConsoleConfig holds the admin console credentials.
type ConsoleConfig struct {
	Username  string
	Password  string
	JWTSecret string
}

// Config represents the main configuration structure of the relay.
type Config struct {
	Servers               []ServerConfig
	TimeoutSeconds        int // read timeout on both sides of a session
	ConnectTimeoutSeconds int
	MaxHeaderBytes        int
	BodyBufferBytes       int
	CA                    CAConfig
	VirtualHosts          map[string][]VirtualPathConfig
	ExcludedHosts         []string
	Forwards              []Forward
	DNS                   DNSConfig
	Statistics            StatisticsConfig
	Console               ConsoleConfig
	LogLevel              string
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Servers: []ServerConfig{
			{Type: ServerTypeHTTP, ListenAddress: "127.0.0.1:8080", Enabled: true},
			{Type: ServerTypeHTTPS, ListenAddress: "127.0.0.1:8443", Enabled: true},
			{Type: ServerTypeConsole, ListenAddress: "127.0.0.1:8081", Enabled: false},
		},
		TimeoutSeconds:        30,
		ConnectTimeoutSeconds: 10,
		MaxHeaderBytes:        8 * 1024,
		BodyBufferBytes:       16 * 1024,
		CA: CAConfig{
			CertFile: "vhostrelay-ca.crt",
			KeyFile:  "vhostrelay-ca.key",
			RootName: "vhostrelay Root CA",
		},
		VirtualHosts: map[string][]VirtualPathConfig{},
		Statistics: StatisticsConfig{
			Backend:    "sqlite",
			SQLitePath: "vhostrelay-stats.db",
		},
		LogLevel: "INFO",
	}
}

// LoadConfig loads configuration from the specified file path. Environment
// variables are applied on top of the file.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		var data map[string]any
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			data, err = readJSONFile(configPath)
		case ".hcl":
			data, err = readHCLFile(configPath)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}
		if err != nil {
			return nil, err
		}
		if err := loadMap(data, cfg); err != nil {
			return nil, err
		}
	}

	loadConfigFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func cleanConfigPath(configPath string) (string, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return "", fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	return cleanPath, nil
}

func readJSONFile(configPath string) (map[string]any, error) {
	cleanPath, err := cleanConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return data, nil
}

// loadMap copies the hyphenated keys of a decoded document into cfg.
func loadMap(data map[string]any, cfg *Config) error {
	if val, exists := data["servers"]; exists {
		serverList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("servers must be an array")
		}
		cfg.Servers = []ServerConfig{}
		for i, serverData := range serverList {
			server, err := parseServer(i, serverData)
			if err != nil {
				return err
			}
			cfg.Servers = append(cfg.Servers, server)
		}
	}

	intFields := map[string]*int{
		"timeout-seconds":         &cfg.TimeoutSeconds,
		"connect-timeout-seconds": &cfg.ConnectTimeoutSeconds,
		"max-header-bytes":        &cfg.MaxHeaderBytes,
		"body-buffer-bytes":       &cfg.BodyBufferBytes,
	}
	for key, dst := range intFields {
		val, exists := data[key]
		if !exists {
			continue
		}
		ptr, err := parseValue[int](val)
		if err != nil {
			if strings.Contains(err.Error(), "secret") {
				return err
			}
			return fmt.Errorf("%s must be a number", key)
		}
		*dst = *ptr
	}

	if val, exists := data["log-level"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("log-level must be a string: %w", err)
		}
		cfg.LogLevel = *ptr
	}

	if val, exists := data["ca"]; exists {
		caMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("ca must be an object")
		}
		if err := parseStrings(caMap, "ca", map[string]*string{
			"cert-file":    &cfg.CA.CertFile,
			"key-file":     &cfg.CA.KeyFile,
			"key-password": &cfg.CA.KeyPassword,
			"root-name":    &cfg.CA.RootName,
		}); err != nil {
			return err
		}
	}

	if val, exists := data["virtual-hosts"]; exists {
		hosts, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("virtual-hosts must be an object")
		}
		cfg.VirtualHosts = make(map[string][]VirtualPathConfig, len(hosts))
		for host, entries := range hosts {
			paths, err := parseVirtualHost(host, entries)
			if err != nil {
				return err
			}
			cfg.VirtualHosts[host] = paths
		}
	}

	if val, exists := data["excluded-hosts"]; exists {
		hosts, err := parseStringList(val)
		if err != nil {
			return fmt.Errorf("excluded-hosts: %w", err)
		}
		cfg.ExcludedHosts = hosts
	}

	if val, exists := data["forwards"]; exists {
		forwards, ok := val.([]any)
		if !ok {
			return fmt.Errorf("forwards must be an array")
		}
		cfg.Forwards = nil
		for i, forward := range forwards {
			fwd, err := parseForward(i, forward)
			if err != nil {
				return err
			}
			cfg.Forwards = append(cfg.Forwards, fwd)
		}
	}

	if val, exists := data["dns"]; exists {
		if err := parseDNS(val, &cfg.DNS); err != nil {
			return err
		}
	}

	if val, exists := data["statistics"]; exists {
		statsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		if v, exists := statsMap["enabled"]; exists {
			ptr, err := parseValue[bool](v)
			if err != nil {
				return fmt.Errorf("statistics.enabled must be a boolean: %w", err)
			}
			cfg.Statistics.Enabled = *ptr
		}
		if err := parseStrings(statsMap, "statistics", map[string]*string{
			"backend":      &cfg.Statistics.Backend,
			"sqlite-path":  &cfg.Statistics.SQLitePath,
			"postgres-dsn": &cfg.Statistics.PostgresDSN,
		}); err != nil {
			return err
		}
	}

	if val, exists := data["console"]; exists {
		consoleMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("console must be an object")
		}
		if err := parseStrings(consoleMap, "console", map[string]*string{
			"username":   &cfg.Console.Username,
			"password":   &cfg.Console.Password,
			"jwt-secret": &cfg.Console.JWTSecret,
		}); err != nil {
			return err
		}
	}

	return nil
}

func parseServer(i int, serverData any) (ServerConfig, error) {
	serverMap, ok := serverData.(map[string]any)
	if !ok {
		return ServerConfig{}, fmt.Errorf("server configuration at index %d must be an object", i)
	}

	server := ServerConfig{Type: ServerTypeHTTP, Enabled: true}

	if typeVal, exists := serverMap["type"]; exists {
		ptr, err := parseValue[string](typeVal)
		if err != nil {
			return server, fmt.Errorf("server type at index %d must be a string: %w", i, err)
		}
		switch serverType := ServerType(*ptr); serverType {
		case ServerTypeHTTP, ServerTypeHTTPS, ServerTypeConsole:
			server.Type = serverType
		default:
			return server, fmt.Errorf("invalid server type at index %d: %s", i, *ptr)
		}
	}

	if addrVal, exists := serverMap["listen-address"]; exists {
		ptr, err := parseValue[string](addrVal)
		if err != nil {
			return server, fmt.Errorf("listen-address at index %d must be a string: %w", i, err)
		}
		server.ListenAddress = *ptr
	}

	if enabledVal, exists := serverMap["enabled"]; exists {
		ptr, err := parseValue[bool](enabledVal)
		if err != nil {
			return server, fmt.Errorf("enabled at index %d must be a boolean: %w", i, err)
		}
		server.Enabled = *ptr
	}

	return server, nil
}

// parseVirtualHost accepts either a list of target URL strings or a list of
// objects with target, path, glob, add-headers and remove-headers.
func parseVirtualHost(host string, entries any) ([]VirtualPathConfig, error) {
	list, ok := entries.([]any)
	if !ok {
		return nil, fmt.Errorf("virtual host %s must be an array", host)
	}
	paths := make([]VirtualPathConfig, 0, len(list))
	for i, entry := range list {
		if target, err := parseValue[string](entry); err == nil {
			paths = append(paths, VirtualPathConfig{Target: *target, Path: DefaultVirtualPath, Glob: true})
			continue
		}

		entryMap, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("virtual host %s entry %d must be a string or an object", host, i)
		}
		vp := VirtualPathConfig{}
		target, err := parseValue[string](entryMap["target"])
		if err != nil {
			return nil, fmt.Errorf("virtual host %s entry %d requires target field", host, i)
		}
		vp.Target = *target

		vp.Path = DefaultVirtualPath
		if val, exists := entryMap["path"]; exists {
			ptr, err := parseValue[string](val)
			if err != nil {
				return nil, fmt.Errorf("virtual host %s entry %d: path must be a string", host, i)
			}
			vp.Path = *ptr
		}

		vp.Glob = strings.ContainsAny(vp.Path, "*?")
		if val, exists := entryMap["glob"]; exists {
			ptr, err := parseValue[bool](val)
			if err != nil {
				return nil, fmt.Errorf("virtual host %s entry %d: glob must be a boolean", host, i)
			}
			vp.Glob = *ptr
		}

		if val, exists := entryMap["add-headers"]; exists {
			if vp.AddHeaders, err = parseHeaderLines(val); err != nil {
				return nil, fmt.Errorf("virtual host %s entry %d: add-headers: %w", host, i, err)
			}
		}
		if val, exists := entryMap["remove-headers"]; exists {
			if vp.RemoveHeaders, err = parseStringList(val); err != nil {
				return nil, fmt.Errorf("virtual host %s entry %d: remove-headers: %w", host, i, err)
			}
		}
		paths = append(paths, vp)
	}
	return paths, nil
}

// parseHeaderLines accepts ["Name: value"] or {"Name": "value"}. Object keys
// are applied in sorted order.
func parseHeaderLines(val any) ([]string, error) {
	if m, ok := val.(map[string]any); ok {
		names := make([]string, 0, len(m))
		for name := range m {
			names = append(names, name)
		}
		sort.Strings(names)
		lines := make([]string, 0, len(m))
		for _, name := range names {
			v, err := parseValue[string](m[name])
			if err != nil {
				return nil, fmt.Errorf("header %s: %w", name, err)
			}
			lines = append(lines, name+": "+*v)
		}
		return lines, nil
	}
	lines, err := parseStringList(val)
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		if !strings.Contains(l, ":") {
			return nil, fmt.Errorf("header line %q has no colon", l)
		}
	}
	return lines, nil
}

func parseForward(i int, forward any) (Forward, error) {
	forwardMap, ok := forward.(map[string]any)
	if !ok {
		return Forward{}, fmt.Errorf("invalid forward format at index %d", i)
	}
	forwardType, ok := forwardMap["type"].(string)
	if !ok {
		return Forward{}, fmt.Errorf("missing forward type at index %d", i)
	}

	fwd := Forward{}
	switch forwardType {
	case "default-network":
		fwd.Type = ForwardTypeDefaultNetwork
	case "socks5", "proxy":
		fwd.Type = ForwardTypeSocks5
		if forwardType == "proxy" {
			fwd.Type = ForwardTypeProxy
		}
		address, err := parseValue[string](forwardMap["address"])
		if err != nil {
			return fwd, fmt.Errorf("%s forward requires address field", forwardType)
		}
		fwd.Address = *address
		if username, err := parseValue[string](forwardMap["username"]); err == nil {
			fwd.Username = username
		}
		if password, err := parseValue[string](forwardMap["password"]); err == nil {
			fwd.Password = password
		}
	default:
		return fwd, fmt.Errorf("unsupported forward type: %s", forwardType)
	}

	if val, exists := forwardMap["domains"]; exists {
		domains, err := parseStringList(val)
		if err != nil {
			return fwd, fmt.Errorf("forward %d domains: %w", i, err)
		}
		fwd.Domains = domains
	}
	if val, exists := forwardMap["domain"]; exists {
		domain, err := parseValue[string](val)
		if err != nil {
			return fwd, fmt.Errorf("forward %d domain must be a string", i)
		}
		fwd.Domains = append(fwd.Domains, *domain)
	}
	return fwd, nil
}

func parseStrings(m map[string]any, section string, fields map[string]*string) error {
	for key, dst := range fields {
		val, exists := m[key]
		if !exists {
			continue
		}
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("%s.%s must be a string: %w", section, key, err)
		}
		*dst = *ptr
	}
	return nil
}

func parseStringList(val any) ([]string, error) {
	list, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("expected an array of strings, got %T", val)
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, err := parseValue[string](item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, *s)
	}
	return out, nil
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() != reflect.Bool {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
		elem.SetBool(v)
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

// Validate checks values that would make the relay unusable.
func (c *Config) Validate() error {
	for i, s := range c.Servers {
		if s.Enabled && s.ListenAddress == "" {
			return fmt.Errorf("server %d (%s) has no listen-address", i, s.Type)
		}
	}
	if c.TimeoutSeconds < 0 || c.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.MaxHeaderBytes < 0 || c.BodyBufferBytes < 0 {
		return fmt.Errorf("buffer sizes must not be negative")
	}
	for host, paths := range c.VirtualHosts {
		for i, p := range paths {
			if p.Target == "" {
				return fmt.Errorf("virtual host %s entry %d has no target", host, i)
			}
		}
	}
	if c.DNS.Enabled && len(c.DNS.Servers) == 0 {
		return fmt.Errorf("dns is enabled without servers")
	}
	switch c.Statistics.Backend {
	case "", "sqlite", "postgres", "dummy":
	default:
		return fmt.Errorf("unsupported statistics backend: %s", c.Statistics.Backend)
	}
	return nil
}

// Server returns the first enabled server of the given type.
func (c *Config) Server(t ServerType) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.Type == t && s.Enabled {
			return s, true
		}
	}
	return ServerConfig{}, false
}

func loadConfigFromEnv(cfg *Config) {
	ints := map[string]*int{
		"VHOSTRELAY_TIMEOUTSECONDS":        &cfg.TimeoutSeconds,
		"VHOSTRELAY_CONNECTTIMEOUTSECONDS": &cfg.ConnectTimeoutSeconds,
		"VHOSTRELAY_MAXHEADERBYTES":        &cfg.MaxHeaderBytes,
		"VHOSTRELAY_BODYBUFFERBYTES":       &cfg.BodyBufferBytes,
	}
	for name, dst := range ints {
		raw := os.Getenv(name)
		if raw == "" {
			continue
		}
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", name, raw)
		}
	}

	strs := map[string]*string{
		"VHOSTRELAY_CAFILE":           &cfg.CA.CertFile,
		"VHOSTRELAY_CAKEYFILE":        &cfg.CA.KeyFile,
		"VHOSTRELAY_CAKEYPASSWORD":    &cfg.CA.KeyPassword,
		"VHOSTRELAY_LOGLEVEL":         &cfg.LogLevel,
		"VHOSTRELAY_STATSBACKEND":     &cfg.Statistics.Backend,
		"VHOSTRELAY_CONSOLEPASSWORD":  &cfg.Console.Password,
		"VHOSTRELAY_CONSOLEJWTSECRET": &cfg.Console.JWTSecret,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	// Example format: VHOSTRELAY_SERVER_0_LISTENADDRESS=127.0.0.1:8080
	// Example format: VHOSTRELAY_SERVER_0_TYPE=https
	for i := 0; ; i++ {
		prefix := fmt.Sprintf("VHOSTRELAY_SERVER_%d_", i)
		addr := os.Getenv(prefix + "LISTENADDRESS")
		if addr == "" {
			break
		}

		server := ServerConfig{Type: ServerTypeHTTP, Enabled: true}
		if i < len(cfg.Servers) {
			server = cfg.Servers[i]
		}
		server.ListenAddress = addr

		if typeStr := os.Getenv(prefix + "TYPE"); typeStr != "" {
			server.Type = ServerType(typeStr)
		}
		if enabledStr := os.Getenv(prefix + "ENABLED"); enabledStr != "" {
			if enabled, err := strconv.ParseBool(enabledStr); err == nil {
				server.Enabled = enabled
			} else {
				fmt.Fprintf(os.Stderr, "Warning: Invalid format for %sENABLED: %s\n", prefix, enabledStr)
			}
		}

		if i < len(cfg.Servers) {
			cfg.Servers[i] = server
		} else {
			cfg.Servers = append(cfg.Servers, server)
		}
	}
}
