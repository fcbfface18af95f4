package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/ca"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/config"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/console"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/hostlist"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/logger"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/metrics"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/proxy"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/router"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/stats"
)

var version string

func main() {
	cfg, configPath, debug := parseFlagsAndConfig()
	runRelay(cfg, configPath, debug)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string, debug bool) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "", "Path to configuration file (.json or .hcl)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("vhostrelay version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	applyLogLevel(cfg, *debugMode)

	logger.Info("Starting vhostrelay")
	for i, server := range cfg.Servers {
		logger.Debug("Server %d: %s on %s (enabled: %t)", i, server.Type, server.ListenAddress, server.Enabled)
	}
	logger.Debug("Virtual hosts: %d, excluded hosts: %d, forwards: %d", len(cfg.VirtualHosts), len(cfg.ExcludedHosts), len(cfg.Forwards))
	logger.Debug("Timeout: %d seconds", cfg.TimeoutSeconds)
	return cfg, *configPathPtr, *debugMode
}

func applyLogLevel(cfg *config.Config, debug bool) {
	if debug {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
		return
	}
	if cfg.LogLevel != "" {
		logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	}
}

// instance is one generation of running components built from a config.
type instance struct {
	collector stats.Collector
	relay     *proxy.Proxy
	console   *console.Console
	done      chan error
}

// buildInstance wires collector, metrics, CA, router, relay and console.
func buildInstance(cfg *config.Config) (*instance, error) {
	m := metrics.New()
	collector, err := stats.NewCollectorFactory().CreateCollector(&cfg.Statistics)
	if err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}

	excluded := hostlist.New(cfg.ExcludedHosts)
	rt, err := router.New(cfg.VirtualHosts, excluded)
	if err != nil {
		_ = collector.Close()
		return nil, fmt.Errorf("virtual hosts: %w", err)
	}

	var authority *ca.CertificateAuthority
	if _, ok := cfg.Server(config.ServerTypeHTTPS); ok {
		authority, err = ca.Bootstrap(ca.Options{
			CertFile:    cfg.CA.CertFile,
			KeyFile:     cfg.CA.KeyFile,
			KeyPassword: cfg.CA.KeyPassword,
			RootName:    cfg.CA.RootName,
			Excluded:    excluded,
			OnIssued: func(domain string, elapsed time.Duration) {
				m.CertsIssued.Inc()
				m.CertIssueTime.Observe(elapsed.Seconds())
				_ = collector.RecordCertificateIssued(context.Background(), domain, elapsed)
			},
			OnCacheHit: func(string) {
				m.CertCacheHits.Inc()
			},
		})
		if err != nil {
			_ = collector.Close()
			return nil, fmt.Errorf("certificate authority: %w", err)
		}
		logger.Info("Certificate authority %q loaded from %s", authority.Root().Subject.CommonName, cfg.CA.CertFile)
	}

	relay, err := proxy.NewProxy(cfg, proxy.Deps{
		CA:        authority,
		Router:    rt,
		Collector: collector,
		Metrics:   m,
	})
	if err != nil {
		_ = collector.Close()
		return nil, err
	}

	inst := &instance{collector: collector, relay: relay, done: make(chan error, 2)}
	if _, ok := cfg.Server(config.ServerTypeConsole); ok {
		deps := console.Deps{Collector: collector, Relay: relay, Router: rt, Metrics: m}
		if authority != nil {
			deps.Certs = authority
		}
		inst.console = console.New(cfg, deps)
	}
	return inst, nil
}

func (inst *instance) start(cfg *config.Config) error {
	if inst.console != nil {
		server, _ := cfg.Server(config.ServerTypeConsole)
		ln, err := net.Listen("tcp", server.ListenAddress)
		if err != nil {
			return fmt.Errorf("console listener %s: %w", server.ListenAddress, err)
		}
		go func() { inst.done <- inst.console.Serve(ln) }()
	}
	go func() {
		logger.Info("Starting relay listeners...")
		inst.done <- inst.relay.Start()
	}()
	return nil
}

func (inst *instance) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if inst.console != nil {
		err = multierr.Append(err, inst.console.Shutdown(ctx))
	}
	err = multierr.Append(err, inst.relay.Stop())
	err = multierr.Append(err, inst.collector.Close())
	return err
}

// runRelay starts the relay and handles reloads and shutdown signals.
func runRelay(cfg *config.Config, configPath string, debug bool) {
	inst, err := buildInstance(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize relay: %v", err)
	}
	if err := inst.start(cfg); err != nil {
		logger.Fatal("Failed to start relay: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	currentCfg := cfg

	for {
		select {
		case err := <-inst.done:
			if err != nil {
				logger.Fatal("Relay server error: %v", err)
			}
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP: reloading configuration...")
				newCfg, err := config.LoadConfig(configPath)
				if err != nil {
					logger.Error("Failed to reload config: %v (keeping current config)", err)
					continue
				}
				if !config.HasChanged(currentCfg, newCfg) {
					logger.Info("Config unchanged after reload; not restarting relay.")
					continue
				}
				logger.Info("Config changed. Restarting relay...")
				if err := inst.stop(); err != nil {
					logger.Error("Error stopping relay for reload: %v", err)
				}
				applyLogLevel(newCfg, debug)
				inst, err = buildInstance(newCfg)
				if err != nil {
					logger.Fatal("Failed to initialize relay with new configuration: %v", err)
				}
				if err := inst.start(newCfg); err != nil {
					logger.Fatal("Failed to start relay with new configuration: %v", err)
				}
				currentCfg = newCfg
				logger.Info("Relay restarted with new configuration.")
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("Received signal %v, shutting down relay...", sig)
				if err := inst.stop(); err != nil {
					logger.Error("Error during shutdown: %v", err)
				}
				logger.Info("Relay shutdown complete")
				return
			}
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("invalid file path: %w", err)
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(key), "export "))
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
