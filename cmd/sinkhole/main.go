// Command sinkhole runs the DNS sinkhole: a UDP resolver that answers
// blocked domains with NXDOMAIN and forwards everything else upstream.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"sinkhole/pkg/blocklistsrc"
	"sinkhole/pkg/cache"
	"sinkhole/pkg/config"
	"sinkhole/pkg/hostdns"
	"sinkhole/pkg/logging"
	"sinkhole/pkg/matcher"
	"sinkhole/pkg/resolver"
	"sinkhole/pkg/rules"
	"sinkhole/pkg/server"
	"sinkhole/pkg/storage"
	"sinkhole/pkg/telemetry"
	"sinkhole/pkg/updater"
	"sinkhole/pkg/upstream"
)

var (
	configPath     = flag.String("config", "config.yaml", "path to configuration file")
	showVersion    = flag.Bool("version", false, "show version information and exit")
	validateConfig = flag.Bool("validate-config", false, "validate configuration file and exit")

	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("sinkhole\nVersion:    %s\nGit Commit: %s\nBuild Time: %s\nGo Version: %s\n",
			version, gitCommit, buildTime, runtime.Version())
		return
	}

	if *validateConfig {
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("configuration valid.")
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sinkhole: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	logger, err := logging.New(logging.Config{Level: "info", Format: "text", Output: "stdout"})
	if err != nil {
		return fmt.Errorf("initialize bootstrap logger: %w", err)
	}
	logging.SetGlobal(logger)

	cfgWatcher, err := config.NewWatcher(*configPath, logger)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg := cfgWatcher.Config()

	logger, err = logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	logging.SetGlobal(logger)

	logger.Info("sinkhole starting", "version", version, "build_time", buildTime)

	telem, err := telemetry.New(ctx, cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("initialize metrics: %w", err)
	}

	m := matcher.New()
	artifactPath := filepath.Join(cfg.Blocklist.CacheDir, "blocklist.txt")
	if cfg.Blocklist.BlocklistFile != "" {
		artifactPath = cfg.Blocklist.BlocklistFile
	}
	if state, err := loadInitialState(artifactPath, cfg.Blocklist.WhitelistFile, cfg.Blocklist.ExtraPatterns); err != nil {
		logger.Warn("no blocklist artifact loaded at startup", "path", artifactPath, "error", err)
	} else {
		m.Swap(state)
		logger.Info("loaded blocklist artifact", "path", artifactPath, "entries", m.Size())
	}

	dnsCache, err := cache.New(cfg.Cache.ToCacheConfig(cfg.Server.EnableCache), logger, metrics)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer func() {
		if err := dnsCache.Close(); err != nil {
			logger.Error("error closing cache", "error", err)
		}
	}()

	pool := upstream.NewPool(upstream.Config{
		Upstreams:      cfg.Server.Upstream,
		Timeout:        cfg.Forwarder.Timeout,
		Retries:        cfg.Forwarder.Retries,
		CircuitBreaker: cfg.Forwarder.CircuitBreaker,
	}, logger, metrics)

	ruleEngine := rules.NewEngine()
	for _, rc := range cfg.PolicyRules {
		if !rc.Enabled {
			continue
		}
		if err := ruleEngine.AddRule(&rules.Rule{Name: rc.Name, Logic: rc.Logic, Enabled: true}); err != nil {
			logger.Error("failed to compile policy rule", "rule", rc.Name, "error", err)
		}
	}
	logger.Info("policy rules loaded", "count", ruleEngine.Count())

	var hostDNS hostdns.Collaborator = hostdns.Noop{}
	if cfg.HostDNS.Enabled {
		hostDNS = hostdns.NewLinux(logger)
	}

	var stor storage.Storage
	if cfg.Storage.Enabled {
		sq, err := storage.NewSQLite(cfg.Storage.Path, cfg.Storage.BufferSize, logger)
		if err != nil {
			logger.Error("failed to initialize query-log storage", "error", err)
		} else {
			stor = sq
			defer func() {
				if err := stor.Close(); err != nil {
					logger.Error("error closing storage", "error", err)
				}
			}()
			logger.Info("query-log storage initialized", "path", cfg.Storage.Path)
		}
	}

	srv := server.New(server.Config{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		MaxWorkers: cfg.Server.MaxWorkers,
	}, m, dnsCache, pool, ruleEngine, hostDNS, logger, metrics)
	if stor != nil {
		srv.SetStorage(stor)
	}

	// The fetcher must not resolve blocklist source hostnames through the
	// system resolver: once hostDNS has redirected it to 127.0.0.1, those
	// lookups would recurse through this very server.
	fetchDNS := resolver.New(cfg.Server.Upstream, logger, metrics)
	fetchClient := fetchDNS.NewHTTPClient(time.Duration(cfg.Update.Timeout) * time.Second)

	sources := resolveSources(cfg)
	up := updater.New(updater.Config{
		Sources:         sources,
		Artifact:        blocklistsrc.Artifact{Path: artifactPath},
		FetchTimeout:    time.Duration(cfg.Update.Timeout) * time.Second,
		UpdateInterval:  cfg.Blocklist.UpdateInterval,
		UpdateOnStartup: cfg.Blocklist.UpdateOnStartup,
		WhitelistFile:   cfg.Blocklist.WhitelistFile,
		ExtraPatterns:   cfg.Blocklist.ExtraPatterns,
	}, blocklistsrc.NewFetcher(cfg.Blocklist.CacheDir, fetchClient, logger), logger, m.Swap)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	go func() {
		if err := cfgWatcher.Start(serverCtx); err != nil {
			logger.Error("config watcher stopped", "error", err)
		}
	}()

	autoUpdate := cfg.Blocklist.AutoUpdate && len(sources) > 0
	if autoUpdate {
		up.Start(serverCtx)
	}

	if err := srv.ListenAndServe(serverCtx); err != nil {
		return fmt.Errorf("start dns server: %w", err)
	}

	logger.Info("sinkhole is running", "host", cfg.Server.Host, "port", cfg.Server.Port, "upstreams", cfg.Server.Upstream)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", "signal", sig.String())

	if autoUpdate {
		up.Stop()
	}
	serverCancel()
	srv.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during telemetry shutdown", "error", err)
	}

	logger.Info("sinkhole stopped")
	return nil
}

// loadInitialState reads a previously merged blocklist artifact (and
// optional whitelist) off disk, so the sinkhole starts enforcing
// immediately rather than waiting for the first update tick.
func loadInitialState(artifactPath, whitelistPath string, extraPatterns []string) (*matcher.State, error) {
	f, err := os.Open(artifactPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var allow *os.File
	if whitelistPath != "" {
		if allow, err = os.Open(whitelistPath); err == nil {
			defer allow.Close()
		} else {
			allow = nil
		}
	}

	loader := &matcher.Loader{ExtraPatterns: extraPatterns}
	if allow != nil {
		return loader.Load(f, allow)
	}
	return loader.Load(f, nil)
}

// resolveSources expands the configured presets and standalone sources
// into the flat list the updater fetches each tick.
func resolveSources(cfg *config.Config) []blocklistsrc.Source {
	selected := map[string]struct{}{}
	if cfg.Blocklist.UpdatePreset != "" {
		if preset, ok := cfg.Presets[cfg.Blocklist.UpdatePreset]; ok {
			for _, id := range preset.Sources {
				selected[id] = struct{}{}
			}
		}
	}
	if len(selected) == 0 {
		for id, sc := range cfg.Sources {
			if sc.Enabled {
				selected[id] = struct{}{}
			}
		}
	}

	sources := make([]blocklistsrc.Source, 0, len(selected))
	for id := range selected {
		sc, ok := cfg.Sources[id]
		if !ok {
			continue
		}
		sources = append(sources, blocklistsrc.Source{
			ID:     id,
			Name:   sc.Name,
			URL:    sc.URL,
			Format: blocklistsrc.Format(sc.Format),
		})
	}
	return sources
}
