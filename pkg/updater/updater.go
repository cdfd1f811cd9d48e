// Package updater runs the periodic fetch-merge-reload cycle that
// keeps the on-disk blocklist artifact current and pushes updates
// into the running matcher.
package updater

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"sinkhole/pkg/blocklistsrc"
	"sinkhole/pkg/logging"
	"sinkhole/pkg/matcher"
)

// State is the updater's per-tick lifecycle stage, exposed for
// diagnostics and metrics rather than left as an implicit code path.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateMerging
	StateReloadNotify
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateMerging:
		return "merging"
	case StateReloadNotify:
		return "reload_notify"
	default:
		return "idle"
	}
}

// Config configures a single Updater instance.
type Config struct {
	Sources         []blocklistsrc.Source
	Artifact        blocklistsrc.Artifact
	FetchTimeout    time.Duration
	UpdateInterval  time.Duration
	UpdateOnStartup bool

	// WhitelistFile and ExtraPatterns are applied to every reload the
	// same way they are at startup, so a whitelisted domain or extra
	// rule doesn't stop taking effect after the first periodic update.
	WhitelistFile string
	ExtraPatterns []string
}

// Updater drives the fetch -> merge -> reload cycle on a ticker, with
// an externally triggerable immediate run that does not reset the
// ticker's period.
type Updater struct {
	cfg      Config
	fetcher  *blocklistsrc.Fetcher
	logger   *logging.Logger
	onReload func(*matcher.State)

	state    atomic.Int32
	runNow   chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
}

// New builds an Updater. onReload is invoked with the freshly loaded
// matcher state after each successful merge; the caller is expected to
// pass matcher.Matcher.Swap (or a wrapper around it).
func New(cfg Config, fetcher *blocklistsrc.Fetcher, logger *logging.Logger, onReload func(*matcher.State)) *Updater {
	return &Updater{
		cfg:      cfg,
		fetcher:  fetcher,
		logger:   logger,
		onReload: onReload,
		runNow:   make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// State reports the updater's current lifecycle stage.
func (u *Updater) State() State {
	return State(u.state.Load())
}

// RunNow requests an immediate tick without resetting the periodic
// ticker. Non-blocking: a pending request is coalesced with any
// already queued.
func (u *Updater) RunNow() {
	select {
	case u.runNow <- struct{}{}:
	default:
	}
}

// Start runs the optional startup tick, then starts the periodic update
// loop on its own goroutine and returns. The loop runs until ctx is
// canceled or Stop is called.
func (u *Updater) Start(ctx context.Context) {
	if !u.started.CompareAndSwap(false, true) {
		return
	}

	if u.cfg.UpdateOnStartup {
		u.runTick(ctx)
	}

	interval := u.cfg.UpdateInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	u.wg.Add(1)
	go u.loop(ctx, interval)
}

func (u *Updater) loop(ctx context.Context, interval time.Duration) {
	defer u.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-u.stopChan:
			return
		case <-ticker.C:
			u.runTickRecovered(ctx)
		case <-u.runNow:
			u.runTickRecovered(ctx)
		}
	}
}

// runTickRecovered wraps runTick with the loop's fatal-error policy:
// log and sleep 60s rather than skip straight to the next scheduled
// tick.
func (u *Updater) runTickRecovered(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			u.logger.Error("updater tick panicked", "panic", r)
			time.Sleep(60 * time.Second)
		}
	}()
	u.runTick(ctx)
}

// runTick fetches every configured source concurrently, merges
// whatever succeeded (as long as at least one did), and on a
// successful merge invokes onReload with the freshly parsed state.
func (u *Updater) runTick(ctx context.Context) {
	u.state.Store(int32(StateFetching))

	type fetchOutcome struct {
		src    blocklistsrc.Source
		result blocklistsrc.Result
		err    error
	}

	results := make(chan fetchOutcome, len(u.cfg.Sources))
	var wg sync.WaitGroup
	for _, src := range u.cfg.Sources {
		wg.Add(1)
		go func(src blocklistsrc.Source) {
			defer wg.Done()
			res, err := u.fetcher.Fetch(ctx, src, u.cfg.FetchTimeout)
			results <- fetchOutcome{src: src, result: res, err: err}
		}(src)
	}
	wg.Wait()
	close(results)

	var entries []blocklistsrc.SourceResult
	for outcome := range results {
		if outcome.err != nil {
			u.logger.Error("blocklist source fetch failed", "source", outcome.src.ID, "error", outcome.err)
			continue
		}
		entries = append(entries, blocklistsrc.SourceResult{Source: outcome.src, Result: outcome.result})
	}

	if len(entries) == 0 {
		u.logger.Error("blocklist update tick failed: no sources succeeded")
		u.state.Store(int32(StateIdle))
		return
	}

	u.state.Store(int32(StateMerging))
	summary, err := blocklistsrc.Merge(entries, u.cfg.Artifact)
	if err != nil {
		u.logger.Error("blocklist merge failed", "error", err)
		u.state.Store(int32(StateIdle))
		return
	}

	u.logger.Info("blocklist updated",
		"unique_domains", summary.UniqueDomains,
		"total_domains", summary.TotalDomains,
		"sources", summary.Sources)

	u.state.Store(int32(StateReloadNotify))
	if u.onReload != nil {
		state, err := loadArtifact(u.cfg.Artifact.Path, u.cfg.WhitelistFile, u.cfg.ExtraPatterns)
		if err != nil {
			u.logger.Error("failed to reload matcher state from artifact", "error", err)
		} else {
			u.onReload(state)
		}
	}

	u.state.Store(int32(StateIdle))
}

// loadArtifact re-parses the merged blocklist artifact the same way the
// caller loaded it at startup, so a reload never silently drops the
// whitelist or any configured extra patterns.
func loadArtifact(path, whitelistPath string, extraPatterns []string) (*matcher.State, error) {
	f, err := os.Open(path)
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

// Stop signals the loop to exit and waits for it to finish.
func (u *Updater) Stop() {
	if !u.started.CompareAndSwap(true, false) {
		return
	}
	close(u.stopChan)
	u.wg.Wait()
}
