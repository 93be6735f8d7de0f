// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/nixfs/lib/clock"
	"github.com/bureau-foundation/nixfs/lib/config"
	"github.com/bureau-foundation/nixfs/lib/fetcher"
	"github.com/bureau-foundation/nixfs/lib/isolation"
	"github.com/bureau-foundation/nixfs/lib/journal"
	"github.com/bureau-foundation/nixfs/lib/layout"
	"github.com/bureau-foundation/nixfs/lib/loopback"
	"github.com/bureau-foundation/nixfs/lib/materialize"
	"github.com/bureau-foundation/nixfs/lib/nix"
	"github.com/bureau-foundation/nixfs/lib/watchdog"
)

// mountFlags are command-line overrides of the configuration. Only
// flags the user actually set are applied.
type mountFlags struct {
	configPath    string
	root          string
	mountpoint    string
	source        string
	nixBinary     string
	isolation     string
	failurePolicy string
	propagation   string
	maxConcurrent int
	timeout       string
	noJournal     bool
	bypass        bool
	debug         bool
}

func (f *mountFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "", "YAML configuration file (default: $NIXFS_CONFIG)")
	flagSet.StringVar(&f.root, "root", "", "backing directory the mount mirrors")
	flagSet.StringVar(&f.mountpoint, "mountpoint", "", "where to mount the filesystem")
	flagSet.StringVar(&f.source, "source", "", "binary cache store entries are copied from")
	flagSet.StringVar(&f.nixBinary, "nix", "", "nix executable")
	flagSet.StringVar(&f.isolation, "isolation", "", "fetch isolation: namespace, unshare, bwrap, or none")
	flagSet.StringVar(&f.failurePolicy, "failure-policy", "", "what a failed fetch leaves behind: mark-resolved or retry")
	flagSet.StringVar(&f.propagation, "propagation", "", "which fetch failures reach the caller: lenient or strict")
	flagSet.IntVar(&f.maxConcurrent, "max-concurrent", 0, "concurrent fetch limit (negative for unbounded)")
	flagSet.StringVar(&f.timeout, "fetch-timeout", "", "kill a fetch after this long (0 for no limit)")
	flagSet.BoolVar(&f.noJournal, "no-journal", false, "do not replay or record fetch outcomes")
	flagSet.BoolVar(&f.bypass, "bypass-existing", false, "skip the coordinator for entries already on disk")
	flagSet.BoolVar(&f.debug, "debug", false, "log every FUSE request")
}

// load reads the configuration and applies the flags the user set.
func (f *mountFlags) load(flagSet *pflag.FlagSet) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if f.configPath != "" {
		cfg, err = config.LoadFile(f.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	overrides := map[string]func(){
		"root":            func() { cfg.Paths.Root = f.root },
		"mountpoint":      func() { cfg.Paths.Mountpoint = f.mountpoint },
		"source":          func() { cfg.Nix.Source = f.source },
		"nix":             func() { cfg.Nix.Binary = f.nixBinary },
		"isolation":       func() { cfg.Isolation.Kind = f.isolation },
		"failure-policy":  func() { cfg.Fetch.FailurePolicy = f.failurePolicy },
		"propagation":     func() { cfg.Fetch.Propagation = f.propagation },
		"max-concurrent":  func() { cfg.Fetch.MaxConcurrent = f.maxConcurrent },
		"fetch-timeout":   func() { cfg.Fetch.Timeout = f.timeout },
		"no-journal":      func() { cfg.Journal.Enabled = !f.noJournal },
		"bypass-existing": func() { cfg.Store.BypassExisting = f.bypass },
		"debug":           func() { cfg.Mount.Debug = f.debug },
	}
	flagSet.Visit(func(flag *pflag.Flag) {
		if apply, ok := overrides[flag.Name]; ok {
			apply()
		}
	})
	return cfg, nil
}

// daemon holds the components of one mount, assembled from
// configuration but not yet mounted.
type daemon struct {
	config      *config.Config
	layout      layout.Report
	nixBinary   string
	isolator    isolation.Isolator
	coordinator *materialize.Coordinator
	journal     *journal.Journal
	started     time.Time
	logger      *slog.Logger

	// heartbeatInterval is zero when no heartbeat file is configured.
	heartbeatInterval time.Duration
}

// assemble validates cfg and builds everything the mount needs: the
// backing layout, the fetcher and its isolation, the journal (replayed
// into the completion cache), and the coordinator.
func assemble(cfg *config.Config, c clock.Clock, logger *slog.Logger) (*daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}

	bindTarget := cfg.Isolation.BindTarget
	if cfg.Isolation.Kind == isolation.KindNone {
		bindTarget = ""
	}
	report, err := layout.Prepare(layout.Layout{
		BackingRoot:  cfg.Paths.Root,
		Mountpoint:   cfg.Paths.Mountpoint,
		StoreSegment: cfg.Store.Segment,
		StoreDir:     cfg.Nix.StoreDir,
		BindTarget:   bindTarget,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("preparing layout: %w", err)
	}

	binary, err := nix.ResolveBinary(cfg.Nix.Binary)
	if err != nil {
		return nil, err
	}

	executable, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating own executable: %w", err)
	}
	isolator, err := isolation.New(isolation.Options{
		Kind:          cfg.Isolation.Kind,
		Binding:       isolation.Binding{Source: report.BackingRoot, Target: cfg.Isolation.BindTarget},
		Executable:    executable,
		UnshareBinary: cfg.Isolation.UnshareBinary,
		BwrapBinary:   cfg.Isolation.BwrapBinary,
	})
	if err != nil {
		return nil, err
	}

	extraArgs, err := cfg.ExtraArgs()
	if err != nil {
		return nil, err
	}
	var heartbeatInterval time.Duration
	if cfg.Heartbeat.Path != "" {
		heartbeatInterval, err = cfg.HeartbeatInterval()
		if err != nil {
			return nil, err
		}
	}
	copier, err := fetcher.New(fetcher.Options{
		Binary:      binary,
		Destination: report.BackingRoot,
		Source:      cfg.Nix.Source,
		StoreDir:    cfg.Nix.StoreDir,
		ExtraArgs:   extraArgs,
		Environment: cfg.Nix.Environment,
		Isolator:    isolator,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	resolver := &nix.Resolver{
		BackingRoot:    report.BackingRoot,
		StoreSegment:   cfg.Store.Segment,
		BypassExisting: cfg.Store.BypassExisting,
	}
	cache := materialize.NewCompletionCache()

	var (
		fetchJournal *journal.Journal
		recorder     materialize.Recorder
	)
	if cfg.Journal.Enabled {
		fetchJournal, err = journal.Open(cfg.Journal.Path, journal.Options{
			Sync:   cfg.Journal.Sync,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		restored := fetchJournal.Populate(cache, replayFilter(cfg.Journal, resolver))
		logger.Info("journal replayed",
			"path", fetchJournal.Path(),
			"records", len(fetchJournal.Replayed().Outcomes),
			"restored", restored,
		)
		recorder = fetchJournal
	}

	failurePolicy, err := materialize.ParseFailurePolicy(cfg.Fetch.FailurePolicy)
	if err != nil {
		return nil, closeOnError(fetchJournal, err)
	}
	propagation, err := materialize.ParsePropagation(cfg.Fetch.Propagation)
	if err != nil {
		return nil, closeOnError(fetchJournal, err)
	}
	timeout, err := cfg.FetchTimeout()
	if err != nil {
		return nil, closeOnError(fetchJournal, err)
	}

	coordinator, err := materialize.New(materialize.Options{
		Fetcher:              copier,
		Resolver:             resolver,
		Cache:                cache,
		Recorder:             recorder,
		FailurePolicy:        failurePolicy,
		Propagation:          propagation,
		MaxConcurrentFetches: cfg.Fetch.MaxConcurrent,
		FetchTimeout:         timeout,
		Clock:                c,
		Logger:               logger,
	})
	if err != nil {
		return nil, closeOnError(fetchJournal, err)
	}

	return &daemon{
		config:            cfg,
		layout:            report,
		nixBinary:         binary,
		isolator:          isolator,
		coordinator:       coordinator,
		journal:           fetchJournal,
		started:           c.Now(),
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
	}, nil
}

// replayFilter decides which journaled outcomes seed the cache.
// Failures are only restored when configured. Successes are dropped
// when verification is on and the entry is no longer on disk, so a
// wiped backing directory refetches instead of serving ENOENT.
func replayFilter(cfg config.JournalConfig, resolver *nix.Resolver) func(materialize.Outcome) bool {
	return func(outcome materialize.Outcome) bool {
		switch outcome.State {
		case materialize.Failed:
			return cfg.ReplayFailures
		case materialize.Succeeded:
			if !cfg.VerifyEntries {
				return true
			}
			_, err := os.Lstat(resolver.EntryPath(outcome.Hash))
			return err == nil
		default:
			return false
		}
	}
}

func closeOnError(j *journal.Journal, err error) error {
	if j == nil {
		return err
	}
	return errors.Join(err, j.Close())
}

// heartbeat returns the state the watchdog publishes.
func (d *daemon) heartbeat() watchdog.State {
	stats := d.coordinator.Stats()
	return watchdog.State{
		PID:           os.Getpid(),
		Mountpoint:    d.config.Paths.Mountpoint,
		BackingRoot:   d.layout.BackingRoot,
		Source:        d.config.Nix.Source,
		Isolation:     d.isolator.Name(),
		FailurePolicy: d.config.Fetch.FailurePolicy,
		Propagation:   d.config.Fetch.Propagation,
		Started:       d.started,
		Counters: watchdog.Counters{
			Launched:  stats.Launched,
			Succeeded: stats.Succeeded,
			Failed:    stats.Failed,
			CacheHits: stats.CacheHits,
			Waiters:   stats.Waiters,
			InFlight:  stats.InFlight,
			Completed: stats.Completed,
		},
	}
}

// Close stops the coordinator, waiting for in-flight fetches, and then
// closes the journal.
func (d *daemon) Close() error {
	d.coordinator.Close()
	if d.journal != nil {
		return d.journal.Close()
	}
	return nil
}

func mountCmd(args []string) error {
	var flags mountFlags
	flagSet := pflag.NewFlagSet("nixfs mount", pflag.ContinueOnError)
	flags.register(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	cfg, err := flags.load(flagSet)
	if err != nil {
		return err
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logger := newLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := assemble(cfg, clock.Real(), logger)
	if err != nil {
		return err
	}

	if nixVersion, err := nix.Version(ctx, d.nixBinary); err != nil {
		logger.Warn("nix --version failed", "binary", d.nixBinary, "error", err)
	} else {
		logger.Info("using nix", "binary", d.nixBinary, "version", nixVersion)
	}

	entryTimeout, attrTimeout, negativeTimeout, err := cfg.MountTimeouts()
	if err != nil {
		return closeAll(err, d)
	}
	server, err := loopback.Mount(loopback.Options{
		Mountpoint:      cfg.Paths.Mountpoint,
		BackingRoot:     d.layout.BackingRoot,
		Materializer:    d.coordinator,
		AllowOther:      cfg.Mount.AllowOther,
		EntryTimeout:    entryTimeout,
		AttrTimeout:     attrTimeout,
		NegativeTimeout: negativeTimeout,
		Debug:           cfg.Mount.Debug,
		Logger:          logger,
	})
	if err != nil {
		return closeAll(err, d)
	}

	heartbeatContext, stopHeartbeat := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	if cfg.Heartbeat.Path != "" {
		go func() {
			defer close(heartbeatDone)
			watchdog.Run(heartbeatContext, cfg.Heartbeat.Path, d.heartbeatInterval, clock.Real(), logger, d.heartbeat)
		}()
	} else {
		close(heartbeatDone)
	}

	logger.Info("serving",
		"mountpoint", cfg.Paths.Mountpoint,
		"backing_root", d.layout.BackingRoot,
		"source", cfg.Nix.Source,
		"isolation", d.isolator.Name(),
		"failure_policy", cfg.Fetch.FailurePolicy,
		"propagation", cfg.Fetch.Propagation,
		"max_concurrent", cfg.Fetch.MaxConcurrent,
	)

	served := make(chan struct{})
	go func() {
		server.Wait()
		close(served)
	}()

	var unmountErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down", "reason", context.Cause(ctx))
		unmountErr = server.Unmount()
		if unmountErr != nil {
			unmountErr = fmt.Errorf("unmounting %s: %w", cfg.Paths.Mountpoint, unmountErr)
		}
	case <-served:
		logger.Info("filesystem unmounted externally", "mountpoint", cfg.Paths.Mountpoint)
	}

	stopHeartbeat()
	<-heartbeatDone

	stats := d.coordinator.Stats()
	logger.Info("final fetch counters",
		"launched", stats.Launched,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"cache_hits", stats.CacheHits,
		"completed", stats.Completed,
	)
	return closeAll(unmountErr, d)
}

func closeAll(err error, d *daemon) error {
	return errors.Join(err, d.Close())
}
