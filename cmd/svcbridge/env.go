package main

import (
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nebula/svcbridge/internal/auth"
	"github.com/nebula/svcbridge/internal/config"
	"github.com/nebula/svcbridge/internal/logger"
	"github.com/nebula/svcbridge/internal/packages"
	"github.com/nebula/svcbridge/internal/process"
	"github.com/nebula/svcbridge/internal/service"
	"github.com/nebula/svcbridge/internal/storage"
	"github.com/nebula/svcbridge/internal/supervisor"
)

// historyWait bounds how long read-only commands wait for a locked journal
const historyWait = 200 * time.Millisecond

// env is everything one invocation needs, wired from identity and config
type env struct {
	identity   auth.Identity
	config     *config.Config
	adapter    service.Adapter
	store      *storage.Storage
	supervisor *supervisor.Supervisor
}

// Close releases the journal, and with it the invocation lock
func (e *env) Close() error {
	if e.store == nil {
		return nil
	}
	return e.store.Close()
}

// lenientHistory drops journal errors. A busy or unreadable journal only
// costs info its history.
type lenientHistory struct {
	reader *storage.Reader
}

func (h lenientHistory) Last(label string) (storage.Entry, bool, error) {
	entry, ok, err := h.reader.Last(label)
	if err != nil {
		logger.Debug().Err(err).Str("label", label).Msg("journal unavailable")
		return storage.Entry{}, false, nil
	}
	return entry, ok, nil
}

// configPath picks the config file and whether it must exist
func configPath(flag, home string) (string, bool) {
	if flag != "" {
		return flag, true
	}
	if p := os.Getenv(config.EnvPrefix + "_CONFIG"); p != "" {
		return p, true
	}
	return config.DefaultPath(home), false
}

// openEnv wires the supervisor. Mutating invocations open the journal
// read-write, which takes the per-scope lock for their whole lifetime. Others
// never hold it: `info` opens it read-only per lookup and `list` not at all.
func openEnv(g *globalFlags, mutating bool) (*env, error) {
	id, err := auth.Current()
	if err != nil {
		return nil, err
	}

	path, required := configPath(g.config, id.Home)
	mgr, err := config.NewManager(path, required, id.Home)
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()

	logCfg := logger.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	if g.verbose {
		logCfg.Level = "debug"
	}
	logCfg.FilePath = cfg.Logging.File
	logCfg.MaxSizeMB = cfg.Logging.MaxSizeMB
	logCfg.MaxBackups = cfg.Logging.MaxBackups
	if err := logger.Init(logCfg); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.Debug().
		Str("config", path).
		Str("scope", id.ScopeName()).
		Int("kernel", id.KernelMajor).
		Msg("starting")

	procs := process.NewManager()
	adapter, err := service.Detect(service.NewExecRunner(), id, cfg, procs)
	if err != nil {
		return nil, err
	}
	labeler := service.LabelerFor(adapter, cfg)

	registry := packages.DetectRegistry(cfg.Prefix)
	logger.Debug().Str("prefix", registry.Prefix()).Str("backend", adapter.Name()).Msg("detected host")
	catalog := service.NewCatalog(registry, labeler, adapter.Paths(), id)

	e := &env{identity: id, config: cfg, adapter: adapter}

	var journal service.Journal
	var history supervisor.History
	if mutating {
		e.store, err = storage.New(cfg.JournalPath(), storage.Options{Timeout: cfg.State.LockTimeout})
		if err != nil {
			return nil, err
		}
		journal, history = e.store, e.store
	} else {
		history = lenientHistory{storage.NewReader(cfg.JournalPath(), min(cfg.State.LockTimeout, historyWait))}
	}

	settings := service.Settings{
		StopPollInterval: cfg.Stop.PollInterval,
		StopMaxWait:      cfg.Stop.MaxWait,
		KillPollInterval: cfg.Kill.PollInterval,
		KillMaxAttempts:  cfg.Kill.MaxAttempts,
		StateDir:         cfg.State.Dir,
		PrivilegedGroup:  cfg.Privileged.Group,
	}
	resolver := service.NewResolver(adapter, procs, id)
	ctrl := service.NewController(adapter, resolver, id, clock.New(), journal, settings)
	sweeper := service.NewSweeper(adapter, ctrl, catalog, labeler, id)
	e.supervisor = supervisor.New(catalog, ctrl, sweeper, history)

	return e, nil
}
