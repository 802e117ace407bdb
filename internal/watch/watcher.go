// Package watch produces fresh service listings whenever the managed
// directory changes or a refresh interval elapses.
package watch

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/nebula/svcbridge/internal/logger"
	"github.com/nebula/svcbridge/internal/output"
)

// Triggers that caused a snapshot
const (
	TriggerInitial = "initial"
	TriggerFile    = "file"
	TriggerTick    = "tick"
)

// Source produces the current listing
type Source func(ctx context.Context) ([]output.ServiceStatus, error)

// Snapshot is one listing taken by the watcher
type Snapshot struct {
	Services []output.ServiceStatus `json:"services"`
	Taken    time.Time              `json:"taken"`
	Trigger  string                 `json:"trigger"`
}

// Watcher emits snapshots of the service listing
type Watcher struct {
	dir      string
	interval time.Duration
	clock    clock.Clock
	source   Source
	log      zerolog.Logger
}

// New creates a watcher over the managed directory dir
func New(dir string, interval time.Duration, clk clock.Clock, source Source) *Watcher {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		dir:      dir,
		interval: interval,
		clock:    clk,
		source:   source,
		log:      logger.WithComponent("watcher"),
	}
}

// Run starts watching and returns the snapshot channel. The channel is closed
// once ctx is done.
func (w *Watcher) Run(ctx context.Context) (<-chan Snapshot, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(w.dir); err != nil {
		// The directory may not exist yet; ticks still refresh the listing.
		w.log.Warn().Err(err).Str("dir", w.dir).Msg("cannot watch managed directory, polling only")
	}

	ticker := w.clock.Ticker(w.interval)
	out := make(chan Snapshot)

	go func() {
		defer close(out)
		defer ticker.Stop()
		defer fsw.Close()

		if !w.emit(ctx, out, TriggerInitial) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !relevant(event) {
					continue
				}
				w.log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("managed directory changed")
				if !w.emit(ctx, out, TriggerFile) {
					return
				}

			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.log.Error().Err(err).Str("dir", w.dir).Msg("watch error")

			case <-ticker.C:
				if !w.emit(ctx, out, TriggerTick) {
					return
				}
			}
		}
	}()

	return out, nil
}

// emit takes a snapshot and delivers it. It returns false when ctx is done.
func (w *Watcher) emit(ctx context.Context, out chan<- Snapshot, trigger string) bool {
	services, err := w.source(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		w.log.Warn().Err(err).Str("trigger", trigger).Msg("failed to take snapshot")
		return true
	}

	select {
	case out <- Snapshot{Services: services, Taken: w.clock.Now(), Trigger: trigger}:
		return true
	case <-ctx.Done():
		return false
	}
}

// relevant filters out attribute changes and atomic-write temp files
func relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	return !strings.HasPrefix(filepath.Base(event.Name), ".")
}
