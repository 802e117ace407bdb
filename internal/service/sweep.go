package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nebula/svcbridge/internal/auth"
	"github.com/nebula/svcbridge/internal/logger"
)

// Lookup resolves a package name to its descriptor
type Lookup interface {
	Get(name string) (Descriptor, error)
}

// Report summarises a cleanup sweep
type Report struct {
	Cleaned   []string `json:"cleaned"`
	Unmanaged []string `json:"unmanaged,omitempty"`
	Messages  []string `json:"messages"`
}

// Sweeper reconciles registered labels and managed files against installed packages
type Sweeper struct {
	adapter    Adapter
	controller *Controller
	lookup     Lookup
	labeler    Labeler
	identity   auth.Identity
	log        zerolog.Logger
}

// NewSweeper creates a sweeper
func NewSweeper(adapter Adapter, controller *Controller, lookup Lookup, labeler Labeler, id auth.Identity) *Sweeper {
	return &Sweeper{
		adapter:    adapter,
		controller: controller,
		lookup:     lookup,
		labeler:    labeler,
		identity:   id,
		log:        logger.WithComponent("sweeper"),
	}
}

// Cleanup kills orphaned services, then removes definitions nothing is running
func (s *Sweeper) Cleanup(ctx context.Context) (Report, error) {
	var report Report

	if err := s.cleanOrphans(ctx, &report); err != nil {
		return report, err
	}
	if err := s.removeStaleFiles(ctx, &report); err != nil {
		return report, err
	}

	out := Outcome{Verb: VerbCleanup, Message: fmt.Sprintf("Cleaned %d item(s)", len(report.Cleaned))}
	if len(report.Cleaned) == 0 {
		out.Message = fmt.Sprintf("All %s services OK, nothing cleaned...", s.identity.ScopeName())
		report.Messages = append(report.Messages, out.Message)
	}
	s.controller.record(out, nil)
	return report, nil
}

// cleanOrphans handles loaded labels of known packages with no installed file
func (s *Sweeper) cleanOrphans(ctx context.Context, report *Report) error {
	running, err := s.adapter.ListRunning(ctx)
	if err != nil {
		return err
	}

	for _, label := range running {
		name, ok := s.labeler.Name(label)
		if !ok {
			continue
		}
		d, err := s.lookup.Get(name)
		if err != nil {
			if errors.Is(err, ErrNotInstalled) {
				report.Unmanaged = append(report.Unmanaged, label)
				report.Messages = append(report.Messages,
					fmt.Sprintf("Service %s is not managed by an installed package, skipping", label))
				continue
			}
			return err
		}
		if d.Installed() {
			continue
		}

		report.Messages = append(report.Messages, fmt.Sprintf("Killing `%s`... (might take a while)", d.Name))
		if _, err := s.controller.Kill(ctx, d); err != nil {
			s.log.Debug().Err(err).Str("label", label).Msg("kill failed, unregistering orphan")
		}
		// A killed job can stay loaded; drop the registration so the
		// manager agrees with the missing file.
		if res := s.adapter.Stop(ctx, label, ""); !res.Success() {
			s.log.Warn().Err(res.Failure()).Str("label", label).Msg("failed to unregister orphaned service")
			continue
		}
		report.Cleaned = append(report.Cleaned, label)
	}
	return nil
}

// removeStaleFiles deletes prefixed definitions in the managed directory
// whose label is not running.
func (s *Sweeper) removeStaleFiles(ctx context.Context, report *Report) error {
	paths := s.adapter.Paths()
	dir := paths.Dir(s.identity.Root)

	exts := append([]string{paths.Ext}, paths.CompanionExts...)
	var files []string
	for _, ext := range exts {
		matches, err := filepath.Glob(filepath.Join(dir, s.labeler.Prefix+"*"+ext))
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", dir, err)
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil
	}
	sort.Strings(files)

	running, err := s.adapter.ListRunning(ctx)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(running))
	for _, l := range running {
		live[l] = true
	}

	for _, f := range files {
		label := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		if live[label] {
			continue
		}
		if err := os.Remove(f); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to remove %s: %w", f, err)
		}
		report.Messages = append(report.Messages, fmt.Sprintf("Removing unused service file: %s", f))
		report.Cleaned = append(report.Cleaned, f)
	}
	return nil
}
