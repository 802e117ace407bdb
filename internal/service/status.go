package service

import (
	"context"
	"path/filepath"

	"github.com/nebula/svcbridge/internal/auth"
)

// Status is the derived operational state of a service
type Status string

const (
	StatusNone      Status = "none"
	StatusStopped   Status = "stopped"
	StatusStarted   Status = "started"
	StatusScheduled Status = "scheduled"
	StatusError     Status = "error"
	StatusUnknown   Status = "unknown"
)

// Observation is a fresh snapshot of one service. It is never cached across
// a transition.
type Observation struct {
	Status   Status
	PID      int
	ExitCode *int
	// Loaded is true when the manager knows the label.
	Loaded bool
	// File is the definition registered on disk, in either scope.
	File string
	// Owner is the process owner when running, else the owner implied by File.
	Owner string
}

// Running reports whether a live process was observed
func (o Observation) Running() bool {
	return o.PID > 0
}

// Inspector looks at processes the manager reported
type Inspector interface {
	Alive(pid int) bool
	Owner(pid int) (string, error)
}

// Resolver derives Observations from manager queries and disk state
type Resolver struct {
	adapter   Adapter
	inspector Inspector
	identity  auth.Identity
}

// NewResolver creates a resolver. inspector may be nil, in which case
// reported PIDs are trusted as-is.
func NewResolver(adapter Adapter, inspector Inspector, id auth.Identity) *Resolver {
	return &Resolver{
		adapter:   adapter,
		inspector: inspector,
		identity:  id,
	}
}

// Resolve queries the manager and disk for d
func (r *Resolver) Resolve(ctx context.Context, d Descriptor) (Observation, error) {
	obs := Observation{}
	installed := d.Installed()

	switch {
	case installed:
		obs.File = d.InstalledPath
	case d.InOtherScope():
		obs.File = d.OtherScopePath
	}
	obs.Owner = r.fileOwner(obs.File)

	raw, found, err := r.adapter.Query(ctx, d.Label)
	if err != nil {
		return obs, err
	}

	if !found {
		if installed {
			obs.Status = StatusUnknown
		} else {
			obs.Status = StatusNone
		}
		return obs, nil
	}

	obs.Loaded = true
	facts := r.adapter.Facts(raw)
	if facts.PID > 0 && r.inspector != nil && !r.inspector.Alive(facts.PID) {
		facts.PID = 0
	}
	obs.PID = facts.PID
	obs.ExitCode = facts.ExitCode
	obs.Status = classify(facts, d.Schedulable())

	if obs.PID > 0 && r.inspector != nil {
		if owner, err := r.inspector.Owner(obs.PID); err == nil && owner != "" {
			obs.Owner = owner
		}
	}
	return obs, nil
}

// classify maps facts of a loaded service to a status. A live PID wins over
// any exit code.
func classify(f Facts, schedulable bool) Status {
	switch {
	case f.PID > 0:
		return StatusStarted
	case f.ExitCode != nil && *f.ExitCode == 0:
		if schedulable {
			return StatusScheduled
		}
		return StatusStopped
	case f.ExitCode != nil:
		return StatusError
	default:
		return StatusUnknown
	}
}

// fileOwner maps a definition location to its owning account
func (r *Resolver) fileOwner(file string) string {
	if file == "" {
		return ""
	}
	paths := r.adapter.Paths()
	switch filepath.Dir(file) {
	case filepath.Clean(paths.BootDir):
		return "root"
	case filepath.Clean(paths.UserDir):
		return r.identity.Username
	}
	return ""
}
