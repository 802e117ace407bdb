// Package supervisor ties the catalog, lifecycle controller, sweeper and
// journal together behind the operations the CLI and HTTP surfaces expose.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/nebula/svcbridge/internal/output"
	"github.com/nebula/svcbridge/internal/service"
	"github.com/nebula/svcbridge/internal/storage"
)

// ErrUnknownVerb is returned for a verb no operation handles
var ErrUnknownVerb = errors.New("unknown verb")

// MutatingVerbs are the verbs that change service state
var MutatingVerbs = []string{
	service.VerbRun,
	service.VerbStart,
	service.VerbStop,
	service.VerbRestart,
	service.VerbKill,
}

// Catalog resolves package names to descriptors
type Catalog interface {
	Get(name string) (service.Descriptor, error)
	All() ([]service.Descriptor, error)
}

// History looks up the last recorded action of a label
type History interface {
	Last(label string) (storage.Entry, bool, error)
}

// Supervisor runs verbs against installed packages
type Supervisor struct {
	catalog    Catalog
	controller *service.Controller
	sweeper    *service.Sweeper
	history    History
}

// New creates a supervisor. history may be nil when no journal exists yet.
func New(catalog Catalog, controller *service.Controller, sweeper *service.Sweeper, history History) *Supervisor {
	return &Supervisor{
		catalog:    catalog,
		controller: controller,
		sweeper:    sweeper,
		history:    history,
	}
}

// Targets returns descriptors for names, or for every installed service with all
func (s *Supervisor) Targets(names []string, all bool) ([]service.Descriptor, error) {
	if all {
		descs, err := s.catalog.All()
		if err != nil {
			return nil, err
		}
		sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
		return descs, nil
	}

	descs := make([]service.Descriptor, 0, len(names))
	for _, name := range names {
		d, err := s.catalog.Get(name)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return descs, nil
}

// List resolves every installed service
func (s *Supervisor) List(ctx context.Context) ([]output.ServiceStatus, error) {
	descs, err := s.Targets(nil, true)
	if err != nil {
		return nil, err
	}
	return output.Collect(ctx, s.controller, descs)
}

// Info resolves one service in detail, with its last journal entry
func (s *Supervisor) Info(ctx context.Context, name string) (output.ServiceInfo, error) {
	d, err := s.catalog.Get(name)
	if err != nil {
		return output.ServiceInfo{}, err
	}
	return s.Describe(ctx, d)
}

// Describe resolves d in detail
func (s *Supervisor) Describe(ctx context.Context, d service.Descriptor) (output.ServiceInfo, error) {
	obs, err := s.controller.Resolve(ctx, d)
	if err != nil {
		return output.ServiceInfo{}, err
	}

	var last *storage.Entry
	if s.history != nil {
		entry, ok, err := s.history.Last(d.Label)
		if err != nil {
			return output.ServiceInfo{}, fmt.Errorf("failed to read journal: %w", err)
		}
		if ok {
			last = &entry
		}
	}
	return output.NewInfo(d, obs, last), nil
}

// Do executes a mutating verb against d
func (s *Supervisor) Do(ctx context.Context, verb string, d service.Descriptor, opts service.Options) (service.Outcome, error) {
	switch verb {
	case service.VerbRun:
		return s.controller.Run(ctx, d, opts)
	case service.VerbStart:
		return s.controller.Start(ctx, d, opts)
	case service.VerbStop:
		return s.controller.Stop(ctx, d, opts)
	case service.VerbRestart:
		return s.controller.Restart(ctx, d, opts)
	case service.VerbKill:
		return s.controller.Kill(ctx, d)
	}
	return service.Outcome{Verb: verb, Name: d.Name, Label: d.Label}, fmt.Errorf("%w: %s", ErrUnknownVerb, verb)
}

// Cleanup runs the reconciliation sweep
func (s *Supervisor) Cleanup(ctx context.Context) (service.Report, error) {
	return s.sweeper.Cleanup(ctx)
}

// IsMutating reports whether verb changes service state
func IsMutating(verb string) bool {
	for _, v := range MutatingVerbs {
		if v == verb {
			return true
		}
	}
	return verb == service.VerbCleanup
}
