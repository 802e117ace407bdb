package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nebula/svcbridge/internal/auth"
	"github.com/nebula/svcbridge/internal/storage"
)

type fakeUnit struct {
	pid  int
	exit *int
}

// fakeAdapter simulates a service manager in memory and records every call.
type fakeAdapter struct {
	mu sync.Mutex

	paths   Paths
	labeler Labeler
	units   map[string]*fakeUnit

	calls []string

	// pidOnInstall is assigned to a unit when it is installed.
	pidOnInstall int
	// inProgress is the number of Stop calls that answer EINPROGRESS and
	// leave the unit loaded.
	inProgress int
	// stuck keeps units loaded no matter how often Stop is called.
	stuck bool
	// ignore lists signals the simulated process survives.
	ignore map[syscall.Signal]bool

	installErr error
}

func newFakeAdapter(root string) *fakeAdapter {
	return &fakeAdapter{
		paths: Paths{
			BootDir: filepath.Join(root, "boot"),
			UserDir: filepath.Join(root, "user"),
			Ext:     ".plist",
		},
		labeler: Labeler{Prefix: "org.tool."},
		units:   make(map[string]*fakeUnit),
		ignore:  make(map[syscall.Signal]bool),
	}
}

func (f *fakeAdapter) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// setUnit marks label as loaded with the given pid and optional exit code
func (f *fakeAdapter) setUnit(label string, pid int, exit *int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[label] = &fakeUnit{pid: pid, exit: exit}
}

func (f *fakeAdapter) loaded(label string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.units[label]
	return ok
}

// callsMatching returns recorded calls starting with prefix
func (f *fakeAdapter) callsMatching(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeAdapter) allCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Query(ctx context.Context, label string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("query %s", label)
	u, ok := f.units[label]
	if !ok {
		return "", false, nil
	}
	exit := "none"
	if u.exit != nil {
		exit = fmt.Sprint(*u.exit)
	}
	return fmt.Sprintf("pid=%d exit=%s", u.pid, exit), true, nil
}

func (f *fakeAdapter) Facts(raw string) Facts {
	var pid int
	var exit string
	fmt.Sscanf(raw, "pid=%d exit=%s", &pid, &exit)
	facts := Facts{PID: pid}
	if exit != "none" {
		var n int
		fmt.Sscanf(exit, "%d", &n)
		facts.ExitCode = &n
	}
	return facts
}

func (f *fakeAdapter) ListRunning(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list")
	var labels []string
	for l := range f.units {
		if _, ok := f.labeler.Name(l); ok {
			labels = append(labels, l)
		}
	}
	sort.Strings(labels)
	return labels, nil
}

func (f *fakeAdapter) Install(ctx context.Context, label, path string, enableAtBoot bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("install %s %s enable=%t", label, path, enableAtBoot)
	if f.installErr != nil {
		return f.installErr
	}
	f.units[label] = &fakeUnit{pid: f.pidOnInstall}
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context, label, path string) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop %s", label)
	if f.inProgress > 0 {
		f.inProgress--
		return Result{ExitCode: launchdInProgress, Err: fmt.Errorf("exit status 36")}
	}
	if !f.stuck {
		delete(f.units, label)
	}
	return Result{}
}

func (f *fakeAdapter) Signal(ctx context.Context, label string, sig syscall.Signal) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("signal %s %d", label, int(sig))
	u, ok := f.units[label]
	if !ok || u.pid == 0 {
		return Result{ExitCode: 1, Err: fmt.Errorf("no process")}
	}
	if !f.ignore[sig] {
		u.pid = 0
		code := -int(sig)
		u.exit = &code
	}
	return Result{}
}

func (f *fakeAdapter) ScopeArgs() []string { return nil }

func (f *fakeAdapter) Paths() Paths { return f.paths }

func (f *fakeAdapter) RewriteDefinition(content, label, runAs string) string {
	return (&LaunchdAdapter{}).RewriteDefinition(content, label, runAs)
}

func (f *fakeAdapter) GenerateDefinition(d Descriptor) (string, error) {
	return (&LaunchdAdapter{}).GenerateDefinition(d)
}

func (f *fakeAdapter) Companions(d Descriptor) (map[string]string, error) { return nil, nil }

// fakeJournal collects recorded entries
type fakeJournal struct {
	mu      sync.Mutex
	entries []storage.Entry
}

func (j *fakeJournal) Record(e storage.Entry) (storage.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return e, nil
}

func (j *fakeJournal) verbs() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, e := range j.entries {
		out = append(out, e.Verb+":"+e.Outcome)
	}
	return out
}

// harness wires a controller to a fake adapter and a mock clock
type harness struct {
	dir      string
	adapter  *fakeAdapter
	clock    *clock.Mock
	journal  *fakeJournal
	identity auth.Identity
	ctrl     *Controller
}

func newHarness(t *testing.T, root bool) *harness {
	t.Helper()
	dir := t.TempDir()
	id := auth.Identity{Root: root, UID: 501, GID: 20, Username: "dev", Home: filepath.Join(dir, "home")}
	if root {
		id.UID, id.GID, id.Username = 0, 0, "root"
	}

	h := &harness{
		dir:      dir,
		adapter:  newFakeAdapter(dir),
		clock:    clock.NewMock(),
		journal:  &fakeJournal{},
		identity: id,
	}
	h.ctrl = NewController(h.adapter, NewResolver(h.adapter, nil, id), id, h.clock, h.journal, Settings{
		StopPollInterval: time.Second,
		StopMaxWait:      5 * time.Second,
		KillPollInterval: 5 * time.Second,
		KillMaxAttempts:  3,
		StateDir:         filepath.Join(dir, "state"),
	})
	return h
}

// drive runs fn while advancing the mock clock until fn returns
func (h *harness) drive(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	for {
		select {
		case <-done:
			return
		default:
			h.clock.Add(time.Second)
		}
	}
}
