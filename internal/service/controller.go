package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/nebula/svcbridge/internal/auth"
	"github.com/nebula/svcbridge/internal/logger"
	"github.com/nebula/svcbridge/internal/storage"
)

// Verb names as recorded in the journal
const (
	VerbRun     = "run"
	VerbStart   = "start"
	VerbStop    = "stop"
	VerbRestart = "restart"
	VerbKill    = "kill"
	VerbCleanup = "cleanup"
)

// Journal records lifecycle actions
type Journal interface {
	Record(entry storage.Entry) (storage.Entry, error)
}

// Settings are the controller's tunables, taken from configuration
type Settings struct {
	StopPollInterval time.Duration
	StopMaxWait      time.Duration
	KillPollInterval time.Duration
	KillMaxAttempts  int
	// StateDir holds scratch definitions loaded by run.
	StateDir string
	// PrivilegedGroup owns files handed to root on a privileged start.
	PrivilegedGroup string
}

// Options are per-invocation verb flags
type Options struct {
	// File overrides the definition content for start and run.
	File string
	// ServiceUser is the run-as user for a privileged start.
	ServiceUser string
	NoWait      bool
	// MaxWait bounds the stop wait-loop; zero waits indefinitely. Nil uses
	// the configured default.
	MaxWait *time.Duration
}

// Outcome is the user-facing result of a verb
type Outcome struct {
	Verb     string   `json:"verb"`
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Message  string   `json:"message"`
	Warnings []string `json:"warnings,omitempty"`
}

func (o *Outcome) warn(log zerolog.Logger, msg string) {
	o.Warnings = append(o.Warnings, msg)
	log.Warn().Str("label", o.Label).Msg(msg)
}

// Controller executes lifecycle verbs for one descriptor at a time
type Controller struct {
	adapter  Adapter
	resolver *Resolver
	identity auth.Identity
	clock    clock.Clock
	journal  Journal
	settings Settings
	log      zerolog.Logger
}

// NewController creates a controller. journal may be nil.
func NewController(adapter Adapter, resolver *Resolver, id auth.Identity, clk clock.Clock, journal Journal, settings Settings) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	if settings.KillMaxAttempts < 1 {
		settings.KillMaxAttempts = 1
	}
	return &Controller{
		adapter:  adapter,
		resolver: resolver,
		identity: id,
		clock:    clk,
		journal:  journal,
		settings: settings,
		log:      logger.WithComponent("controller"),
	}
}

// Resolve returns a fresh observation of d
func (c *Controller) Resolve(ctx context.Context, d Descriptor) (Observation, error) {
	return c.resolver.Resolve(ctx, d)
}

func newOutcome(verb string, d Descriptor) Outcome {
	return Outcome{Verb: verb, Name: d.Name, Label: d.Label}
}

// Start installs d for autostart and loads it
func (c *Controller) Start(ctx context.Context, d Descriptor, opts Options) (Outcome, error) {
	out := newOutcome(VerbStart, d)
	err := c.start(ctx, d, opts, &out)
	c.record(out, err)
	return out, err
}

func (c *Controller) start(ctx context.Context, d Descriptor, opts Options, out *Outcome) error {
	obs, err := c.resolver.Resolve(ctx, d)
	if err != nil {
		return err
	}
	if obs.Running() {
		return fmt.Errorf("%w: service `%s` already started, use `svcbridge restart %s`", ErrAlreadyStarted, d.Name, d.Name)
	}

	if d.RequiresRoot && !c.identity.Root {
		out.warn(c.log, fmt.Sprintf("%s must be run as root to start at system startup!", d.Name))
	}

	runAs := ""
	if opts.ServiceUser != "" {
		if c.identity.Root {
			runAs = opts.ServiceUser
		} else {
			out.warn(c.log, "--sudo-service-user is only honoured when running as root; ignoring it")
		}
	}

	content, _, err := resolveContent(c.adapter, d, opts.File, true)
	if err != nil {
		return err
	}
	rendered := Render(c.adapter, content, d, runAs)

	written, err := writeDefinition(c.adapter, d, d.InstalledPath, rendered)
	if err != nil {
		return err
	}

	if c.identity.Root {
		c.hardenOwnership(d, written, out)
	}

	// Registered but not running: drop the stale registration first.
	if obs.Loaded {
		if res := c.adapter.Stop(ctx, d.Label, d.InstalledPath); !res.Success() {
			c.log.Debug().Str("label", d.Label).Err(res.Failure()).Msg("unregister before start failed")
		}
	}

	if err := c.adapter.Install(ctx, d.Label, d.InstalledPath, true); err != nil {
		// Keep disk and manager in agreement.
		if rmErr := removeDefinition(c.adapter.Paths(), d.InstalledPath); rmErr != nil {
			c.log.Error().Err(rmErr).Str("label", d.Label).Msg("failed to remove definition after install failure")
		}
		return err
	}

	out.Message = fmt.Sprintf("Successfully started `%s` (label: %s)", d.Name, d.Label)
	return nil
}

// hardenOwnership hands the definition and the paths it references to root
func (c *Controller) hardenOwnership(d Descriptor, written []string, out *Outcome) {
	group := auth.PrivilegedGroup(c.settings.PrivilegedGroup)
	gid, err := auth.LookupGroupID(group)
	if err != nil {
		out.warn(c.log, err.Error())
		return
	}
	changed, err := chownAll(ownedPaths(d, written), 0, gid)
	if err != nil {
		out.warn(c.log, err.Error())
	}
	for _, p := range changed {
		out.warn(c.log, fmt.Sprintf("Taking root:%s ownership of %s; removing it later will need `sudo rm`", group, p))
	}
}

// Run loads d without registering it for autostart
func (c *Controller) Run(ctx context.Context, d Descriptor, opts Options) (Outcome, error) {
	out := newOutcome(VerbRun, d)
	err := c.run(ctx, d, opts, &out)
	c.record(out, err)
	return out, err
}

func (c *Controller) run(ctx context.Context, d Descriptor, opts Options, out *Outcome) error {
	obs, err := c.resolver.Resolve(ctx, d)
	if err != nil {
		return err
	}
	if obs.Running() {
		return fmt.Errorf("%w: service `%s` already running, use `svcbridge restart %s`", ErrAlreadyStarted, d.Name, d.Name)
	}
	if c.identity.Root && !d.RequiresRoot {
		return fmt.Errorf("%w: `%s` does not declare require_root; run it without sudo", ErrPrivilegedRun, d.Name)
	}

	content, src, err := resolveContent(c.adapter, d, opts.File, false)
	if err != nil {
		return err
	}
	rendered := Render(c.adapter, content, d, "")

	paths := c.adapter.Paths()
	path := d.CanonicalPath
	if paths.ScratchDir != "" || src != sourceCanonical || rendered != content {
		dir := paths.ScratchDir
		if dir == "" {
			dir = filepath.Join(c.settings.StateDir, "run")
		}
		path = filepath.Join(dir, d.Label+paths.Ext)
		if _, err := writeDefinition(c.adapter, d, path, rendered); err != nil {
			return err
		}
	}

	if obs.Loaded {
		if res := c.adapter.Stop(ctx, d.Label, ""); !res.Success() {
			c.log.Debug().Str("label", d.Label).Err(res.Failure()).Msg("unregister before run failed")
		}
	}

	if err := c.adapter.Install(ctx, d.Label, path, false); err != nil {
		return err
	}

	out.Message = fmt.Sprintf("Successfully ran `%s` (label: %s)", d.Name, d.Label)
	return nil
}

// Stop unregisters d and removes its installed definition
func (c *Controller) Stop(ctx context.Context, d Descriptor, opts Options) (Outcome, error) {
	out := newOutcome(VerbStop, d)
	err := c.stop(ctx, d, opts, &out)
	c.record(out, err)
	return out, err
}

func (c *Controller) stop(ctx context.Context, d Descriptor, opts Options, out *Outcome) error {
	installed := d.Installed()

	// A definition in the other scope is decided from disk alone.
	if !installed && d.InOtherScope() {
		return c.ownershipConflict(d, Observation{})
	}

	obs, err := c.resolver.Resolve(ctx, d)
	if err != nil {
		return err
	}
	if !installed && obs.Owner != "" && obs.Owner != c.identity.Username {
		return c.ownershipConflict(d, obs)
	}

	if !obs.Loaded {
		if installed {
			if err := removeDefinition(c.adapter.Paths(), d.InstalledPath); err != nil {
				return err
			}
			out.warn(c.log, fmt.Sprintf("Removed unused definition %s", d.InstalledPath))
		}
		return fmt.Errorf("%w: service `%s` is not started", ErrNotStarted, d.Name)
	}

	path := ""
	if installed {
		path = d.InstalledPath
	}
	res := c.adapter.Stop(ctx, d.Label, path)

	if opts.NoWait {
		if installed {
			if err := removeDefinition(c.adapter.Paths(), d.InstalledPath); err != nil {
				return err
			}
		}
		out.Message = fmt.Sprintf("Stopping `%s`... (might take a while)", d.Name)
		return nil
	}

	maxWait := c.settings.StopMaxWait
	if opts.MaxWait != nil {
		maxWait = *opts.MaxWait
	}
	loaded, err := c.waitUnloaded(ctx, d, path, res, maxWait)
	if err != nil {
		return err
	}

	if loaded {
		after, err := c.resolver.Resolve(ctx, d)
		if err != nil {
			return err
		}
		if !after.Running() {
			return fmt.Errorf("%w: `%s` is still registered after %s", ErrUnableToStop, d.Name, maxWait)
		}
		if err := c.killPID(ctx, d, after.PID); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnableToStop, d.Name, err)
		}
	}

	if installed {
		if err := removeDefinition(c.adapter.Paths(), d.InstalledPath); err != nil {
			return err
		}
	}
	out.Message = fmt.Sprintf("Successfully stopped `%s` (label: %s)", d.Name, d.Label)
	return nil
}

// waitUnloaded re-issues the native stop until the manager forgets the label
// or reports it inactive, or maxWait elapses. An EINPROGRESS result keeps the
// loop going even when the label briefly disappears. It returns whether the
// label is still loaded.
func (c *Controller) waitUnloaded(ctx context.Context, d Descriptor, path string, res Result, maxWait time.Duration) (bool, error) {
	var waited time.Duration
	for {
		raw, loaded, err := c.adapter.Query(ctx, d.Label)
		if err != nil {
			return false, err
		}
		// systemd keeps reporting a disabled unit while its file exists.
		if loaded && c.adapter.Facts(raw).Inactive {
			loaded = false
		}
		if !loaded && res.ExitCode != launchdInProgress {
			return false, nil
		}
		if maxWait > 0 && waited >= maxWait {
			return loaded, nil
		}
		if err := c.sleep(ctx, c.settings.StopPollInterval); err != nil {
			return true, err
		}
		waited += c.settings.StopPollInterval
		res = c.adapter.Stop(ctx, d.Label, path)
	}
}

func (c *Controller) ownershipConflict(d Descriptor, obs Observation) error {
	retry := "with sudo"
	if c.identity.Root {
		retry = "without sudo"
	}
	owner := "root"
	switch {
	case obs.Owner != "" && obs.Owner != c.identity.Username:
		owner = "`" + obs.Owner + "`"
	case c.identity.Root:
		owner = "a user"
	}
	return fmt.Errorf("%w: `%s` is managed by %s, retry %s", ErrOwnershipConflict, d.Name, owner, retry)
}

// Restart stops d if registered and brings it back the same way it was
// brought up: run when it had no installed file, start otherwise.
func (c *Controller) Restart(ctx context.Context, d Descriptor, opts Options) (Outcome, error) {
	out := newOutcome(VerbRestart, d)
	err := c.restart(ctx, d, opts, &out)
	c.record(out, err)
	return out, err
}

func (c *Controller) restart(ctx context.Context, d Descriptor, opts Options, out *Outcome) error {
	hadFile := d.Installed()

	obs, err := c.resolver.Resolve(ctx, d)
	if err != nil {
		return err
	}

	if obs.Loaded {
		stopOut := newOutcome(VerbStop, d)
		if err := c.stop(ctx, d, opts, &stopOut); err != nil && !errors.Is(err, ErrNotStarted) {
			return err
		}
		out.Warnings = append(out.Warnings, stopOut.Warnings...)
	}

	next := newOutcome(VerbStart, d)
	if obs.Loaded && !hadFile {
		next.Verb = VerbRun
		err = c.run(ctx, d, opts, &next)
	} else {
		err = c.start(ctx, d, opts, &next)
	}
	out.Warnings = append(out.Warnings, next.Warnings...)
	if err != nil {
		return err
	}

	out.Message = fmt.Sprintf("Successfully restarted `%s` (label: %s)", d.Name, d.Label)
	return nil
}

// Kill signals the running process of d, leaving its definition in place
func (c *Controller) Kill(ctx context.Context, d Descriptor) (Outcome, error) {
	out := newOutcome(VerbKill, d)
	err := c.kill(ctx, d, &out)
	c.record(out, err)
	return out, err
}

func (c *Controller) kill(ctx context.Context, d Descriptor, out *Outcome) error {
	// Checked before any native call: the manager would respawn it anyway.
	if d.KeepAlive {
		return fmt.Errorf("%w: `%s` would be restarted by the service manager, use `svcbridge stop %s`", ErrKeepAlive, d.Name, d.Name)
	}

	obs, err := c.resolver.Resolve(ctx, d)
	if err != nil {
		return err
	}
	if !obs.Running() {
		return fmt.Errorf("%w: service `%s` is not running", ErrNotRunning, d.Name)
	}

	if err := c.killPID(ctx, d, obs.PID); err != nil {
		return err
	}
	out.Message = fmt.Sprintf("Successfully killed `%s` (label: %s)", d.Name, d.Label)
	return nil
}

// killPID sends SIGTERM and polls for the PID to disappear, escalating to
// SIGKILL after the first unconfirmed cycle.
func (c *Controller) killPID(ctx context.Context, d Descriptor, pid int) error {
	sig := syscall.SIGTERM
	for attempt := 1; attempt <= c.settings.KillMaxAttempts; attempt++ {
		if res := c.adapter.Signal(ctx, d.Label, sig); !res.Success() {
			c.log.Debug().Str("label", d.Label).Int("attempt", attempt).Err(res.Failure()).Msg("signal failed")
		}

		if err := c.sleep(ctx, c.settings.KillPollInterval); err != nil {
			return err
		}

		gone, err := c.pidGone(ctx, d, pid)
		if err != nil {
			return err
		}
		if gone {
			return nil
		}
		sig = syscall.SIGKILL
	}
	return fmt.Errorf("%w: `%s` (pid %d) still running after %d attempts", ErrUnableToKill, d.Name, pid, c.settings.KillMaxAttempts)
}

func (c *Controller) pidGone(ctx context.Context, d Descriptor, pid int) (bool, error) {
	obs, err := c.resolver.Resolve(ctx, d)
	if err != nil {
		return false, err
	}
	return obs.PID != pid, nil
}

// sleep waits on the controller clock or returns early when ctx is done
func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}

func (c *Controller) record(out Outcome, err error) {
	if c.journal == nil {
		return
	}
	entry := storage.Entry{
		Verb:    out.Verb,
		Name:    out.Name,
		Label:   out.Label,
		User:    c.identity.Username,
		Outcome: storage.OutcomeOK,
		Message: out.Message,
	}
	switch {
	case err != nil && IsWarning(err):
		entry.Outcome = storage.OutcomeWarning
		entry.Message = err.Error()
	case err != nil:
		entry.Outcome = storage.OutcomeFailed
		entry.Message = err.Error()
	}
	if _, jerr := c.journal.Record(entry); jerr != nil {
		c.log.Warn().Err(jerr).Str("label", out.Label).Msg("failed to record journal entry")
	}
}
