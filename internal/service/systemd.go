package service

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/nebula/svcbridge/internal/auth"
)

// systemctl status exit code for an unknown unit
const systemdNoSuchUnit = 4

// SystemdOptions configures a SystemdAdapter
type SystemdOptions struct {
	Labeler Labeler
	BootDir string
	UserDir string
	// RuntimeDir overrides the transient unit directory used by `run`.
	RuntimeDir string
}

// SystemdAdapter manages systemd units on Linux
type SystemdAdapter struct {
	runner  Runner
	labeler Labeler
	paths   Paths
	root    bool
}

// NewSystemdAdapter creates a systemd adapter for the given identity
func NewSystemdAdapter(runner Runner, id auth.Identity, opts SystemdOptions) *SystemdAdapter {
	runtimeDir := opts.RuntimeDir
	if runtimeDir == "" {
		runtimeDir = systemdRuntimeDir(id)
	}
	return &SystemdAdapter{
		runner:  runner,
		labeler: opts.Labeler,
		paths: Paths{
			BootDir:       opts.BootDir,
			UserDir:       opts.UserDir,
			Ext:           ".service",
			CompanionExts: []string{".timer"},
			ScratchDir:    runtimeDir,
		},
		root: id.Root,
	}
}

// systemdRuntimeDir is the unit search path entry that does not survive reboot
func systemdRuntimeDir(id auth.Identity) string {
	if id.Root {
		return "/run/systemd/system"
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, "systemd", "user")
	}
	return filepath.Join("/run/user", strconv.Itoa(id.UID), "systemd", "user")
}

// Name returns the backend name
func (a *SystemdAdapter) Name() string {
	return "systemd"
}

func (a *SystemdAdapter) systemctl(ctx context.Context, args ...string) Result {
	return a.runner.Run(ctx, "systemctl", append(a.ScopeArgs(), args...)...)
}

// Query runs `systemctl status <label>`. Inactive units still report, so
// only exit code 4 or a not-found message means absent.
func (a *SystemdAdapter) Query(ctx context.Context, label string) (string, bool, error) {
	res := a.systemctl(ctx, "status", label)
	if !res.Started() {
		return "", false, fmt.Errorf("failed to query %s: %w", label, res.Err)
	}
	if res.ExitCode == systemdNoSuchUnit ||
		strings.Contains(res.Output, "could not be found") ||
		strings.Contains(res.Output, "Loaded: not-found") {
		return res.Output, false, nil
	}
	return res.Output, true, nil
}

// Facts extracts Main PID and exit status
func (a *SystemdAdapter) Facts(raw string) Facts {
	return parseSystemdFacts(raw)
}

// ListRunning returns active service and timer units with our prefix
func (a *SystemdAdapter) ListRunning(ctx context.Context) ([]string, error) {
	res := a.systemctl(ctx, "list-units",
		"--type=service,timer",
		"--state=active,activating,reloading",
		"--plain", "--no-legend", "--no-pager")
	if !res.Success() {
		return nil, fmt.Errorf("failed to list services: %w", res.Failure())
	}
	return parseListUnits(res.Output, a.labeler), nil
}

// parseListUnits reads unit names from `systemctl list-units --plain` output
func parseListUnits(output string, labeler Labeler) []string {
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		unit := fields[0]
		label := strings.TrimSuffix(strings.TrimSuffix(unit, ".service"), ".timer")
		if label == unit {
			continue
		}
		if _, ok := labeler.Name(label); ok {
			seen[label] = true
		}
	}

	labels := make([]string, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// unitFor returns the unit to start for a definition: its timer when one sits
// next to it, else the service.
func unitFor(label, path string) string {
	if path != "" && fileExists(companionPath(path, ".timer")) {
		return label + ".timer"
	}
	return label + ".service"
}

// Install reloads units and starts the definition, enabling it when asked
func (a *SystemdAdapter) Install(ctx context.Context, label, path string, enableAtBoot bool) error {
	if res := a.systemctl(ctx, "daemon-reload"); !res.Success() {
		return fmt.Errorf("failed to reload units: %w", res.Failure())
	}

	unit := unitFor(label, path)
	if res := a.systemctl(ctx, "start", unit); !res.Success() {
		return fmt.Errorf("failed to start %s: %w", unit, res.Failure())
	}
	if enableAtBoot {
		if res := a.systemctl(ctx, "enable", unit); !res.Success() {
			return fmt.Errorf("failed to enable %s: %w", unit, res.Failure())
		}
	}
	return nil
}

// Stop disables and stops an installed unit, or just stops one loaded by run
func (a *SystemdAdapter) Stop(ctx context.Context, label, path string) Result {
	var res Result
	if path != "" {
		units := []string{label + ".service"}
		if fileExists(companionPath(path, ".timer")) {
			units = append([]string{label + ".timer"}, units...)
		}
		res = a.systemctl(ctx, append([]string{"disable", "--now"}, units...)...)
	} else {
		// A timer loaded by run may or may not exist.
		a.systemctl(ctx, "stop", label+".timer")
		res = a.systemctl(ctx, "stop", label+".service")
	}

	if reload := a.systemctl(ctx, "daemon-reload"); !reload.Success() && res.Success() {
		return reload
	}
	return res
}

// Signal sends sig to the unit's main process
func (a *SystemdAdapter) Signal(ctx context.Context, label string, sig syscall.Signal) Result {
	return a.systemctl(ctx, "kill", "--kill-who=main", "--signal="+signalName(sig), label+".service")
}

// ScopeArgs selects the user manager when unprivileged
func (a *SystemdAdapter) ScopeArgs() []string {
	if a.root {
		return nil
	}
	return []string{"--user"}
}

// Paths returns the unit directory layout
func (a *SystemdAdapter) Paths() Paths {
	return a.paths
}

var (
	unitSyslogIdentifier = regexp.MustCompile(`(?m)^SyslogIdentifier=.*$`)
	unitUser             = regexp.MustCompile(`(?m)^User=.*\n?`)
	unitServiceSection   = regexp.MustCompile(`(?m)^\[Service\][ \t]*$`)
)

// RewriteDefinition sets SyslogIdentifier when present and User= for an
// alternate run-as user. The label itself is carried by the file name.
func (a *SystemdAdapter) RewriteDefinition(content, label, runAs string) string {
	content = unitSyslogIdentifier.ReplaceAllString(content, "SyslogIdentifier="+escapeReplacement(label))

	if runAs != "" {
		content = unitUser.ReplaceAllString(content, "")
		if loc := unitServiceSection.FindStringIndex(content); loc != nil {
			content = content[:loc[1]] + "\nUser=" + runAs + content[loc[1]:]
		}
	}
	return content
}

// GenerateDefinition creates a service unit for a descriptor
func (a *SystemdAdapter) GenerateDefinition(d Descriptor) (string, error) {
	if len(d.Command) == 0 {
		return "", fmt.Errorf("%w: %s has no run command", ErrNoDefinition, d.Name)
	}

	var sb strings.Builder
	sb.WriteString("[Unit]\n")
	sb.WriteString("Description=" + d.Name + "\n")

	sb.WriteString("\n[Service]\n")
	if d.Schedulable() {
		sb.WriteString("Type=oneshot\n")
	} else {
		sb.WriteString("Type=simple\n")
	}

	args := make([]string, len(d.Command))
	for i, arg := range d.Command {
		args[i] = quoteUnitArg(arg)
	}
	sb.WriteString("ExecStart=" + strings.Join(args, " ") + "\n")

	if d.KeepAlive && !d.Schedulable() {
		sb.WriteString("Restart=always\n")
	}
	if d.WorkingDir != "" {
		sb.WriteString("WorkingDirectory=" + d.WorkingDir + "\n")
	}
	if d.RootDir != "" {
		sb.WriteString("RootDirectory=" + d.RootDir + "\n")
	}

	if len(d.Environment) > 0 {
		keys := make([]string, 0, len(d.Environment))
		for k := range d.Environment {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString("Environment=" + quoteUnitArg(k+"="+d.Environment[k]) + "\n")
		}
	}

	if d.LogPath != "" {
		sb.WriteString("StandardOutput=append:" + d.LogPath + "\n")
	}
	if d.ErrorLogPath != "" {
		sb.WriteString("StandardError=append:" + d.ErrorLogPath + "\n")
	}

	// Scheduled units are pulled in by their timer.
	if !d.Schedulable() {
		sb.WriteString("\n[Install]\n")
		if a.root {
			sb.WriteString("WantedBy=multi-user.target\n")
		} else {
			sb.WriteString("WantedBy=default.target\n")
		}
	}
	return sb.String(), nil
}

// Companions returns a timer unit for scheduled descriptors
func (a *SystemdAdapter) Companions(d Descriptor) (map[string]string, error) {
	if !d.Schedulable() {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString("[Unit]\n")
	sb.WriteString("Description=Timer for " + d.Name + "\n")
	sb.WriteString("\n[Timer]\n")
	sb.WriteString("Unit=" + d.Label + ".service\n")

	if d.Schedule.Interval > 0 {
		n := strconv.Itoa(d.Schedule.Interval)
		sb.WriteString("OnBootSec=" + n + "\n")
		sb.WriteString("OnUnitActiveSec=" + n + "\n")
	}
	if d.Schedule.Cron != "" {
		cal, err := cronOnCalendar(d.Schedule.Cron)
		if err != nil {
			return nil, err
		}
		sb.WriteString("OnCalendar=" + cal + "\n")
		sb.WriteString("Persistent=true\n")
	}

	sb.WriteString("\n[Install]\n")
	sb.WriteString("WantedBy=timers.target\n")

	return map[string]string{".timer": sb.String()}, nil
}

var weekdays = []string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// cronOnCalendar converts a five-field cron expression into an OnCalendar
// value. Only literal numbers and '*' are supported.
func cronOnCalendar(expr string) (string, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return "", fmt.Errorf("invalid cron expression %q", expr)
	}
	for _, p := range parts {
		if p == "*" {
			continue
		}
		if _, err := strconv.Atoi(p); err != nil {
			return "", fmt.Errorf("unsupported cron field %q in %q", p, expr)
		}
	}

	minute, hour, day, month, weekday := parts[0], parts[1], parts[2], parts[3], parts[4]
	pad := func(s string) string {
		if s == "*" || len(s) > 1 {
			return s
		}
		return "0" + s
	}

	cal := fmt.Sprintf("*-%s-%s %s:%s:00", pad(month), pad(day), pad(hour), pad(minute))
	if weekday != "*" {
		n, _ := strconv.Atoi(weekday)
		cal = weekdays[n%7] + " " + cal
	}
	return cal, nil
}

// quoteUnitArg double-quotes an ExecStart/Environment argument when needed
func quoteUnitArg(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'\\") {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
