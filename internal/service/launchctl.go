package service

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/nebula/svcbridge/internal/auth"
)

// launchctl exit codes with special meaning during bootout
const (
	launchdInProgress = 36  // EINPROGRESS: job still shutting down
	launchdNoProcess  = 3   // ESRCH: no such job
	launchdNotFound   = 113 // could not find service in domain
)

// modernLaunchdKernel is the first Darwin release with bootstrap/bootout
const modernLaunchdKernel = 14

// Signaler delivers signals directly to a PID
type Signaler interface {
	Signal(pid int, sig syscall.Signal) error
}

// LaunchdOptions configures a LaunchdAdapter
type LaunchdOptions struct {
	Labeler  Labeler
	BootDir  string
	UserDir  string
	Signaler Signaler
}

// LaunchdAdapter manages launchd jobs on macOS
type LaunchdAdapter struct {
	runner   Runner
	labeler  Labeler
	paths    Paths
	signaler Signaler
	root     bool
	uid      int
	modern   bool
}

// NewLaunchdAdapter creates a launchd adapter for the given identity
func NewLaunchdAdapter(runner Runner, id auth.Identity, opts LaunchdOptions) *LaunchdAdapter {
	return &LaunchdAdapter{
		runner:  runner,
		labeler: opts.Labeler,
		paths: Paths{
			BootDir: opts.BootDir,
			UserDir: opts.UserDir,
			Ext:     ".plist",
		},
		signaler: opts.Signaler,
		root:     id.Root,
		uid:      id.UID,
		modern:   id.KernelMajor >= modernLaunchdKernel,
	}
}

// Name returns the backend name
func (a *LaunchdAdapter) Name() string {
	return "launchd"
}

// domain is the bootstrap domain of the active scope
func (a *LaunchdAdapter) domain() string {
	if a.root {
		return "system"
	}
	return "gui/" + strconv.Itoa(a.uid)
}

func (a *LaunchdAdapter) target(label string) string {
	return a.domain() + "/" + label
}

// Query runs `launchctl list <label>`
func (a *LaunchdAdapter) Query(ctx context.Context, label string) (string, bool, error) {
	res := a.runner.Run(ctx, "launchctl", "list", label)
	if !res.Started() {
		return "", false, fmt.Errorf("failed to query %s: %w", label, res.Err)
	}
	if res.ExitCode != 0 {
		return res.Output, false, nil
	}
	return res.Output, true, nil
}

// Facts extracts PID and last exit status
func (a *LaunchdAdapter) Facts(raw string) Facts {
	return parseLaunchdFacts(raw)
}

// ListRunning returns loaded jobs with our prefix
func (a *LaunchdAdapter) ListRunning(ctx context.Context) ([]string, error) {
	res := a.runner.Run(ctx, "launchctl", "list")
	if !res.Success() {
		return nil, fmt.Errorf("failed to list services: %w", res.Failure())
	}
	return parseLaunchctlList(res.Output, a.labeler), nil
}

// parseLaunchctlList reads the PID/Status/Label table of `launchctl list`
func parseLaunchctlList(output string, labeler Labeler) []string {
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || fields[0] == "PID" {
			continue
		}
		label := fields[2]
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

// Install loads the plist at path
func (a *LaunchdAdapter) Install(ctx context.Context, label, path string, enableAtBoot bool) error {
	if !a.modern {
		args := []string{"load"}
		if enableAtBoot {
			args = append(args, "-w")
		}
		args = append(args, path)
		if res := a.runner.Run(ctx, "launchctl", args...); !res.Success() {
			return fmt.Errorf("failed to load %s: %w", label, res.Failure())
		}
		return nil
	}

	if enableAtBoot {
		if res := a.runner.Run(ctx, "launchctl", "enable", a.target(label)); !res.Success() {
			return fmt.Errorf("failed to enable %s: %w", label, res.Failure())
		}
	}
	if res := a.runner.Run(ctx, "launchctl", "bootstrap", a.domain(), path); !res.Success() {
		return fmt.Errorf("failed to bootstrap %s: %w", label, res.Failure())
	}
	return nil
}

// Stop unloads the job. Exit codes 3 and 113 are normalised to success.
func (a *LaunchdAdapter) Stop(ctx context.Context, label, path string) Result {
	var res Result
	switch {
	case a.modern:
		res = a.runner.Run(ctx, "launchctl", "bootout", a.target(label))
	case path != "":
		res = a.runner.Run(ctx, "launchctl", "unload", "-w", path)
	default:
		res = a.runner.Run(ctx, "launchctl", "remove", label)
	}

	if res.ExitCode == launchdNoProcess || res.ExitCode == launchdNotFound {
		return Result{Output: res.Output}
	}
	return res
}

// Signal sends sig to the job. Older launchctl has no kill subcommand, so the
// PID is signalled directly.
func (a *LaunchdAdapter) Signal(ctx context.Context, label string, sig syscall.Signal) Result {
	if a.modern {
		return a.runner.Run(ctx, "launchctl", "kill", strconv.Itoa(int(sig)), a.target(label))
	}

	raw, found, err := a.Query(ctx, label)
	if err != nil {
		return Result{ExitCode: -1, Err: err}
	}
	pid := a.Facts(raw).PID
	if !found || pid == 0 {
		return Result{ExitCode: 1, Err: fmt.Errorf("%w: %s", ErrNotRunning, label)}
	}
	if a.signaler == nil {
		return Result{ExitCode: -1, Err: fmt.Errorf("no signaler configured")}
	}
	if err := a.signaler.Signal(pid, sig); err != nil {
		return Result{ExitCode: 1, Err: err}
	}
	return Result{}
}

// ScopeArgs is empty; launchd scopes by domain target instead of flags
func (a *LaunchdAdapter) ScopeArgs() []string {
	return nil
}

// Paths returns the LaunchDaemons/LaunchAgents layout
func (a *LaunchdAdapter) Paths() Paths {
	return a.paths
}

var (
	plistLabel    = regexp.MustCompile(`(<key>Label</key>\s*<string>)[^<]*(</string>)`)
	plistUserName = regexp.MustCompile(`\s*<key>UserName</key>\s*<string>[^<]*</string>`)
	plistDictOpen = regexp.MustCompile(`<dict>`)
)

// RewriteDefinition sets the Label key and replaces any UserName
func (a *LaunchdAdapter) RewriteDefinition(content, label, runAs string) string {
	escaped := escapeXML(label)
	if plistLabel.MatchString(content) {
		content = plistLabel.ReplaceAllString(content, "${1}"+escapeReplacement(escaped)+"${2}")
	} else if loc := plistDictOpen.FindStringIndex(content); loc != nil {
		content = content[:loc[1]] + "\n\t<key>Label</key>\n\t<string>" + escaped + "</string>" + content[loc[1]:]
	}

	content = plistUserName.ReplaceAllString(content, "")
	if runAs != "" {
		loc := plistLabel.FindStringIndex(content)
		if loc != nil {
			content = content[:loc[1]] + "\n\t<key>UserName</key>\n\t<string>" + escapeXML(runAs) + "</string>" + content[loc[1]:]
		}
	}
	return content
}

// GenerateDefinition creates the XML plist content for a descriptor
func (a *LaunchdAdapter) GenerateDefinition(d Descriptor) (string, error) {
	if len(d.Command) == 0 {
		return "", fmt.Errorf("%w: %s has no run command", ErrNoDefinition, d.Name)
	}

	var sb strings.Builder

	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
`)
	writeKeyString(&sb, "Label", d.Label)

	sb.WriteString("\t<key>ProgramArguments</key>\n\t<array>\n")
	for _, arg := range d.Command {
		sb.WriteString("\t\t<string>" + escapeXML(arg) + "</string>\n")
	}
	sb.WriteString("\t</array>\n")

	if d.WorkingDir != "" {
		writeKeyString(&sb, "WorkingDirectory", d.WorkingDir)
	}
	if d.RootDir != "" {
		writeKeyString(&sb, "RootDirectory", d.RootDir)
	}

	if len(d.Environment) > 0 {
		keys := make([]string, 0, len(d.Environment))
		for k := range d.Environment {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString("\t<key>EnvironmentVariables</key>\n\t<dict>\n")
		for _, k := range keys {
			sb.WriteString("\t\t<key>" + escapeXML(k) + "</key>\n")
			sb.WriteString("\t\t<string>" + escapeXML(d.Environment[k]) + "</string>\n")
		}
		sb.WriteString("\t</dict>\n")
	}

	// Scheduled jobs fire on their trigger, not at load.
	writeKeyBool(&sb, "RunAtLoad", !d.Schedulable())

	if d.KeepAlive {
		writeKeyBool(&sb, "KeepAlive", true)
	}

	if d.Schedule.Interval > 0 {
		sb.WriteString("\t<key>StartInterval</key>\n\t<integer>" + strconv.Itoa(d.Schedule.Interval) + "</integer>\n")
	}
	if d.Schedule.Cron != "" {
		fields, err := cronCalendar(d.Schedule.Cron)
		if err != nil {
			return "", err
		}
		sb.WriteString("\t<key>StartCalendarInterval</key>\n\t<dict>\n")
		for _, f := range fields {
			sb.WriteString("\t\t<key>" + f.key + "</key>\n\t\t<integer>" + strconv.Itoa(f.value) + "</integer>\n")
		}
		sb.WriteString("\t</dict>\n")
	}

	if d.LogPath != "" {
		writeKeyString(&sb, "StandardOutPath", d.LogPath)
	}
	if d.ErrorLogPath != "" {
		writeKeyString(&sb, "StandardErrorPath", d.ErrorLogPath)
	}

	sb.WriteString("</dict>\n</plist>\n")
	return sb.String(), nil
}

// Companions is empty; schedules live inside the plist
func (a *LaunchdAdapter) Companions(d Descriptor) (map[string]string, error) {
	return nil, nil
}

func writeKeyString(sb *strings.Builder, key, value string) {
	sb.WriteString("\t<key>" + key + "</key>\n\t<string>" + escapeXML(value) + "</string>\n")
}

func writeKeyBool(sb *strings.Builder, key string, value bool) {
	v := "<false/>"
	if value {
		v = "<true/>"
	}
	sb.WriteString("\t<key>" + key + "</key>\n\t" + v + "\n")
}

type calendarField struct {
	key   string
	value int
}

// cronCalendar converts a five-field cron expression into launchd calendar
// keys. Only literal numbers and '*' are supported.
func cronCalendar(expr string) ([]calendarField, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	keys := []string{"Minute", "Hour", "Day", "Month", "Weekday"}

	var fields []calendarField
	for i, p := range parts {
		if p == "*" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("unsupported cron field %q in %q", p, expr)
		}
		fields = append(fields, calendarField{key: keys[i], value: n})
	}
	return fields, nil
}

// escapeXML escapes special characters for XML
func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}

// escapeReplacement protects '$' in regexp replacement templates
func escapeReplacement(s string) string {
	return strings.ReplaceAll(s, "$", "$$")
}
