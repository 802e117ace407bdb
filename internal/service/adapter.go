package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/nebula/svcbridge/internal/auth"
	"github.com/nebula/svcbridge/internal/config"
)

// Adapter drives one native service manager. Exactly one adapter is active
// per process; all manager-specific knowledge lives behind it.
type Adapter interface {
	// Name returns the backend name ("launchd" or "systemd")
	Name() string

	// Query asks the manager about label. Absence is reported through found,
	// not as an error.
	Query(ctx context.Context, label string) (raw string, found bool, err error)

	// Facts extracts PID and last exit code from Query output
	Facts(raw string) Facts

	// ListRunning returns the loaded labels that carry our prefix
	ListRunning(ctx context.Context) ([]string, error)

	// Install registers the definition at path, enabling it for boot when asked
	Install(ctx context.Context, label, path string, enableAtBoot bool) error

	// Stop unregisters label. path is empty when no installed file exists.
	Stop(ctx context.Context, label, path string) Result

	// Signal delivers sig to the service's main process
	Signal(ctx context.Context, label string, sig syscall.Signal) Result

	// ScopeArgs are the arguments that select the active scope
	ScopeArgs() []string

	// Paths returns the managed directories and file extension
	Paths() Paths

	// RewriteDefinition forces label and run-as user into rendered content
	RewriteDefinition(content, label, runAs string) string

	// GenerateDefinition builds a definition from a structured descriptor
	GenerateDefinition(d Descriptor) (string, error)

	// Companions returns extra files (extension to content) that must be
	// installed next to the definition, such as a systemd timer.
	Companions(d Descriptor) (map[string]string, error)
}

// Paths describes where definitions live for a backend
type Paths struct {
	BootDir string
	UserDir string
	// Ext is the definition file extension, including the dot.
	Ext string
	// CompanionExts are extensions of auxiliary files swept with definitions.
	CompanionExts []string
	// ScratchDir receives definitions loaded by `run`. Empty means the state
	// directory is used.
	ScratchDir string
}

// Dir returns the managed directory of the requested scope
func (p Paths) Dir(root bool) string {
	if root {
		return p.BootDir
	}
	return p.UserDir
}

// Labeler maps package names to manager labels and back
type Labeler struct {
	Prefix string
}

// Label returns the manager label for a package name
func (l Labeler) Label(name string) string {
	return l.Prefix + name
}

// Name strips the prefix from a label. ok is false for foreign labels.
func (l Labeler) Name(label string) (string, bool) {
	if !strings.HasPrefix(label, l.Prefix) || len(label) == len(l.Prefix) {
		return "", false
	}
	return strings.TrimPrefix(label, l.Prefix), true
}

// Detect selects the adapter for this host by probing for launchctl, then
// systemctl.
func Detect(runner Runner, id auth.Identity, cfg *config.Config, signaler Signaler) (Adapter, error) {
	return detect(exec.LookPath, runner, id, cfg, signaler)
}

func detect(lookPath func(string) (string, error), runner Runner, id auth.Identity, cfg *config.Config, signaler Signaler) (Adapter, error) {
	if _, err := lookPath("launchctl"); err == nil {
		return NewLaunchdAdapter(runner, id, LaunchdOptions{
			Labeler:  Labeler{Prefix: cfg.Labels.LaunchdPrefix},
			BootDir:  cfg.Paths.LaunchdBootDir,
			UserDir:  cfg.Paths.LaunchdUserDir,
			Signaler: signaler,
		}), nil
	}
	if _, err := lookPath("systemctl"); err == nil {
		return NewSystemdAdapter(runner, id, SystemdOptions{
			Labeler: Labeler{Prefix: cfg.Labels.SystemdPrefix},
			BootDir: cfg.Paths.SystemdBootDir,
			UserDir: cfg.Paths.SystemdUserDir,
		}), nil
	}
	return nil, fmt.Errorf("no supported service manager found: need launchctl or systemctl on PATH")
}

// LabelerFor returns the label convention of the named backend
func LabelerFor(adapter Adapter, cfg *config.Config) Labeler {
	if adapter.Name() == "launchd" {
		return Labeler{Prefix: cfg.Labels.LaunchdPrefix}
	}
	return Labeler{Prefix: cfg.Labels.SystemdPrefix}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// companionPath replaces the extension of a definition path
func companionPath(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}
