package packages

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nebula/svcbridge/internal/logger"
)

// templateExts are the raw definition formats recognised under a keg
var templateExts = []string{".plist", ".service", ".timer"}

// KegRegistry discovers packages under <prefix>/opt/*
type KegRegistry struct {
	prefix string
}

// NewKegRegistry creates a registry rooted at an installation prefix
func NewKegRegistry(prefix string) *KegRegistry {
	return &KegRegistry{prefix: prefix}
}

// DetectRegistry resolves the installation prefix and returns a registry for it.
// A configured prefix wins; otherwise `brew --prefix` is asked when brew is on
// PATH; otherwise /usr/local is used.
func DetectRegistry(configured string) *KegRegistry {
	return NewKegRegistry(detectPrefix(configured, exec.LookPath, brewPrefix))
}

func detectPrefix(configured string, lookPath func(string) (string, error), ask func() (string, error)) string {
	if configured != "" {
		return configured
	}
	if _, err := lookPath("brew"); err == nil {
		if prefix, err := ask(); err == nil && prefix != "" {
			return prefix
		}
	}
	return "/usr/local"
}

func brewPrefix() (string, error) {
	output, err := exec.Command("brew", "--prefix").Output()
	if err != nil {
		return "", fmt.Errorf("failed to query brew prefix: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// Prefix returns the installation prefix
func (r *KegRegistry) Prefix() string {
	return r.prefix
}

// Installed returns installed packages that declare a service, sorted by name
func (r *KegRegistry) Installed() ([]Package, error) {
	optDir := filepath.Join(r.prefix, "opt")
	entries, err := os.ReadDir(optDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}

	var pkgs []Package
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		pkg, err := r.load(e.Name())
		if err != nil {
			logger.Warn().Err(err).Str("package", e.Name()).Msg("skipping package with unreadable service declaration")
			continue
		}
		if !pkg.IsInstalled() || !pkg.HasService() {
			continue
		}
		pkgs = append(pkgs, pkg)
	}

	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	return pkgs, nil
}

// Get returns a single installed package
func (r *KegRegistry) Get(name string) (Package, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return Package{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	pkg, err := r.load(name)
	if err != nil {
		return Package{}, err
	}
	if !pkg.IsInstalled() {
		return Package{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return pkg, nil
}

func (r *KegRegistry) load(name string) (Package, error) {
	opt := filepath.Join(r.prefix, "opt", name)
	pkg := Package{
		Name:               name,
		OptPrefix:          opt,
		InstallationPrefix: r.prefix,
	}

	keg, err := filepath.EvalSymlinks(opt)
	if err != nil {
		// Not installed; callers check IsInstalled.
		return pkg, nil
	}
	pkg.Prefix = keg
	if base := filepath.Base(keg); base != name {
		pkg.Version = base
	}

	entries, err := os.ReadDir(opt)
	if err != nil {
		return pkg, fmt.Errorf("failed to read %s: %w", opt, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Name() == ServiceFileName {
			spec, err := LoadServiceSpec(filepath.Join(opt, e.Name()))
			if err != nil {
				return pkg, err
			}
			pkg.Service = spec
			continue
		}
		for _, ext := range templateExts {
			if strings.HasSuffix(e.Name(), ext) {
				pkg.Templates = append(pkg.Templates, filepath.Join(opt, e.Name()))
			}
		}
	}
	return pkg, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
