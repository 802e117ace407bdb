package service

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/nebula/svcbridge/internal/auth"
	"github.com/nebula/svcbridge/internal/packages"
)

// Schedule is the declared periodic trigger of a service
type Schedule struct {
	Interval int    `json:"interval,omitempty"`
	Cron     string `json:"cron,omitempty"`
}

// Descriptor is everything the lifecycle code knows about one service. It is
// built on demand from package metadata and never persisted.
type Descriptor struct {
	Name  string
	Label string

	CanonicalPath  string
	InstalledPath  string
	OtherScopePath string

	RequiresRoot bool
	KeepAlive    bool
	Schedule     Schedule

	Command      []string
	WorkingDir   string
	RootDir      string
	LogPath      string
	ErrorLogPath string
	Environment  map[string]string
	RunType      string

	// Vars feeds {{identifier}} substitution in definition templates.
	Vars map[string]string
}

// Schedulable reports whether the service runs on a timer rather than continuously
func (d Descriptor) Schedulable() bool {
	return d.Schedule.Interval > 0 || d.Schedule.Cron != ""
}

// Installed reports whether the definition is registered for autostart in the active scope
func (d Descriptor) Installed() bool {
	return fileExists(d.InstalledPath)
}

// InOtherScope reports whether a definition for the label exists in the opposite scope
func (d Descriptor) InOtherScope() bool {
	return fileExists(d.OtherScopePath)
}

// FromPackage builds a descriptor for pkg under the given backend layout
func FromPackage(pkg packages.Package, labeler Labeler, paths Paths, id auth.Identity) Descriptor {
	label := labeler.Label(pkg.Name)
	file := label + paths.Ext

	d := Descriptor{
		Name:           pkg.Name,
		Label:          label,
		CanonicalPath:  filepath.Join(pkg.OptPrefix, file),
		InstalledPath:  filepath.Join(paths.Dir(id.Root), file),
		OtherScopePath: filepath.Join(paths.Dir(!id.Root), file),
	}
	if tmpl, ok := pkg.Template(label, paths.Ext); ok {
		d.CanonicalPath = tmpl
	}

	vars := map[string]string{
		"name":                pkg.Name,
		"label":               label,
		"prefix":              pkg.Prefix,
		"opt_prefix":          pkg.OptPrefix,
		"bin":                 pkg.Bin(),
		"sbin":                pkg.Sbin(),
		"etc":                 pkg.Etc(),
		"var":                 pkg.Var(),
		"home":                id.Home,
		"installation_prefix": pkg.InstallationPrefix,
	}

	if spec := pkg.Service; spec != nil {
		d.RequiresRoot = spec.RequireRoot
		d.KeepAlive = spec.KeepAlive
		d.RunType = spec.RunType
		d.Schedule = Schedule{Interval: spec.Interval, Cron: spec.Cron}

		// Paths may refer to the base variables but not to each other.
		d.WorkingDir = Substitute(spec.WorkingDir, vars)
		d.RootDir = Substitute(spec.RootDir, vars)
		d.LogPath = Substitute(spec.LogPath, vars)
		d.ErrorLogPath = Substitute(spec.ErrorLogPath, vars)

		for _, arg := range spec.Run {
			d.Command = append(d.Command, Substitute(arg, vars))
		}
		if len(spec.EnvironmentVariables) > 0 {
			d.Environment = make(map[string]string, len(spec.EnvironmentVariables))
			for k, v := range spec.EnvironmentVariables {
				d.Environment[k] = Substitute(v, vars)
			}
		}
	}

	vars["working_dir"] = d.WorkingDir
	vars["root_dir"] = d.RootDir
	vars["log_path"] = d.LogPath
	vars["error_log_path"] = d.ErrorLogPath
	d.Vars = vars

	return d
}

// Catalog turns installed packages into descriptors for the active backend
type Catalog struct {
	registry packages.Registry
	labeler  Labeler
	paths    Paths
	identity auth.Identity
}

// NewCatalog creates a catalog over a package registry
func NewCatalog(registry packages.Registry, labeler Labeler, paths Paths, id auth.Identity) *Catalog {
	return &Catalog{
		registry: registry,
		labeler:  labeler,
		paths:    paths,
		identity: id,
	}
}

// serviceable reports whether pkg declares a service this backend can run:
// a structured declaration or a template named <label><ext>.
func (c *Catalog) serviceable(pkg packages.Package) bool {
	if pkg.Service != nil {
		return true
	}
	_, ok := pkg.Template(c.labeler.Label(pkg.Name), c.paths.Ext)
	return ok
}

// Get returns the descriptor for a package name
func (c *Catalog) Get(name string) (Descriptor, error) {
	pkg, err := c.registry.Get(name)
	if err != nil {
		if errors.Is(err, packages.ErrNotFound) {
			return Descriptor{}, fmt.Errorf("%w: %s", ErrNotInstalled, name)
		}
		return Descriptor{}, err
	}
	if !c.serviceable(pkg) {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}
	return FromPackage(pkg, c.labeler, c.paths, c.identity), nil
}

// All returns descriptors for every installed package with a service for this backend
func (c *Catalog) All() ([]Descriptor, error) {
	pkgs, err := c.registry.Installed()
	if err != nil {
		return nil, err
	}
	descs := make([]Descriptor, 0, len(pkgs))
	for _, pkg := range pkgs {
		if !c.serviceable(pkg) {
			continue
		}
		descs = append(descs, FromPackage(pkg, c.labeler, c.paths, c.identity))
	}
	return descs, nil
}
