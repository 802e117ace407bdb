package packages

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when no installed package has the requested name
var ErrNotFound = errors.New("package not found")

// Registry lists installed packages that ship a service
type Registry interface {
	// Installed returns every installed package that declares a service
	Installed() ([]Package, error)

	// Get returns a single installed package by name
	Get(name string) (Package, error)

	// Prefix returns the installation prefix the registry scans
	Prefix() string
}

// Package is an installed package as seen from the installation prefix
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	// Prefix is the versioned keg directory the opt link resolves to.
	Prefix string `json:"prefix"`
	// OptPrefix is the stable <installation prefix>/opt/<name> path.
	OptPrefix          string `json:"opt_prefix"`
	InstallationPrefix string `json:"installation_prefix"`

	// Service is the structured service declaration, nil when the package
	// only ships raw templates.
	Service *ServiceSpec `json:"service,omitempty"`
	// Templates lists raw definition files found directly under OptPrefix.
	Templates []string `json:"templates,omitempty"`
}

// IsInstalled reports whether the keg directory is present on disk
func (p Package) IsInstalled() bool {
	return p.Prefix != "" && dirExists(p.Prefix)
}

// HasService reports whether the package declares a service in any form for
// any backend. Callers match templates to their backend with Template.
func (p Package) HasService() bool {
	return p.Service != nil || len(p.Templates) > 0
}

// Template returns the raw template named <label>.<ext> if the package ships one
func (p Package) Template(label, ext string) (string, bool) {
	want := label + "." + strings.TrimPrefix(ext, ".")
	for _, t := range p.Templates {
		if filepath.Base(t) == want {
			return t, true
		}
	}
	return "", false
}

// Bin returns the package's bin directory
func (p Package) Bin() string { return filepath.Join(p.OptPrefix, "bin") }

// Sbin returns the package's sbin directory
func (p Package) Sbin() string { return filepath.Join(p.OptPrefix, "sbin") }

// Etc returns the shared configuration directory
func (p Package) Etc() string { return filepath.Join(p.InstallationPrefix, "etc") }

// Var returns the shared state directory
func (p Package) Var() string { return filepath.Join(p.InstallationPrefix, "var") }
