package service

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_]+)\s*\}\}`)

// Substitute replaces {{identifier}} placeholders. Unknown identifiers become
// the empty string.
func Substitute(content string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(content, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		return vars[key]
	})
}

// Render produces the final definition text for d
func Render(adapter Adapter, content string, d Descriptor, runAs string) string {
	return adapter.RewriteDefinition(Substitute(content, d.Vars), d.Label, runAs)
}

// source names where definition content came from
type source int

const (
	sourceOverride source = iota
	sourceInstalled
	sourceCanonical
	sourceGenerated
)

// resolveContent picks the definition text by precedence: override file,
// installed copy, canonical template, generated from the descriptor.
func resolveContent(adapter Adapter, d Descriptor, override string, useInstalled bool) (string, source, error) {
	if override != "" {
		data, err := os.ReadFile(override)
		if err != nil {
			if os.IsNotExist(err) {
				return "", 0, fmt.Errorf("%w: %s", ErrOverrideMissing, override)
			}
			return "", 0, fmt.Errorf("failed to read %s: %w", override, err)
		}
		return string(data), sourceOverride, nil
	}

	if useInstalled && fileExists(d.InstalledPath) {
		data, err := os.ReadFile(d.InstalledPath)
		if err != nil {
			return "", 0, fmt.Errorf("failed to read %s: %w", d.InstalledPath, err)
		}
		return string(data), sourceInstalled, nil
	}

	if fileExists(d.CanonicalPath) {
		data, err := os.ReadFile(d.CanonicalPath)
		if err != nil {
			return "", 0, fmt.Errorf("failed to read %s: %w", d.CanonicalPath, err)
		}
		return string(data), sourceCanonical, nil
	}

	if len(d.Command) > 0 {
		content, err := adapter.GenerateDefinition(d)
		if err != nil {
			return "", 0, fmt.Errorf("failed to generate definition for %s: %w", d.Name, err)
		}
		return content, sourceGenerated, nil
	}

	return "", 0, fmt.Errorf("%w: %s", ErrNoDefinition, d.Name)
}

// writeAtomic writes content to a temp file in the target directory and
// renames it over path.
func writeAtomic(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("failed to set mode on %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to install %s: %w", path, err)
	}
	return nil
}

// writeDefinition installs the definition and its companions at path
func writeDefinition(adapter Adapter, d Descriptor, path, content string) ([]string, error) {
	companions, err := adapter.Companions(d)
	if err != nil {
		return nil, err
	}

	written := []string{path}
	if err := writeAtomic(path, content); err != nil {
		return nil, err
	}
	for ext, body := range companions {
		p := companionPath(path, ext)
		if err := writeAtomic(p, Substitute(body, d.Vars)); err != nil {
			removeFiles(written)
			return nil, err
		}
		written = append(written, p)
	}
	return written, nil
}

// removeDefinition deletes path and any companion files next to it
func removeDefinition(paths Paths, path string) error {
	files := []string{path}
	for _, ext := range paths.CompanionExts {
		files = append(files, companionPath(path, ext))
	}
	return removeFiles(files)
}

func removeFiles(files []string) error {
	var errs []string
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to remove definition: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ownedPaths lists the files a privileged start hands to root: the
// definitions themselves plus what they reference.
func ownedPaths(d Descriptor, written []string) []string {
	paths := append([]string(nil), written...)
	if len(d.Command) > 0 && filepath.IsAbs(d.Command[0]) {
		paths = append(paths, d.Command[0])
	}
	for _, p := range []string{d.WorkingDir, d.RootDir} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// chownAll sets uid/gid on every existing path. Missing paths are skipped.
func chownAll(paths []string, uid, gid int) ([]string, error) {
	var changed []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := os.Chown(p, uid, gid); err != nil {
			return changed, fmt.Errorf("failed to change ownership of %s: %w", p, err)
		}
		changed = append(changed, p)
	}
	return changed, nil
}
