// Package auth describes the account svcbridge runs as.
package auth

import (
	"fmt"
	"os"
	"os/user"
	"runtime"
	"strconv"
)

// Identity is the invoking account, resolved once at startup and passed to
// constructors. It is never mutated afterwards.
type Identity struct {
	Root     bool
	UID      int
	GID      int
	Username string
	Home     string
	// KernelMajor is the host kernel major release (Darwin 14 and later
	// speak bootstrap/bootout). Zero when unknown.
	KernelMajor int
}

// IsRunningAsRoot checks if the application is running with elevated privileges
func IsRunningAsRoot() bool {
	return os.Geteuid() == 0
}

// Current resolves the identity of the running process
func Current() (Identity, error) {
	u, err := user.Current()
	if err != nil {
		return Identity{}, fmt.Errorf("failed to resolve current user: %w", err)
	}

	id := Identity{
		Root:        IsRunningAsRoot(),
		UID:         os.Geteuid(),
		GID:         os.Getegid(),
		Username:    u.Username,
		Home:        u.HomeDir,
		KernelMajor: kernelMajor(),
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		id.Home = home
	}
	return id, nil
}

// ScopeName is the human name of the active scope, used in sweep reports.
func (i Identity) ScopeName() string {
	if i.Root {
		return "root"
	}
	return "user-space"
}

// PrivilegedGroup returns the group privileged definitions are handed to
// when no group is configured.
func PrivilegedGroup(configured string) string {
	if configured != "" {
		return configured
	}
	if runtime.GOOS == "darwin" {
		return "wheel"
	}
	return "root"
}

// LookupGroupID resolves a group name to its numeric id.
func LookupGroupID(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, fmt.Errorf("failed to look up group %s: %w", name, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, fmt.Errorf("invalid gid %q for group %s", g.Gid, name)
	}
	return gid, nil
}

// parseMajor extracts the leading integer from a kernel release string
// such as "23.4.0" or "6.8.0-45-generic".
func parseMajor(release string) int {
	n := 0
	for _, r := range release {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}
