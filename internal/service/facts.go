package service

import (
	"regexp"
	"strconv"
	"strings"
)

// Facts are the raw signals extracted from a manager query
type Facts struct {
	PID      int
	ExitCode *int
	// Inactive is set when the manager reports the unit stopped even though
	// it still knows about it.
	Inactive bool
}

var (
	launchdListPID  = regexp.MustCompile(`"PID"\s*=\s*(\d+);`)
	launchdListExit = regexp.MustCompile(`"LastExitStatus"\s*=\s*(-?\d+);`)
	launchdPrintPID = regexp.MustCompile(`(?m)^\s*pid\s*=\s*(\d+)\s*$`)
	// "last exit code = (never exited)" carries no code and is ignored.
	launchdPrintExit = regexp.MustCompile(`(?m)^\s*last exit code\s*=\s*(-?\d+)`)

	systemdMainPID = regexp.MustCompile(`Main PID:\s*(\d+)(?:\s*\(([^)]*)\))?`)
	systemdExit    = regexp.MustCompile(`code=exited,\s*status=(-?\d+)`)
	systemdActive  = regexp.MustCompile(`(?m)^\s*Active:\s*(inactive|failed)\b`)
)

// parseLaunchdFacts reads both `launchctl list <label>` and `launchctl print` output
func parseLaunchdFacts(raw string) Facts {
	var f Facts
	if m := launchdListPID.FindStringSubmatch(raw); m != nil {
		f.PID = atoi(m[1])
	} else if m := launchdPrintPID.FindStringSubmatch(raw); m != nil {
		f.PID = atoi(m[1])
	}
	if m := launchdListExit.FindStringSubmatch(raw); m != nil {
		f.ExitCode = intPtr(atoi(m[1]))
	} else if m := launchdPrintExit.FindStringSubmatch(raw); m != nil {
		f.ExitCode = intPtr(atoi(m[1]))
	}
	return f
}

// parseSystemdFacts reads `systemctl status <unit>` output. A Main PID whose
// annotation is an exit record belongs to a process that is gone.
func parseSystemdFacts(raw string) Facts {
	var f Facts
	if m := systemdMainPID.FindStringSubmatch(raw); m != nil {
		if !strings.HasPrefix(m[2], "code=") {
			f.PID = atoi(m[1])
		}
	}
	if m := systemdExit.FindStringSubmatch(raw); m != nil {
		f.ExitCode = intPtr(atoi(m[1]))
	}
	f.Inactive = systemdActive.MatchString(raw)
	return f
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func intPtr(n int) *int {
	return &n
}
