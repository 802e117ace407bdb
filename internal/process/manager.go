package process

import (
	"fmt"
	"os"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// Manager inspects and signals processes started by the service manager
type Manager struct{}

// NewManager creates a new process manager
func NewManager() *Manager {
	return &Manager{}
}

// Alive reports whether pid names a running process
func (m *Manager) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// Owner returns the user that owns pid
func (m *Manager) Owner(pid int) (string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", fmt.Errorf("process not found: %w", err)
	}
	name, err := p.Username()
	if err != nil {
		return "", fmt.Errorf("failed to get owner of %d: %w", pid, err)
	}
	return name, nil
}

// Signal sends a signal to a process
func (m *Manager) Signal(pid int, sig syscall.Signal) error {
	// Check if it's the current process or init
	if pid <= 1 || pid == os.Getpid() {
		return fmt.Errorf("refusing to signal protected process %d", pid)
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("process not found: %w", err)
	}
	return p.SendSignal(sig)
}
