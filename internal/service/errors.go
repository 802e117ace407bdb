package service

import (
	"errors"

	"github.com/nebula/svcbridge/internal/storage"
)

// Precondition and failure sentinels. Verbs wrap them with the service name
// so callers can classify with errors.Is and still print a useful message.
var (
	ErrAlreadyStarted    = errors.New("service already started")
	ErrNotStarted        = errors.New("service is not started")
	ErrNotRunning        = errors.New("service is not running")
	ErrKeepAlive         = errors.New("service has a keep-alive policy")
	ErrNoDefinition      = errors.New("no service definition available")
	ErrOverrideMissing   = errors.New("override definition file does not exist")
	ErrOwnershipConflict = errors.New("service is owned by another scope")
	ErrPrivilegedRun     = errors.New("refusing to run a non-root service as root")
	ErrUnableToStop      = errors.New("unable to stop service")
	ErrUnableToKill      = errors.New("unable to kill service")
	ErrNotInstalled      = errors.New("package is not installed or declares no service")
	ErrBusy              = storage.ErrBusy
)

// IsWarning reports whether err is informational rather than a failure of
// the requested transition.
func IsWarning(err error) bool {
	return errors.Is(err, ErrNotStarted)
}
