package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebula/svcbridge/internal/service"
	"github.com/nebula/svcbridge/internal/storage"
)

// newTestApp returns an app whose environment must never be opened
func newTestApp(t *testing.T) (*app, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	a := &app{
		stdout: &stdout,
		stderr: &stderr,
		open: func(g *globalFlags, mutating bool) (*env, error) {
			t.Fatalf("environment opened for a usage error")
			return nil, nil
		},
	}
	return a, &stdout, &stderr
}

func TestValidateTargets(t *testing.T) {
	tests := []struct {
		name  string
		names []string
		flags targetFlags
		err   string
	}{
		{"single name", []string{"redis"}, targetFlags{}, ""},
		{"several names", []string{"redis", "postgresql"}, targetFlags{}, ""},
		{"all", nil, targetFlags{all: true}, ""},
		{"no target", nil, targetFlags{}, "a service name or --all is required"},
		{"all with names", []string{"redis"}, targetFlags{all: true}, "--all cannot be combined"},
		{"file with two names", []string{"redis", "postgresql"}, targetFlags{file: "x.plist"}, "--file can only be used"},
		{"file with all", nil, targetFlags{all: true, file: "x.plist"}, "--file can only be used"},
		{"file with one name", []string{"redis"}, targetFlags{file: "x.plist"}, ""},
		{"negative max wait", []string{"redis"}, targetFlags{maxWait: -time.Second}, "cannot be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTargets("start", tt.names, tt.flags)
			if tt.err == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
			assert.Equal(t, exitUsage, exitCode(err))
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitUsage, exitCode(usageErrorf("bad")))
	assert.Equal(t, exitFailure, exitCode(errFailed))
	assert.Equal(t, exitFailure, exitCode(fmt.Errorf("%w: redis", service.ErrUnableToStop)))
	assert.Equal(t, exitUsage, exitCode(fmt.Errorf("wrapped: %w", usageErrorf("bad"))))
}

func TestOptions(t *testing.T) {
	opts := targetFlags{file: "f", serviceUser: "svc", noWait: true}.options()
	assert.Equal(t, "f", opts.File)
	assert.Equal(t, "svc", opts.ServiceUser)
	assert.True(t, opts.NoWait)
	assert.Nil(t, opts.MaxWait)

	opts = targetFlags{maxWaitSet: true}.options()
	require.NotNil(t, opts.MaxWait)
	assert.Zero(t, *opts.MaxWait)
}

func TestUsageErrorsSkipNativeCalls(t *testing.T) {
	tests := []struct {
		name string
		args []string
		err  string
	}{
		{"no target", []string{"start"}, "a service name or --all is required"},
		{"all with names", []string{"stop", "--all", "redis"}, "--all cannot be combined"},
		{"file with all", []string{"run", "--all", "--file", "x.plist"}, "--file can only be used"},
		{"unknown verb", []string{"launch", "redis"}, `unknown command "launch"`},
		{"unknown flag", []string{"kill", "--force", "redis"}, "unknown flag: --force"},
		{"flag not for verb", []string{"kill", "--no-wait", "redis"}, "unknown flag: --no-wait"},
		{"list with names", []string{"list", "redis"}, "does not take service names"},
		{"info without target", []string{"info"}, "a service name or --all is required"},
		{"bad duration", []string{"stop", "--max-wait", "soon", "redis"}, "invalid argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, stdout, stderr := newTestApp(t)
			code := a.execute(context.Background(), tt.args)
			assert.Equal(t, exitUsage, code)
			assert.Contains(t, stderr.String(), tt.err)
			assert.Empty(t, stdout.String())
		})
	}
}

func TestEnvironmentErrorsExitOne(t *testing.T) {
	var stdout, stderr bytes.Buffer
	var gotMutating []bool
	a := &app{
		stdout: &stdout,
		stderr: &stderr,
		open: func(g *globalFlags, mutating bool) (*env, error) {
			gotMutating = append(gotMutating, mutating)
			return nil, fmt.Errorf("%w: another svcbridge invocation holds the journal", service.ErrBusy)
		},
	}

	assert.Equal(t, exitFailure, a.execute(context.Background(), []string{"start", "redis"}))
	assert.Equal(t, exitFailure, a.execute(context.Background(), []string{"info", "redis"}))
	assert.Equal(t, exitFailure, a.execute(context.Background(), []string{"cleanup"}))
	assert.Equal(t, exitFailure, a.execute(context.Background(), []string{}))

	assert.Equal(t, []bool{true, false, true, false}, gotMutating)
	assert.Contains(t, stderr.String(), "another svcbridge invocation")
}

func TestGlobalFlagsReachEnvironment(t *testing.T) {
	var got globalFlags
	a := &app{
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
		open: func(g *globalFlags, mutating bool) (*env, error) {
			got = *g
			return nil, errors.New("stop here")
		},
	}
	a.execute(context.Background(), []string{"--config", "/tmp/svc.yaml", "list", "--json", "-v"})
	assert.Equal(t, globalFlags{config: "/tmp/svc.yaml", verbose: true, json: true}, got)
}

func TestConfigPath(t *testing.T) {
	t.Setenv("SVCBRIDGE_CONFIG", "")

	path, required := configPath("", "/home/dev")
	assert.Equal(t, "/home/dev/.config/svcbridge/config.yaml", path)
	assert.False(t, required)

	path, required = configPath("/etc/svc.yaml", "/home/dev")
	assert.Equal(t, "/etc/svc.yaml", path)
	assert.True(t, required)

	t.Setenv("SVCBRIDGE_CONFIG", "/opt/svc.yaml")
	path, required = configPath("", "/home/dev")
	assert.Equal(t, "/opt/svc.yaml", path)
	assert.True(t, required)
}

func TestLenientHistory_BusyJournalHasNoEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	h := lenientHistory{storage.NewReader(path, 20*time.Millisecond)}

	w, err := storage.New(path, storage.Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	_, err = w.Record(storage.Entry{Verb: "start", Label: "org.tool.redis", Outcome: storage.OutcomeOK})
	require.NoError(t, err)

	_, found, err := h.Last("org.tool.redis")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, w.Close())
	last, found, err := h.Last("org.tool.redis")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "start", last.Verb)

	// The lookup above released its shared lock.
	w, err = storage.New(path, storage.Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Close())
}
