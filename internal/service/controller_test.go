package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebula/svcbridge/internal/packages"
)

const influxTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>homebrew.mxcl.influxdb</string>
	<key>UserName</key>
	<string>influx</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{opt_prefix}}/bin/{{name}}d</string>
	</array>
	<key>StandardOutPath</key>
	<string>{{var}}/log/{{name}}.log</string>
</dict>
</plist>
`

// descriptor lays out a keg for name and returns its descriptor. A
// non-empty template is written as the canonical definition.
func (h *harness) descriptor(t *testing.T, name, template string, spec *packages.ServiceSpec) Descriptor {
	t.Helper()
	prefix := filepath.Join(h.dir, "prefix")
	opt := filepath.Join(prefix, "opt", name)
	require.NoError(t, os.MkdirAll(opt, 0755))

	pkg := packages.Package{
		Name:               name,
		Prefix:             opt,
		OptPrefix:          opt,
		InstallationPrefix: prefix,
		Service:            spec,
	}
	d := FromPackage(pkg, h.adapter.labeler, h.adapter.paths, h.identity)
	if template != "" {
		require.NoError(t, os.WriteFile(d.CanonicalPath, []byte(template), 0644))
	}
	return d
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// --- start ---

func TestStart_InfluxdbScenario(t *testing.T) {
	h := newHarness(t, false)
	h.adapter.pidOnInstall = 4242
	d := h.descriptor(t, "influxdb", influxTemplate, nil)
	require.Equal(t, "org.tool.influxdb", d.Label)
	require.False(t, d.Installed())

	out, err := h.ctrl.Start(context.Background(), d, Options{})
	require.NoError(t, err)
	assert.Contains(t, out.Message, "Successfully started `influxdb`")

	data, err := os.ReadFile(d.InstalledPath)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "<string>org.tool.influxdb</string>")
	assert.NotContains(t, content, "homebrew.mxcl.influxdb")
	assert.NotContains(t, content, "UserName")
	assert.Contains(t, content, "/opt/influxdb/bin/influxdbd")
	assert.NotContains(t, content, "{{")

	info, err := os.Stat(d.InstalledPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	installs := h.adapter.callsMatching("install")
	require.Len(t, installs, 1)
	assert.Equal(t, "install org.tool.influxdb "+d.InstalledPath+" enable=true", installs[0])

	obs, err := h.ctrl.Resolve(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, obs.Status)
	assert.Equal(t, 4242, obs.PID)
	assert.Equal(t, d.InstalledPath, obs.File)
	assert.Equal(t, "dev", obs.Owner)

	assert.Equal(t, []string{"start:ok"}, h.journal.verbs())
}

func TestStart_NameSubstitutionRoundTrip(t *testing.T) {
	h := newHarness(t, false)
	d := h.descriptor(t, "foo", "<plist><dict><key>Label</key><string>template.label</string><key>Comment</key><string>{{name}}</string></dict></plist>", nil)

	_, err := h.ctrl.Start(context.Background(), d, Options{})
	require.NoError(t, err)

	data, err := os.ReadFile(d.InstalledPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<string>foo</string>")
	assert.Contains(t, string(data), "<string>"+d.Label+"</string>")
	assert.NotContains(t, string(data), "template.label")
}

func TestStart_AlreadyStarted(t *testing.T) {
	h := newHarness(t, false)
	d := h.descriptor(t, "influxdb", influxTemplate, nil)
	h.adapter.setUnit(d.Label, 99, nil)

	_, err := h.ctrl.Start(context.Background(), d, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyStarted))
	assert.Contains(t, err.Error(), "restart")
	assert.Empty(t, h.adapter.callsMatching("install"))
	assert.Equal(t, []string{"start:failed"}, h.journal.verbs())
}

func TestStart_OverrideMissing(t *testing.T) {
	h := newHarness(t, false)
	d := h.descriptor(t, "influxdb", influxTemplate, nil)

	_, err := h.ctrl.Start(context.Background(), d, Options{File: filepath.Join(h.dir, "nope.plist")})
	assert.True(t, errors.Is(err, ErrOverrideMissing))
	assert.False(t, d.Installed())
}

func TestStart_OverrideWins(t *testing.T) {
	h := newHarness(t, false)
	d := h.descriptor(t, "influxdb", influxTemplate, nil)
	override := filepath.Join(h.dir, "custom.plist")
	writeFile(t, override, "<plist><dict><key>Label</key><string>x</string><key>Custom</key><true/></dict></plist>")

	_, err := h.ctrl.Start(context.Background(), d, Options{File: override})
	require.NoError(t, err)

	data, err := os.ReadFile(d.InstalledPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<key>Custom</key>")
	assert.Contains(t, string(data), "<string>org.tool.influxdb</string>")
}

func TestStart_NoDefinition(t *testing.T) {
	h := newHarness(t, false)
	d := h.descriptor(t, "ghost", "", nil)

	_, err := h.ctrl.Start(context.Background(), d, Options{})
	assert.True(t, errors.Is(err, ErrNoDefinition))
	assert.Empty(t, h.adapter.callsMatching("install"))
}

func TestStart_GeneratesFromServiceSpec(t *testing.T) {
	h := newHarness(t, false)
	d := h.descriptor(t, "redis", "", &packages.ServiceSpec{
		Run:       packages.Command{"{{opt_prefix}}/bin/redis-server", "{{etc}}/redis.conf"},
		KeepAlive: true,
		LogPath:   "{{var}}/log/redis.log",
		RunType:   packages.RunTypeImmediate,
	})

	_, err := h.ctrl.Start(context.Background(), d, Options{})
	require.NoError(t, err)

	data, err := os.ReadFile(d.InstalledPath)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "<key>ProgramArguments</key>")
	assert.Contains(t, content, filepath.Join(h.dir, "prefix", "opt", "redis", "bin", "redis-server"))
	assert.Contains(t, content, filepath.Join(h.dir, "prefix", "var", "log", "redis.log"))
	assert.Contains(t, content, "<key>KeepAlive</key>")
}

func TestStart_ReusesInstalledCopy(t *testing.T) {
	h := newHarness(t, false)
	d := h.descriptor(t, "influxdb", influxTemplate, nil)
	writeFile(t, d.InstalledPath, "<plist><dict><key>Label</key><string>org.tool.influxdb</string><key>Edited</key><true/></dict></plist>")

	_, err := h.ctrl.Start(context.Background(), d, Options{})
	require.NoError(t, err)

	data, err := os.ReadFile(d.InstalledPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<key>Edited</key>")
}

func TestStart_UnregistersLoadedServiceFirst(t *testing.T) {
	h := newHarness(t, false)
	d := h.descriptor(t, "influxdb", influxTemplate, nil)
	zero := 0
	h.adapter.setUnit(d.Label, 0, &zero)

	_, err := h.ctrl.Start(context.Background(), d, Options{})
	require.NoError(t, err)

	calls := h.adapter.allCalls()
	stopAt, installAt := -1, -1
	for i, c := range calls {
		if strings.HasPrefix(c, "stop") && stopAt < 0 {
			stopAt = i
		}
		if strings.HasPrefix(c, "install") {
			installAt = i
		}
	}
	require.GreaterOrEqual(t, stopAt, 0)
	assert.Less(t, stopAt, installAt)
}

func TestStart_InstallFailureRemovesDefinition(t *testing.T) {
	h := newHarness(t, false)
	h.adapter.installErr = errors.New("bootstrap failed: 5: Input/output error")
	d := h.descriptor(t, "influxdb", influxTemplate, nil)

	_, err := h.ctrl.Start(context.Background(), d, Options{})
	require.Error(t, err)
	assert.False(t, d.Installed())
}

func TestStart_RequiresRootWarns(t *testing.T) {
	h := newHarness(t, false)
	d := h.descriptor(t, "influxdb", influxTemplate, nil)
	d.RequiresRoot = true

	out, err := h.ctrl.Start(context.Background(), d, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, out.Warnings)
	assert.Contains(t, out.Warnings[0], "must be run as root")
}

// --- stop ---

func TestStop_AfterStartNeverStarted(t *testing.T) {
	h := newHarness(t, false)
	h.adapter.pidOnInstall = 4242
	d := h.descriptor(t, "influxdb", influxTemplate, nil)

	_, err := h.ctrl.Start(context.Background(), d, Options{})
	require.NoError(t, err)

	out, err := h.ctrl.Stop(context.Background(), d, Options{})
	require.NoError(t, err)
	assert.Contains(t, out.Message, "Successfully stopped")
	assert.False(t, d.Installed())

	obs, err := h.ctrl.Resolve(context.Background(), d)
	require.NoError(t, err)
	assert.NotEqual(t, StatusStarted, obs.Status)
	assert.Contains(t, []Status{StatusNone, StatusStopped}, obs.Status)
}

func TestStop_RetriesWhileInProgress(t *testing.T) {
	h := newHarness(t, false)
	h.adapter.pidOnInstall = 10
	d := h.descriptor(t, "influxdb", influxTemplate, nil)
	_, err := h.ctrl.Start(context.Background(), d, Options{})
	require.NoError(t, err)
	h.adapter.inProgress = 2

	var stopErr error
	h.drive(func() {
		_, stopErr = h.ctrl.Stop(context.Background(), d, Options{})
	})
	require.NoError(t, stopErr)

	assert.Len(t, h.adapter.callsMatching("stop"), 3)
	assert.False(t, h.adapter.loaded(d.Label))
	assert.False(t, d.Installed())
}

func TestStop_NoWaitDeletesImmediately(t *testing.T) {
	h := newHarness(t, false)
	h.adapter.pidOnInstall = 10
	d := h.descriptor(t, "influxdb", influxTemplate, nil)
	_, err := h.ctrl.Start(context.Background(), d, Options{})
	require.NoError(t, err)
	h.adapter.stuck = true

	out, err := h.ctrl.Stop(context.Background(), d, Options{NoWait: true})
	require.NoError(t, err)
	assert.Contains(t, out.Message, "might take a while")
	assert.Len(t, h.adapter.callsMatching("stop"), 1)
	assert.Empty(t, h.adapter.callsMatching("signal"))
	assert.False(t, d.Installed())
}

func TestStop_EscalatesToKillWhenStillLoaded(t *testing.T) {
	h := newHarness(t, false)
	h.adapter.pidOnInstall = 10
	d := h.descriptor(t, "influxdb", influxTemplate, nil)
	_, err := h.ctrl.Start(context.Background(), d, Options{})
	require.NoError(t, err)
	h.adapter.stuck = true

	var stopErr error
	h.drive(func() {
		_, stopErr = h.ctrl.Stop(context.Background(), d, Options{})
	})
	require.NoError(t, stopErr)

	signals := h.adapter.callsMatching("signal")
	require.NotEmpty(t, signals)
	assert.Equal(t, "signal org.tool.influxdb 15", signals[0])
	assert.False(t, d.Installed())
}

func TestStop_UnableToStopKeepsDefinition(t *testing.T) {
	h := newHarness(t, false)
	h.adapter.pidOnInstall = 10
	d := h.descriptor(t, "influxdb", influxTemplate, nil)
	_, err := h.ctrl.Start(context.Background(), d, Options{})
	require.NoError(t, err)
	h.adapter.stuck = true
	h.adapter.ignore[syscall.SIGTERM] = true
	h.adapter.ignore[syscall.SIGKILL] = true

	var stopErr error
	h.drive(func() {
		_, stopErr = h.ctrl.Stop(context.Background(), d, Options{})
	})
	assert.True(t, errors.Is(stopErr, ErrUnableToStop))
	assert.True(t, d.Installed())
}

func TestStop_NotStartedRemovesLeftoverFile(t *testing.T) {
	h := newHarness(t, false)
	d := h.descriptor(t, "influxdb", influxTemplate, nil)
	writeFile(t, d.InstalledPath, influxTemplate)

	out, err := h.ctrl.Stop(context.Background(), d, Options{})
	assert.True(t, errors.Is(err, ErrNotStarted))
	assert.True(t, IsWarning(err))
	assert.False(t, d.Installed())
	assert.NotEmpty(t, out.Warnings)
	assert.Empty(t, h.adapter.callsMatching("stop"))
	assert.Equal(t, []string{"stop:warning"}, h.journal.verbs())
}

func TestStop_PrivilegedDefinitionFromUserScope(t *testing.T) {
	h := newHarness(t, false)
	d := h.descriptor(t, "influxdb", influxTemplate, nil)
	writeFile(t, d.OtherScopePath, influxTemplate)
	require.True(t, strings.HasPrefix(d.OtherScopePath, h.adapter.paths.BootDir))

	_, err := h.ctrl.Stop(context.Background(), d, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOwnershipConflict))
	assert.Contains(t, err.Error(), "retry with sudo")

	_, statErr := os.Stat(d.OtherScopePath)
	assert.NoError(t, statErr)
	assert.Empty(t, h.adapter.allCalls())
}

func TestStop_UserDefinitionFromRootScope(t *testing.T) {
	h := newHarness(t, true)
	d := h.descriptor(t, "influxdb", influxTemplate, nil)
	writeFile(t, d.OtherScopePath, influxTemplate)

	_, err := h.ctrl.Stop(context.Background(), d, Options{})
	assert.True(t, errors.Is(err, ErrOwnershipConflict))
	assert.Contains(t, err.Error(), "retry without sudo")
}

func TestStop_MaxWaitOverride(t *testing.T) {
	h := newHarness(t, false)
	h.adapter.pidOnInstall = 10
	d := h.descriptor(t, "influxdb", influxTemplate, nil)
	_, err := h.ctrl.Start(context.Background(), d, Options{})
	require.NoError(t, err)
	h.adapter.stuck = true

	wait := 2 * time.Second
	h.drive(func() {
		_, err = h.ctrl.Stop(context.Background(), d, Options{MaxWait: &wait})
	})
	require.NoError(t, err)
	// initial stop plus one per second waited
	assert.Len(t, h.adapter.callsMatching("stop"), 3)
}

// --- run / restart ---

func TestRun_LoadsWithoutInstalling(t *testing.T) {
	h := newHarness(t, false)
	h.adapter.pidOnInstall = 7
	d := h.descriptor(t, "influxdb", influxTemplate, nil)

	out, err := h.ctrl.Run(context.Background(), d, Options{})
	require.NoError(t, err)
	assert.Contains(t, out.Message, "Successfully ran")
	assert.False(t, d.Installed())

	scratch := filepath.Join(h.dir, "state", "run", d.Label+".plist")
	installs := h.adapter.callsMatching("install")
	require.Len(t, installs, 1)
	assert.Equal(t, "install org.tool.influxdb "+scratch+" enable=false", installs[0])

	data, err := os.ReadFile(scratch)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<string>org.tool.influxdb</string>")
}

func TestRun_CanonicalUsedWhenUnchanged(t *testing.T) {
	h := newHarness(t, false)
	d := h.descriptor(t, "plain", "", nil)
	writeFile(t, d.CanonicalPath, "<plist><dict><key>Label</key><string>"+d.Label+"</string></dict></plist>")

	_, err := h.ctrl.Run(context.Background(), d, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"install org.tool.plain " + d.CanonicalPath + " enable=false"}, h.adapter.callsMatching("install"))
}

func TestRun_RefusedWhenPrivileged(t *testing.T) {
	h := newHarness(t, true)
	d := h.descriptor(t, "influxdb", influxTemplate, nil)

	_, err := h.ctrl.Run(context.Background(), d, Options{})
	assert.True(t, errors.Is(err, ErrPrivilegedRun))
	assert.Empty(t, h.adapter.callsMatching("install"))
}

func TestRestart_RunsAgainWhenRegisteredWithoutFile(t *testing.T) {
	h := newHarness(t, false)
	h.adapter.pidOnInstall = 7
	d := h.descriptor(t, "influxdb", influxTemplate, nil)
	_, err := h.ctrl.Run(context.Background(), d, Options{})
	require.NoError(t, err)

	out, err := h.ctrl.Restart(context.Background(), d, Options{})
	require.NoError(t, err)
	assert.Contains(t, out.Message, "Successfully restarted")

	installs := h.adapter.callsMatching("install")
	require.Len(t, installs, 2)
	assert.True(t, strings.HasSuffix(installs[1], "enable=false"))
	assert.False(t, d.Installed())
}

func TestRestart_StartsWhenInstalled(t *testing.T) {
	h := newHarness(t, false)
	h.adapter.pidOnInstall = 7
	d := h.descriptor(t, "influxdb", influxTemplate, nil)
	_, err := h.ctrl.Start(context.Background(), d, Options{})
	require.NoError(t, err)

	_, err = h.ctrl.Restart(context.Background(), d, Options{})
	require.NoError(t, err)

	installs := h.adapter.callsMatching("install")
	require.Len(t, installs, 2)
	assert.True(t, strings.HasSuffix(installs[1], "enable=true"))
	assert.True(t, d.Installed())
	assert.Equal(t, []string{"start:ok", "restart:ok"}, h.journal.verbs())
}

func TestRestart_StartsWhenNotLoaded(t *testing.T) {
	h := newHarness(t, false)
	d := h.descriptor(t, "influxdb", influxTemplate, nil)

	_, err := h.ctrl.Restart(context.Background(), d, Options{})
	require.NoError(t, err)
	assert.Empty(t, h.adapter.callsMatching("stop"))
	assert.True(t, d.Installed())
}

// --- kill ---

func TestKill_KeepAliveRefusedWithoutNativeCalls(t *testing.T) {
	h := newHarness(t, false)
	d := h.descriptor(t, "redis", "", nil)
	d.KeepAlive = true
	h.adapter.setUnit(d.Label, 55, nil)

	_, err := h.ctrl.Kill(context.Background(), d)
	assert.True(t, errors.Is(err, ErrKeepAlive))
	assert.Empty(t, h.adapter.allCalls())
	assert.True(t, h.adapter.loaded(d.Label))
}

func TestKill_NotRunning(t *testing.T) {
	h := newHarness(t, false)
	d := h.descriptor(t, "redis", "", nil)

	_, err := h.ctrl.Kill(context.Background(), d)
	assert.True(t, errors.Is(err, ErrNotRunning))
	assert.Empty(t, h.adapter.callsMatching("signal"))
}

func TestKill_TermIsEnough(t *testing.T) {
	h := newHarness(t, false)
	d := h.descriptor(t, "redis", "", nil)
	h.adapter.setUnit(d.Label, 55, nil)
	writeFile(t, d.InstalledPath, "x")

	var err error
	h.drive(func() {
		_, err = h.ctrl.Kill(context.Background(), d)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"signal org.tool.redis 15"}, h.adapter.callsMatching("signal"))
	assert.True(t, d.Installed())
}

func TestKill_EscalatesToSIGKILL(t *testing.T) {
	h := newHarness(t, false)
	d := h.descriptor(t, "redis", "", nil)
	h.adapter.setUnit(d.Label, 55, nil)
	h.adapter.ignore[syscall.SIGTERM] = true

	var err error
	h.drive(func() {
		_, err = h.ctrl.Kill(context.Background(), d)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"signal org.tool.redis 15", "signal org.tool.redis 9"}, h.adapter.callsMatching("signal"))
}

func TestKill_UnableToKill(t *testing.T) {
	h := newHarness(t, false)
	d := h.descriptor(t, "redis", "", nil)
	h.adapter.setUnit(d.Label, 55, nil)
	h.adapter.ignore[syscall.SIGTERM] = true
	h.adapter.ignore[syscall.SIGKILL] = true

	var err error
	h.drive(func() {
		_, err = h.ctrl.Kill(context.Background(), d)
	})
	assert.True(t, errors.Is(err, ErrUnableToKill))
	assert.Len(t, h.adapter.callsMatching("signal"), 3)
}

func TestKill_ContextCancelled(t *testing.T) {
	h := newHarness(t, false)
	d := h.descriptor(t, "redis", "", nil)
	h.adapter.setUnit(d.Label, 55, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.ctrl.Kill(ctx, d)
	assert.True(t, errors.Is(err, context.Canceled))
}
