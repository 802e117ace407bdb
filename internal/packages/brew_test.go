package packages

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// installKeg lays out <prefix>/Cellar/<name>/<version> and links opt/<name> to it.
func installKeg(t *testing.T, prefix, name, version string, files map[string]string) {
	t.Helper()
	keg := filepath.Join(prefix, "Cellar", name, version)
	require.NoError(t, os.MkdirAll(keg, 0755))
	for rel, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(keg, rel), []byte(content), 0644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(prefix, "opt"), 0755))
	require.NoError(t, os.Symlink(keg, filepath.Join(prefix, "opt", name)))
}

func TestKegRegistry_Installed(t *testing.T) {
	prefix := t.TempDir()
	installKeg(t, prefix, "redis", "7.2.4", map[string]string{
		"service.yaml": "run: [\"{{opt_prefix}}/bin/redis-server\", \"{{etc}}/redis.conf\"]\nkeep_alive: true\n",
	})
	installKeg(t, prefix, "influxdb", "2.7.1", map[string]string{
		"org.tool.influxdb.plist": "<plist/>",
	})
	installKeg(t, prefix, "jq", "1.7", nil)

	r := NewKegRegistry(prefix)
	pkgs, err := r.Installed()
	require.NoError(t, err)
	require.Len(t, pkgs, 2)

	assert.Equal(t, "influxdb", pkgs[0].Name)
	assert.Equal(t, "2.7.1", pkgs[0].Version)
	assert.Nil(t, pkgs[0].Service)
	tmpl, ok := pkgs[0].Template("org.tool.influxdb", "plist")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(prefix, "opt", "influxdb", "org.tool.influxdb.plist"), tmpl)

	assert.Equal(t, "redis", pkgs[1].Name)
	require.NotNil(t, pkgs[1].Service)
	assert.True(t, pkgs[1].Service.KeepAlive)
	assert.Equal(t, Command{"{{opt_prefix}}/bin/redis-server", "{{etc}}/redis.conf"}, pkgs[1].Service.Run)
	assert.Equal(t, RunTypeImmediate, pkgs[1].Service.RunType)
}

func TestKegRegistry_MissingOptDir(t *testing.T) {
	pkgs, err := NewKegRegistry(t.TempDir()).Installed()
	require.NoError(t, err)
	assert.Empty(t, pkgs)
}

func TestKegRegistry_Get(t *testing.T) {
	prefix := t.TempDir()
	installKeg(t, prefix, "redis", "7.2.4", map[string]string{"service.yaml": "run: redis-server\n"})
	r := NewKegRegistry(prefix)

	pkg, err := r.Get("redis")
	require.NoError(t, err)
	assert.True(t, pkg.IsInstalled())
	assert.Equal(t, filepath.Join(prefix, "opt", "redis", "bin"), pkg.Bin())
	assert.Equal(t, filepath.Join(prefix, "etc"), pkg.Etc())

	_, err = r.Get("postgres")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = r.Get("../etc")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDetectPrefix(t *testing.T) {
	found := func(string) (string, error) { return "/opt/homebrew/bin/brew", nil }
	missing := func(string) (string, error) { return "", errors.New("not found") }
	ask := func() (string, error) { return "/opt/homebrew", nil }

	assert.Equal(t, "/custom", detectPrefix("/custom", found, ask))
	assert.Equal(t, "/opt/homebrew", detectPrefix("", found, ask))
	assert.Equal(t, "/usr/local", detectPrefix("", missing, ask))
}
