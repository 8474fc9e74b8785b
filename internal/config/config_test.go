package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	t.Setenv(ClaudeConfigDirEnv, "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	ports := cfg.GetPortSettings()
	assert.Equal(t, 7681, ports.Min)
	assert.Equal(t, 7780, ports.Max)

	id := cfg.GetIdentifySettings()
	assert.InDelta(t, 0.4, id.ContentWeight, 1e-9)
	assert.InDelta(t, 0.3, id.CoverageWeight, 1e-9)
	assert.InDelta(t, 0.3, id.BirthWeight, 1e-9)
	assert.InDelta(t, 0.10, id.CompositeFloor, 1e-9)
	assert.InDelta(t, 0.08, id.ContentFloor, 1e-9)
	assert.Equal(t, 4, id.NGramSize)

	srv := cfg.GetServerSettings()
	assert.Equal(t, []string{"ttyd", "ttydeck"}, srv.Names)
	assert.Equal(t, 5*time.Second, srv.BindTimeout())
	assert.Equal(t, "json", cfg.GetRegistrySettings().Backend)
	assert.Equal(t, 3*time.Second, cfg.GetEngineSettings().PollInterval())
}

func TestLoadParsesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	body := `
[engine]
poll_interval_ms = 500
audit_every = 3

[ports]
min = 9000
max = 9004

[identify]
content_weight = 0.5
coverage_weight = 0.5
birth_weight = 0.0
composite_floor = 0.2

[registry]
backend = "sqlite"
max_records = 10
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.GetEngineSettings().PollInterval())
	assert.Equal(t, 3, cfg.GetEngineSettings().AuditEvery)
	assert.Equal(t, PortSettings{Min: 9000, Max: 9004}, cfg.GetPortSettings())
	id := cfg.GetIdentifySettings()
	assert.InDelta(t, 0.5, id.ContentWeight, 1e-9)
	assert.InDelta(t, 0.0, id.BirthWeight, 1e-9)
	assert.InDelta(t, 0.2, id.CompositeFloor, 1e-9)
	assert.Equal(t, RegistrySettings{Backend: "sqlite", MaxRecords: 10}, cfg.GetRegistrySettings())
}

func TestLoadParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("[engine\n"), 0o600))

	cfg, err := Load(path)
	require.Error(t, err)
	require.NotNil(t, cfg)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	in := &UserConfig{Ports: PortSettings{Min: 8000, Max: 8010}, Registry: RegistrySettings{Backend: "sqlite"}}

	require.NoError(t, Save(path, in))
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")

	out, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, in.Ports, out.Ports)
	assert.Equal(t, "sqlite", out.Registry.Backend)
}

func TestClaudeConfigDirEnvWins(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(ClaudeConfigDirEnv, dir)

	cfg := &UserConfig{Claude: ClaudeSettings{ConfigDir: "/elsewhere"}}
	assert.Equal(t, dir, cfg.GetClaudeSettings().ConfigDir)
}

func TestDirHonoursEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(HomeEnv, dir)

	got, err := Dir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	p, err := Path()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), p)
}
