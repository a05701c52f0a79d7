package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRunConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadRunConfig(t *testing.T) {
	p := writeRunConfig(t, `
manifest: data/manifest.json
ledger: /var/lib/cloudmask/ledger.db
tile: 30VXP
start: "2018-01-01"
end: "2019-01-01"
area:
  - [0, 0]
  - [100, 0]
  - [100, 100]
exclude: [S2A_MSIL1C_20180710, S2B_MSIL1C_20180712]
logging:
  level: debug
`)
	cfg, err := LoadRunConfig(p)
	require.NoError(t, err)

	assert.Equal(t, "data/manifest.json", cfg.Manifest)
	assert.Equal(t, "/var/lib/cloudmask/ledger.db", cfg.Ledger)
	assert.Equal(t, "masks", cfg.Destination, "default destination")
	assert.Equal(t, DefaultConfigPath, cfg.Tuning)
	assert.Equal(t, "30VXP", cfg.Tile)
	assert.Len(t, cfg.Area, 3)
	assert.Equal(t, []string{"S2A_MSIL1C_20180710", "S2B_MSIL1C_20180712"}, cfg.Exclude)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	start, end, err := cfg.TimeRange()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC), end)
}

func TestLoadRunConfigEnvOverrides(t *testing.T) {
	p := writeRunConfig(t, "manifest: a.json\nledger: file.db\n")
	t.Setenv("CLOUDMASK_LEDGER", "env.db")
	t.Setenv("CLOUDMASK_LOGGING_LEVEL", "trace")
	t.Setenv("CLOUDMASK_EXCLUDE", "A, B,,C")

	cfg, err := LoadRunConfig(p)
	require.NoError(t, err)
	assert.Equal(t, "a.json", cfg.Manifest)
	assert.Equal(t, "env.db", cfg.Ledger)
	assert.Equal(t, "trace", cfg.Logging.Level)
	assert.Equal(t, []string{"A", "B", "C"}, cfg.Exclude)
}

func TestLoadRunConfigEnvOnly(t *testing.T) {
	t.Setenv("CLOUDMASK_MANIFEST", "scenes/manifest.json")
	cfg, err := LoadRunConfig("")
	require.NoError(t, err)
	assert.Equal(t, "scenes/manifest.json", cfg.Manifest)
	assert.Equal(t, "cloudmask.db", cfg.Ledger)
}

func TestRunConfigValidate(t *testing.T) {
	valid := func() RunConfig {
		return RunConfig{Manifest: "m.json", Ledger: "l.db", Destination: "out"}
	}
	tests := []struct {
		name    string
		mutate  func(*RunConfig)
		wantErr string
	}{
		{"no manifest", func(c *RunConfig) { c.Manifest = "" }, "manifest is required"},
		{"bad start", func(c *RunConfig) { c.Start = "July" }, "start"},
		{"reversed range", func(c *RunConfig) { c.Start, c.End = "2019-01-01", "2018-01-01" }, "must be before"},
		{"short area", func(c *RunConfig) { c.Area = [][]float64{{0, 0}, {1, 1}} }, "at least 3"},
		{"bad vertex", func(c *RunConfig) { c.Area = [][]float64{{0}, {1, 0}, {1, 1}} }, "vertex 0"},
		{"bad format", func(c *RunConfig) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
	cfg := valid()
	assert.NoError(t, cfg.Validate())
}

func TestLoadRunConfigMissingFile(t *testing.T) {
	_, err := LoadRunConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
