package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "https://api.airtable.com/v0", cfg.Airtable.BaseURL)
	assert.Equal(t, 5, cfg.Airtable.MaxClaim)
	assert.Equal(t, 7912, cfg.Agent.DevicePort)
	assert.Equal(t, 100, cfg.Warmup.MaxScrolls)
	assert.Equal(t, 8*time.Minute, cfg.Warmup.MaxRuntime.D())
	assert.InDelta(t, 0.8, cfg.Warmup.PercentToWatch, 1e-9)
	assert.NotEmpty(t, cfg.Warmup.Keywords)
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "farm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
warmup:
  max_scrolls: 10
  max_runtime: 90s
  watch_time:
    lo: 1s
    hi: 2s
  delays:
    after_like:
      lo: 100ms
      hi: 200ms
vpn:
  enabled: true
  timeout: 2m
data_dir: /tmp/farm-data
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Warmup.MaxScrolls)
	assert.Equal(t, 90*time.Second, cfg.Warmup.MaxRuntime.D())
	assert.Equal(t, time.Second, cfg.Warmup.WatchTime.Lo.D())
	assert.True(t, cfg.VPN.Enabled)
	assert.Equal(t, 2*time.Minute, cfg.VPN.Timeout.D())
	assert.Equal(t, "/tmp/farm-data", cfg.DataDir)

	// Untouched settings keep their defaults.
	assert.Equal(t, 5, cfg.Airtable.MaxClaim)
	assert.Equal(t, "com.nordvpn.android", cfg.VPN.PackageName)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Warmup.MaxScrolls)
}

func TestLoadRejectsEmptyKeywordList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "farm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
warmup:
  keywords: []
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keywords")
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("warmup: ["), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AIRTABLE_API_KEY", "key-from-env")
	t.Setenv("AIRTABLE_BASE_ID", "appENV")
	t.Setenv("IMAP_HOST", "imap.example.test")
	t.Setenv("WARMUP_MAX_RUNTIME", "3m")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "key-from-env", cfg.Airtable.APIKey)
	assert.Equal(t, "appENV", cfg.Airtable.BaseID)
	assert.Equal(t, "imap.example.test", cfg.Mailbox.Host)
	assert.Equal(t, 3*time.Minute, cfg.Warmup.MaxRuntime.D())
}

func TestDurationUnmarshalForms(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalYAML(yamlNode(t, `"1500ms"`)))
	assert.Equal(t, 1500*time.Millisecond, d.D())

	require.NoError(t, d.UnmarshalYAML(yamlNode(t, `2.5`)))
	assert.Equal(t, 2500*time.Millisecond, d.D())

	require.NoError(t, d.UnmarshalYAML(yamlNode(t, `45`)))
	assert.Equal(t, 45*time.Second, d.D())

	require.Error(t, d.UnmarshalYAML(yamlNode(t, `"not a duration"`)))
}

func TestRangePickStaysInBounds(t *testing.T) {
	r := Range{Lo: dur(time.Second), Hi: dur(2 * time.Second)}
	for i := 0; i < 50; i++ {
		got := r.Pick()
		assert.GreaterOrEqual(t, got, time.Second)
		assert.LessOrEqual(t, got, 2*time.Second)
	}
}

func TestDelayFallsBackToDefault(t *testing.T) {
	w := WarmupConfig{Delays: map[string]Range{
		"default": {Lo: dur(10 * time.Millisecond), Hi: dur(10 * time.Millisecond)},
	}}
	assert.Equal(t, 10*time.Millisecond, w.Delay("no_such_label"))
}

func yamlNode(t *testing.T, src string) *yaml.Node {
	t.Helper()
	var doc yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	require.NotEmpty(t, doc.Content)
	return doc.Content[0]
}

func TestValidateForWorker(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.ValidateForWorker())

	cfg.Airtable.APIKey = "k"
	cfg.Airtable.BaseID = "b"
	cfg.Airtable.TableID = "t"
	require.NoError(t, cfg.ValidateForWorker())
}
