package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kilupskalvis/odc/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := Initialize("http://svc/odata/")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ODCDir), cfg.ODCPath())
	assert.Equal(t, filepath.Join(dir, ODCDir, DatabaseFile), cfg.DatabasePath())

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://svc/odata/", loaded.ServiceURL)
	assert.Equal(t, 4, loaded.MaxProtocolVersion)
	assert.Equal(t, "500ms", loaded.Retry.InitialBackoff)
	assert.Equal(t, "info", loaded.Log.Level)
}

func TestInitialize_AlreadyExists(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Initialize("http://svc/")
	require.NoError(t, err)
	_, err = Initialize("http://svc/")
	assert.Error(t, err)
}

func TestLoad_WalksUpFromSubdirectory(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	_, err := Initialize("http://svc/")
	require.NoError(t, err)

	sub := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(sub, 0755))
	t.Chdir(sub)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ODCDir), cfg.ODCPath())
}

func TestLoad_NotAWorkspace(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load()
	assert.ErrorContains(t, err, "not an odc workspace")
}

func TestLoad_ParsesSections(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ODCDir), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ODCDir, ConfigFile), []byte(`
service_url = "http://svc/"
token = "secret"

[save]
batch = "atomic"
post_only_changed_properties = true
buffer_size = 4096

[retry]
max_retries = 5
initial_backoff = "1s"
max_backoff = "1m"

[log]
level = "debug"
format = "json"
`), 0600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Token)
	assert.Equal(t, 4096, cfg.Save.BufferSize)

	opts, err := cfg.SaveOptions()
	require.NoError(t, err)
	assert.Equal(t, core.AtomicBatch|core.PostOnlyChangedProperties, opts)

	rc, err := cfg.RetryConfig()
	require.NoError(t, err)
	assert.Equal(t, 5, rc.MaxRetries)
	assert.Equal(t, time.Second, rc.InitialBackoff)
	assert.Equal(t, time.Minute, rc.MaxBackoff)
	assert.Equal(t, 0.25, rc.JitterFraction)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing url", `token = "x"`},
		{"unknown batch", "service_url = \"http://svc/\"\n[save]\nbatch = \"sometimes\""},
		{"batch with continue", "service_url = \"http://svc/\"\n[save]\nbatch = \"atomic\"\ncontinue_on_error = true"},
		{"bad duration", "service_url = \"http://svc/\"\n[retry]\nmax_backoff = \"soon\""},
		{"bad level", "service_url = \"http://svc/\"\n[log]\nlevel = \"loud\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			t.Chdir(dir)
			require.NoError(t, os.MkdirAll(filepath.Join(dir, ODCDir), 0755))
			require.NoError(t, os.WriteFile(filepath.Join(dir, ODCDir, ConfigFile), []byte(tt.body), 0600))

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestSaveOptions_Flags(t *testing.T) {
	cfg := Default("http://svc/")
	cfg.Save.ContinueOnError = true
	cfg.Save.ReplaceOnUpdate = true

	opts, err := cfg.SaveOptions()
	require.NoError(t, err)
	assert.True(t, opts.Has(core.ContinueOnError|core.ReplaceOnUpdate))
	assert.False(t, opts.Batch())
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"", "debug", "info", "warn", "error"} {
		_, err := ParseLevel(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}
