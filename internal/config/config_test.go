package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp runs the test in an empty directory so no stray .env is read.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ModeLocal, cfg.Mode)
	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.Equal(t, []string{"*"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "policydesk", cfg.Storage.Local.Prefix)
	assert.Equal(t, 5<<20, cfg.Storage.Local.QuotaBytes)
	assert.Equal(t, 120*time.Second, cfg.Query.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Drafts.AutosaveDelay)
	assert.Equal(t, 1500*time.Millisecond, cfg.Progress.Interval)
	assert.Equal(t, "mock", cfg.Editor.Backend)
}

func TestFileThenEnvOverride(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "policydesk.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "gcp"

[gcp]
project = "from-file"

[storage]
backend = "firestore"

[firestore]
client_id = "laptop"

[query]
backend = "http"
base_url = "https://policy.example"
timeout = "30s"
`), 0o644))

	t.Setenv("POLICYDESK_GCP_PROJECT", "from-env")
	t.Setenv("POLICYDESK_STORAGE_LOCAL_QUOTA_BYTES", "1024")
	t.Setenv("POLICYDESK_HTTP_ALLOWED_ORIGINS", "http://localhost:5173,https://desk.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeGCP, cfg.Mode)
	assert.Equal(t, "from-env", cfg.GCP.Project)
	assert.Equal(t, "firestore", cfg.Storage.Backend)
	assert.Equal(t, "laptop", cfg.Firestore.ClientID)
	assert.Equal(t, 1024, cfg.Storage.Local.QuotaBytes)
	assert.Equal(t, 30*time.Second, cfg.Query.Timeout)
	assert.Equal(t, []string{"http://localhost:5173", "https://desk.example"}, cfg.HTTP.AllowedOrigins)
}

func TestDotEnvIsRead(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("POLICYDESK_HTTP_PORT=9090\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("POLICYDESK_HTTP_PORT") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.HTTP.Port)
}

func TestValidate(t *testing.T) {
	chdirTemp(t)

	cases := []struct {
		name string
		env  map[string]string
	}{
		{"unknown storage", map[string]string{"POLICYDESK_STORAGE_BACKEND": "postgres"}},
		{"firestore without client", map[string]string{"POLICYDESK_STORAGE_BACKEND": "firestore", "POLICYDESK_GCP_PROJECT": "p"}},
		{"http query without url", map[string]string{"POLICYDESK_QUERY_BACKEND": "http"}},
		{"gemini without project", map[string]string{"POLICYDESK_EDITOR_BACKEND": "gemini"}},
		{"gcp mode without project", map[string]string{"POLICYDESK_MODE": "gcp"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
		})
	}
}

func TestMissingConfigFileFails(t *testing.T) {
	chdirTemp(t)
	_, err := Load("does-not-exist.toml")
	require.Error(t, err)
}
