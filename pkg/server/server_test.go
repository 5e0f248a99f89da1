package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsechat/filecore/pkg/blob"
	"github.com/pulsechat/filecore/pkg/config"
	"github.com/pulsechat/filecore/pkg/index"
)

const testSecret = "server-test-secret-0123456789abcdef"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.GetDefaultConfig()
	cfg.Auth.Secret = testSecret
	cfg.Index = index.Config{
		Type:   index.DatabaseTypeSQLite,
		SQLite: index.SQLiteConfig{Path: filepath.Join(dir, "index.db")},
	}
	cfg.Blobs = blob.Config{
		Type:       blob.StoreTypeFilesystem,
		Filesystem: blob.FilesystemConfig{Root: filepath.Join(dir, "blobs")},
	}
	cfg.Transcode.CacheDir = filepath.Join(dir, "transcode")
	config.ApplyDefaults(cfg)

	// An ephemeral port so parallel test runs never collide. Set after
	// ApplyDefaults, which treats zero as unset.
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	return cfg
}

func TestNewWiresEverything(t *testing.T) {
	s, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer s.close()

	assert.NotNil(t, s.files)
	assert.NotNil(t, s.sessions)
	assert.NotNil(t, s.tokens)
	assert.NotNil(t, s.transcoder)
	assert.NotNil(t, s.hub)
	assert.NotNil(t, s.runner)
	assert.Nil(t, s.metricsServer, "metrics are off by default")

	// The assembled router answers the liveness probe.
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewRequiresAuthSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Secret = ""

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FILECORE_AUTH_SECRET")
}

func TestNewEnablesMetricsListener(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 0

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer s.close()

	require.NotNil(t, s.metricsServer)

	rec := httptest.NewRecorder()
	s.metricsServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "filecore_")
}

func TestStartStopsOnContextCancel(t *testing.T) {
	s, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	// Give the listener a moment to come up, then pull the plug.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after context cancellation")
	}

	// Stop after shutdown is a no-op.
	assert.NoError(t, s.Stop(context.Background()))
}
