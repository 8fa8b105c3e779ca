package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/siteassess/internal/auth"
	"github.com/vbonduro/siteassess/internal/blob"
	"github.com/vbonduro/siteassess/internal/config"
	"github.com/vbonduro/siteassess/internal/domain"
	"github.com/vbonduro/siteassess/internal/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DBPath:        filepath.Join(dir, "data", "siteassess.db"),
		PhotoRoot:     filepath.Join(dir, "photos"),
		AutosaveDelay: 10 * time.Millisecond,
		Remote:        config.RemoteConfig{Driver: "sqlite", DSN: filepath.Join(dir, "remote", "remote.db")},
		Blob:          config.BlobConfig{Driver: "fs", FSRoot: filepath.Join(dir, "objects")},
		Auth:          config.AuthConfig{JWTSecret: "secret"},
		Sync:          config.SyncConfig{UploadConcurrency: 2, MaxAttempts: 2},
	}
}

func TestNewRestoresDrafts(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	first, err := New(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	s, err := first.Registry.CreateAssessment("a-1")
	require.NoError(t, err)
	require.NoError(t, s.Update(domain.SectionMechanicalSystems, "hvac", map[string]any{"notes": "RTU-2 rusted"}))
	require.NoError(t, first.Close())

	second, err := New(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, second.Close()) })

	restored, err := second.Registry.Get("a-1")
	require.NoError(t, err)
	assert.Equal(t, "RTU-2 rusted", restored.StepValues(domain.SectionMechanicalSystems, "hvac")["notes"])
	assert.Equal(t, blob.DriverFilesystem, second.Objects.Driver())
	assert.NotNil(t, second.Server())
}

func TestNewSubmitsWithConfiguredToken(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	token, err := auth.NewSession(cfg.Auth.JWTSecret).Issue("inspector-1", time.Hour)
	require.NoError(t, err)
	cfg.Auth.Token = token

	a, err := New(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	_, err = a.Registry.CreateAssessment("a-1")
	require.NoError(t, err)

	res := a.Engine.Submit(ctx, "a-1", nil)
	require.True(t, res.OK, res.Error)
	assert.Equal(t, domain.StatusSynced, res.Status)
}

func TestNewRejectsInvalidToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Token = "not-a-jwt"

	_, err := New(context.Background(), cfg, logging.Discard())
	assert.Error(t, err)
}

func TestNewObjectStore(t *testing.T) {
	ctx := context.Background()

	st, err := NewObjectStore(ctx, config.BlobConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.Equal(t, blob.DriverMemory, st.Driver())

	st, err = NewObjectStore(ctx, config.BlobConfig{Driver: "fs", FSRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, blob.DriverFilesystem, st.Driver())

	st, err = NewObjectStore(ctx, config.BlobConfig{Driver: "gcs", GCS: config.GCSConfig{
		Bucket: "photos", EmulatorHost: "http://127.0.0.1:4443",
	}})
	require.NoError(t, err)
	assert.Equal(t, blob.DriverGCS, st.Driver())
	if c, ok := st.(interface{ Close() error }); ok {
		assert.NoError(t, c.Close())
	}

	_, err = NewObjectStore(ctx, config.BlobConfig{Driver: "ftp"})
	assert.Error(t, err)
}
