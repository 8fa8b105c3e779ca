package gcs

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/siteassess/internal/blob"
)

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestNewAgainstEmulator(t *testing.T) {
	s, err := New(context.Background(), Config{Bucket: "photos", EmulatorHost: "http://127.0.0.1:4443/"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.Equal(t, blob.DriverGCS, s.Driver())
	assert.Equal(t, "photos", s.bucket)
}

func TestFromAttrs(t *testing.T) {
	updated := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	info := fromAttrs(&storage.ObjectAttrs{
		Name:        "u/a/p.webp",
		Size:        42,
		ContentType: "image/webp",
		Metadata:    map[string]string{"photo-id": "p"},
		Updated:     updated,
	})
	assert.Equal(t, blob.Info{
		Key:          "u/a/p.webp",
		Size:         42,
		ContentType:  "image/webp",
		Metadata:     map[string]string{"photo-id": "p"},
		LastModified: updated,
	}, info)
	assert.Equal(t, blob.Info{}, fromAttrs(nil))
}
