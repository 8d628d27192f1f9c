package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galois26/eddn-relay/internal/config"
)

func TestNewLogger_Level(t *testing.T) {
	l := newLogger(config.LogConfig{Level: "warn", Format: "json"})
	assert.False(t, l.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, l.Enabled(context.Background(), slog.LevelWarn))

	l = newLogger(config.LogConfig{Level: "bogus"})
	assert.True(t, l.Enabled(context.Background(), slog.LevelInfo))
}

func TestUserAgent(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "eddn-relay/0.1", userAgent(cfg))
	cfg.HTTP.UserAgent = "custom"
	assert.Equal(t, "custom", userAgent(cfg))
}

func TestBuildSource(t *testing.T) {
	cfg := config.Default()
	ctx := context.Background()
	logger := newLogger(cfg.Log)

	_, err := buildSource(ctx, "upload", options{}, cfg, nil, logger, nil)
	assert.Error(t, err)

	_, err = buildSource(ctx, "replay", options{}, cfg, nil, logger, nil)
	assert.Error(t, err)

	_, err = buildSource(ctx, "archive", options{category: "Shipyard"}, cfg, nil, logger, nil)
	assert.Error(t, err)

	_, err = buildSource(ctx, "archive", options{category: "Commodity", date: "yesterday"}, cfg, nil, logger, nil)
	assert.Error(t, err)

	fixture := filepath.Join(t.TempDir(), "fixture.ndjson")
	require.NoError(t, os.WriteFile(fixture, []byte("{\"event\":\"Scan\"}\n"), 0o644))
	src, err := buildSource(ctx, "replay", options{fixture: fixture}, cfg, nil, logger, nil)
	require.NoError(t, err)
	assert.Equal(t, "fixture", src.Name())
	n := 0
	for e, err := range src.Entries(ctx) {
		require.NoError(t, err)
		assert.Equal(t, "Scan", e.Event())
		n++
	}
	assert.Equal(t, 1, n)
}

func TestBuildSource_ArchiveSyncFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	cfg := config.Default()
	cfg.Archive.BaseURL = srv.URL
	cfg.Archive.DataDir = t.TempDir()
	cfg.HTTP.Timeout = time.Second

	_, err := buildSource(context.Background(), "archive", options{category: "Commodity", date: "2024-05-01"}, cfg, nil, newLogger(cfg.Log), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync archive shard")
}

func TestBuildSource_ArchiveReadsSyncedShard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"event":"Docked","StationName":"Jameson Memorial"}}` + "\n"))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Archive.BaseURL = srv.URL
	cfg.Archive.DataDir = t.TempDir()

	ctx := context.Background()
	src, err := buildSource(ctx, "archive", options{category: "Journal.Docked", date: "2024-05-01", envelope: true}, cfg, nil, newLogger(cfg.Log), nil)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(cfg.Archive.DataDir, "Journal.Docked-2024-05-01.jsonl"))

	srv.Close()
	var events []string
	for e, err := range src.Entries(ctx) {
		require.NoError(t, err)
		events = append(events, e.Event())
	}
	assert.Equal(t, []string{"Docked"}, events)
}
