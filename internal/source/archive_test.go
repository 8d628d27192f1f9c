package source

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galois26/eddn-relay/internal/config"
	"github.com/galois26/eddn-relay/internal/errs"
	"github.com/galois26/eddn-relay/internal/metrics"
	"github.com/galois26/eddn-relay/internal/model"
	"github.com/galois26/eddn-relay/internal/store"
	"github.com/galois26/eddn-relay/internal/util"
)

var testDay = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

// remoteShard serves a growing shard with Range support.
type remoteShard struct {
	mu      sync.Mutex
	content []byte
	hits    atomic.Int32
	ranges  []string
}

func (s *remoteShard) set(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content = []byte(content)
}

func (s *remoteShard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)
	s.mu.Lock()
	body := bytes.Clone(s.content)
	s.ranges = append(s.ranges, r.Header.Get("Range"))
	s.mu.Unlock()
	if body == nil {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(body))
}

func newArchive(t *testing.T, h http.Handler, m *metrics.Metrics, opts ...ArchiveOption) (*Archive, string) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	dir := t.TempDir()
	cfg := config.ArchiveConfig{BaseURL: srv.URL + "/EDDN/", DataDir: dir}
	return NewArchive(cfg, srv.Client(), nil, m, opts...), dir
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestArchive_PathAndURL(t *testing.T) {
	a := NewArchive(config.ArchiveConfig{BaseURL: "http://example.test/EDDN", DataDir: "data"}, nil, nil, nil)
	assert.Equal(t, filepath.Join("data", "Commodity-2024-05-01.jsonl"), a.Path(CategoryCommodity, testDay))
	assert.Equal(t, "http://example.test/EDDN/Commodity-2024-05-01.jsonl", a.URL(CategoryCommodity, testDay))
}

func TestArchive_DefaultDayLagsPublishDelay(t *testing.T) {
	now := time.Date(2024, 5, 2, 1, 30, 0, 0, time.UTC)
	a := NewArchive(config.ArchiveConfig{}, nil, nil, nil, WithClock(func() time.Time { return now }))

	assert.Equal(t, time.Date(2024, 5, 1, 22, 30, 0, 0, time.UTC), a.Day(time.Time{}))
	assert.Equal(t, "Journal.FSDJump-2024-05-01.jsonl", filepath.Base(a.Path(CategoryFSDJump, time.Time{})))
}

func TestArchive_FetchResumesFromLocalSize(t *testing.T) {
	remote := &remoteShard{}
	remote.set("{\"n\":1}\n{\"n\":2}\n")
	reg := prometheus.NewRegistry()
	a, _ := newArchive(t, remote, metrics.New(reg))
	ctx := context.Background()

	path, err := a.Fetch(ctx, CategoryFSDJump, testDay)
	require.NoError(t, err)
	assert.Equal(t, "{\"n\":1}\n{\"n\":2}\n", readFile(t, path))

	// Nothing new: the server answers 416 and the file is untouched.
	_, err = a.Fetch(ctx, CategoryFSDJump, testDay)
	require.NoError(t, err)
	assert.Equal(t, "{\"n\":1}\n{\"n\":2}\n", readFile(t, path))

	remote.set("{\"n\":1}\n{\"n\":2}\n{\"n\":3}\n")
	_, err = a.Fetch(ctx, CategoryFSDJump, testDay)
	require.NoError(t, err)
	assert.Equal(t, "{\"n\":1}\n{\"n\":2}\n{\"n\":3}\n", readFile(t, path))

	assert.Equal(t, []string{"bytes=0-", "bytes=16-", "bytes=16-"}, remote.ranges)

	expected := `
# HELP eddn_archive_bytes_appended_total Bytes appended to local archive shards, by category
# TYPE eddn_archive_bytes_appended_total counter
eddn_archive_bytes_appended_total{category="Journal.FSDJump"} 24
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "eddn_archive_bytes_appended_total"))
}

func TestArchive_FetchMissingShardIsNotAnError(t *testing.T) {
	a, _ := newArchive(t, &remoteShard{}, nil)

	path, err := a.Fetch(context.Background(), CategoryCommodity, testDay)
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func TestArchive_FetchRejectsUnknownCategoryBeforeIO(t *testing.T) {
	remote := &remoteShard{}
	remote.set("{}\n")
	a, dir := newArchive(t, remote, nil)

	stale := filepath.Join(dir, "Commodity-2020-01-01.jsonl")
	require.NoError(t, os.WriteFile(stale, []byte("{}\n"), 0o644))
	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	_, err := a.Fetch(context.Background(), "Journal.Scan", testDay)
	require.ErrorIs(t, err, errs.ErrInvalidCategory)
	assert.Zero(t, remote.hits.Load())
	assert.FileExists(t, stale)
}

func TestArchive_FetchSweepsEveryCategory(t *testing.T) {
	a, dir := newArchive(t, &remoteShard{}, nil)
	now := time.Now()
	touch := func(name string, age time.Duration) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("{}\n"), 0o644))
		mt := now.Add(-age)
		require.NoError(t, os.Chtimes(p, mt, mt))
		return p
	}
	staleCommodity := touch("Commodity-2024-04-28.jsonl", 30*time.Hour)
	freshDocked := touch("Journal.Docked-2024-04-30.jsonl", 20*time.Hour)
	foreign := touch("notes-2020-01-01.jsonl", 90*time.Hour)

	_, err := a.Fetch(context.Background(), CategoryFSDJump, testDay)
	require.NoError(t, err)

	assert.NoFileExists(t, staleCommodity)
	assert.FileExists(t, freshDocked)
	assert.FileExists(t, foreign)
}

func TestArchive_FetchWithRangeIgnoredKeepsPrefix(t *testing.T) {
	var content atomic.Value
	content.Store("{\"n\":1}\n")
	srv := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(content.Load().(string)))
	})
	a, _ := newArchive(t, srv, nil)
	ctx := context.Background()

	path, err := a.Fetch(ctx, CategoryDocked, testDay)
	require.NoError(t, err)

	content.Store("{\"n\":1}\n{\"n\":2}\n")
	_, err = a.Fetch(ctx, CategoryDocked, testDay)
	require.NoError(t, err)
	assert.Equal(t, "{\"n\":1}\n{\"n\":2}\n", readFile(t, path))

	// Remote shorter than local: nothing appended.
	content.Store("{\"n\":1}\n")
	_, err = a.Fetch(ctx, CategoryDocked, testDay)
	require.NoError(t, err)
	assert.Equal(t, "{\"n\":1}\n{\"n\":2}\n", readFile(t, path))
}

func TestArchive_FetchSlowShardCompletes(t *testing.T) {
	srv := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		for i := 0; i < 10; i++ {
			_, _ = fmt.Fprintf(w, "{\"n\":%d}\n", i)
			fl.Flush()
			time.Sleep(50 * time.Millisecond)
		}
	})
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)

	// The whole transfer takes longer than the header timeout.
	cfg := config.ArchiveConfig{BaseURL: httpSrv.URL, DataDir: t.TempDir()}
	a := NewArchive(cfg, util.NewStreamingClient(200*time.Millisecond, "eddn-relay/test"), nil, nil)

	path, err := a.Fetch(context.Background(), CategoryCommodity, testDay)
	require.NoError(t, err)
	size, err := store.Size(path)
	require.NoError(t, err)
	assert.Equal(t, int64(80), size)
}

func collect(t *testing.T, seq func(func(model.Entry, error) bool)) ([]model.Entry, []error) {
	t.Helper()
	var out []model.Entry
	var errList []error
	for e, err := range seq {
		if err != nil {
			errList = append(errList, err)
			continue
		}
		out = append(out, e)
	}
	return out, errList
}

func TestArchive_EntriesEnvelopeOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Journal.FSDJump-2024-05-01.jsonl")
	lines := strings.Join([]string{
		`{"$schemaRef":"https://eddn.edcd.io/schemas/journal/1","message":{"event":"FSDJump","StarSystem":"Sol"}}`,
		`{"$schemaRef":`,
		``,
		`{"$schemaRef":"https://eddn.edcd.io/schemas/journal/1","message":{"event":"FSDJump","StarSystem":"Lave"}}`,
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))

	a := NewArchive(config.ArchiveConfig{}, nil, nil, nil)

	entries, errList := collect(t, a.Entries(context.Background(), path, true))
	require.Len(t, entries, 2)
	assert.Equal(t, "Sol", entries[0]["StarSystem"])
	assert.Equal(t, "Lave", entries[1]["StarSystem"])
	assert.False(t, entries[0].Has(model.KeySchemaRef))
	require.Len(t, errList, 1)
	assert.ErrorIs(t, errList[0], errs.ErrDecode)

	entries, _ = collect(t, a.Entries(context.Background(), path, false))
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Has(model.KeySchemaRef))
}

func TestArchiveSource_FetchesThenReads(t *testing.T) {
	remote := &remoteShard{}
	remote.set(`{"message":{"event":"Docked","StationName":"Abraham Lincoln"}}` + "\n")
	a, _ := newArchive(t, remote, nil)

	src := &ArchiveSource{Archive: a, Category: CategoryDocked, Day: testDay, EnvelopeOnly: true}
	assert.Equal(t, "archive:Journal.Docked", src.Name())

	entries, errList := collect(t, src.Entries(context.Background()))
	assert.Empty(t, errList)
	require.Len(t, entries, 1)
	assert.Equal(t, "Docked", entries[0].Event())
}

func TestArchiveSource_YieldsFetchError(t *testing.T) {
	a := NewArchive(config.ArchiveConfig{DataDir: t.TempDir()}, nil, nil, nil)
	src := &ArchiveSource{Archive: a, Category: "Shipyard", Day: testDay}

	_, errList := collect(t, src.Entries(context.Background()))
	require.Len(t, errList, 1)
	assert.ErrorIs(t, errList[0], errs.ErrInvalidCategory)
}
