package source

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/galois26/eddn-relay/internal/config"
	"github.com/galois26/eddn-relay/internal/errs"
	"github.com/galois26/eddn-relay/internal/metrics"
	"github.com/galois26/eddn-relay/internal/model"
	"github.com/galois26/eddn-relay/internal/store"
)

// Archive categories published as daily shards.
const (
	CategoryFSDJump   = "Journal.FSDJump"
	CategoryDocked    = "Journal.Docked"
	CategoryCommodity = "Commodity"
)

// Categories lists every known archive category. The retention sweep covers
// all of them regardless of which shard is being fetched.
var Categories = []string{CategoryDocked, CategoryFSDJump, CategoryCommodity}

// ValidCategory reports whether c is a known archive category.
func ValidCategory(c string) bool { return slices.Contains(Categories, c) }

// Archive keeps local copies of the daily archive shards in sync with the
// remote archive by appending only the bytes not yet downloaded.
type Archive struct {
	cfg     config.ArchiveConfig
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type ArchiveOption func(*Archive)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ArchiveOption {
	return func(a *Archive) { a.now = now }
}

func NewArchive(cfg config.ArchiveConfig, client *http.Client, logger *slog.Logger, m *metrics.Metrics, opts ...ArchiveOption) *Archive {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg.Retention = defaultDur(cfg.Retention, 24*time.Hour)
	cfg.PublishDelay = defaultDur(cfg.PublishDelay, 3*time.Hour)
	a := &Archive{cfg: cfg, client: client, logger: logger.With("component", "archive"), metrics: m, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Day returns day, or now minus the publish delay when day is zero.
func (a *Archive) Day(day time.Time) time.Time {
	if day.IsZero() {
		return a.now().Add(-a.cfg.PublishDelay).UTC()
	}
	return day.UTC()
}

// Path is the local shard file for category on day.
func (a *Archive) Path(category string, day time.Time) string {
	return filepath.Join(a.cfg.DataDir, store.ShardName(category, a.Day(day)))
}

// URL is the remote shard for category on day.
func (a *Archive) URL(category string, day time.Time) string {
	return strings.TrimRight(a.cfg.BaseURL, "/") + "/" + store.ShardName(category, a.Day(day))
}

// Sweep deletes shards of every known category older than the retention window.
func (a *Archive) Sweep() []string {
	removed, err := store.Sweep(a.cfg.DataDir, Categories, a.now().Add(-a.cfg.Retention))
	for _, p := range removed {
		a.metrics.ShardPurged()
		a.logger.Info("purged stale shard", "path", p)
	}
	if err != nil {
		a.logger.Warn("retention sweep incomplete", "err", err)
	}
	return removed
}

// Fetch brings the local shard for (category, day) up to the longest prefix
// available remotely and returns its path. A remote status of 400 or above
// (no shard yet, or nothing left to fetch) appends nothing and is not an error.
// Transfer errors are returned as is; bytes already appended are kept and the
// next call resumes after them.
func (a *Archive) Fetch(ctx context.Context, category string, day time.Time) (string, error) {
	if !ValidCategory(category) {
		return "", fmt.Errorf("%w: %q", errs.ErrInvalidCategory, category)
	}
	day = a.Day(day)
	a.Sweep()

	path := a.Path(category, day)
	url := a.URL(category, day)
	log := a.logger.With("category", category, "path", path)

	size, err := store.Size(path)
	if err != nil {
		return "", errs.Wrap(err, "archive", "Fetch", "stat shard")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errs.Wrap(err, "archive", "Fetch", "build request")
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", size))

	resp, err := a.client.Do(req)
	if err != nil {
		return "", errs.Wrap(err, "archive", "Fetch", "request shard")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		log.Debug("nothing to append", "status", resp.StatusCode, "offset", size)
		return path, nil
	}

	if resp.StatusCode == http.StatusOK && size > 0 {
		// Range ignored: skip what we already hold.
		if n, err := io.CopyN(io.Discard, resp.Body, size); err != nil {
			if err == io.EOF {
				log.Warn("remote shard shorter than local copy", "remote", n, "local", size)
				return path, nil
			}
			return "", errs.Wrap(err, "archive", "Fetch", "skip known prefix")
		}
	}

	n, err := store.Append(path, resp.Body)
	a.metrics.ArchiveAppended(category, n)
	if err != nil {
		return "", errs.Wrap(err, "archive", "Fetch", fmt.Sprintf("append after %d bytes", n))
	}
	log.Debug("shard updated", "status", resp.StatusCode, "offset", size, "appended", n)
	return path, nil
}

// Entries reads the shard at path lazily, one entry per line. With
// envelopeOnly, each line's nested message object is yielded instead.
func (a *Archive) Entries(ctx context.Context, path string, envelopeOnly bool) iter.Seq2[model.Entry, error] {
	return readLines(ctx, path, envelopeOnly)
}

// Iterate fetches the shard then reads it.
func (a *Archive) Iterate(ctx context.Context, category string, day time.Time, envelopeOnly bool) (iter.Seq2[model.Entry, error], error) {
	path, err := a.Fetch(ctx, category, day)
	if err != nil {
		return nil, err
	}
	return a.Entries(ctx, path, envelopeOnly), nil
}

// ArchiveSource adapts one shard to the Source interface.
type ArchiveSource struct {
	Archive      *Archive
	Category     string
	Day          time.Time
	EnvelopeOnly bool
	// Path, when set, is a shard Fetch already synced; Entries reads it
	// without fetching again.
	Path         string
}

func (s *ArchiveSource) Name() string { return "archive:" + s.Category }

func (s *ArchiveSource) Entries(ctx context.Context) iter.Seq2[model.Entry, error] {
	if s.Path != "" {
		return s.Archive.Entries(ctx, s.Path, s.EnvelopeOnly)
	}
	return func(yield func(model.Entry, error) bool) {
		seq, err := s.Archive.Iterate(ctx, s.Category, s.Day, s.EnvelopeOnly)
		if err != nil {
			yield(nil, err)
			return
		}
		for e, err := range seq {
			if !yield(e, err) {
				return
			}
		}
	}
}
