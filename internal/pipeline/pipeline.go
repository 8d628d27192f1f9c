// Package pipeline drives entries from a source through the normalizer and
// relays the publishable ones.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"

	"github.com/galois26/eddn-relay/internal/errs"
	"github.com/galois26/eddn-relay/internal/metrics"
	"github.com/galois26/eddn-relay/internal/model"
	"github.com/galois26/eddn-relay/internal/postprocess"
	"github.com/galois26/eddn-relay/internal/schema"
	"github.com/galois26/eddn-relay/internal/sink"
	"github.com/galois26/eddn-relay/internal/store"
)

// Routes maps a publishable event type to the schema it is relayed under.
var Routes = map[string]string{
	"FSSBodySignals": schema.FSSBodySignals,
}

// Stats summarises one Run.
type Stats struct {
	Entries    int
	Published  int
	Duplicates int
	Errors     int
}

type Pipeline struct {
	norm      *postprocess.Normalizer
	publisher sink.Publisher
	dedup     *store.Dedup
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Pipeline)

// WithDedup suppresses re-posting an identical normalized entry.
func WithDedup(d *store.Dedup) Option { return func(p *Pipeline) { p.dedup = d } }

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// New builds a pipeline. A nil publisher normalizes without relaying.
func New(norm *postprocess.Normalizer, publisher sink.Publisher, opts ...Option) *Pipeline {
	p := &Pipeline{norm: norm, publisher: publisher}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p.logger = p.logger.With("component", "pipeline")
	return p
}

// Handle normalizes e and, if its event type is routed, publishes it. The
// normalized entry is returned even when publishing fails.
func (p *Pipeline) Handle(ctx context.Context, e model.Entry) (model.Entry, error) {
	_, err := p.handle(ctx, e)
	if errors.Is(err, errDuplicate) {
		err = nil
	}
	return e, err
}

var errDuplicate = errors.New("already relayed")

func (p *Pipeline) handle(ctx context.Context, e model.Entry) (published bool, err error) {
	p.norm.Apply(e)
	event := e.Event()
	p.metrics.EntryProcessed(event)

	name, ok := Routes[event]
	if !ok || p.publisher == nil {
		return false, nil
	}

	var key uint64
	if p.dedup != nil {
		b, err := json.Marshal(e)
		if err != nil {
			return false, errs.Wrap(err, "pipeline", "Handle", "digest entry")
		}
		key = store.Digest(b)
		if p.dedup.Seen(key) {
			p.logger.Debug("duplicate suppressed", "event", event, "schema", name)
			return false, errDuplicate
		}
	}

	if _, err := p.publisher.Publish(ctx, name, e); err != nil {
		return false, err
	}
	if p.dedup != nil {
		p.dedup.Mark(key)
	}
	return true, nil
}

// Run pulls seq to the end, one entry at a time. Decode and publish failures
// are logged and counted; only ctx cancellation ends the run early.
func (p *Pipeline) Run(ctx context.Context, seq iter.Seq2[model.Entry, error]) (Stats, error) {
	var st Stats
	session := ""
	for e, err := range seq {
		if err != nil {
			st.Errors++
			p.metrics.EntryError("source")
			p.logger.Warn("skipping entry", "err", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		st.Entries++
		published, err := p.handle(ctx, e)
		switch {
		case errors.Is(err, errDuplicate):
			st.Duplicates++
		case err != nil:
			st.Errors++
			p.metrics.EntryError("publish")
			p.logger.Warn("relay failed", "event", e.Event(), "err", err)
		case published:
			st.Published++
		}
		if id := p.norm.Session().ID; id != session {
			session = id
			p.logger.Info("new game session", "session", id)
		}
		if ctx.Err() != nil {
			break
		}
	}
	p.logger.Info("run finished", "entries", st.Entries, "published", st.Published,
		"duplicates", st.Duplicates, "errors", st.Errors)
	return st, ctx.Err()
}
