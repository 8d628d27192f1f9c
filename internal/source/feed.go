package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/zlib"
	"github.com/tidwall/gjson"

	"github.com/galois26/eddn-relay/internal/config"
	"github.com/galois26/eddn-relay/internal/errs"
	"github.com/galois26/eddn-relay/internal/metrics"
	"github.com/galois26/eddn-relay/internal/model"
)

// State of the live subscription.
type State int32

const (
	Disconnected State = iota
	Connected
	Receiving
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Receiving:
		return "receiving"
	default:
		return "unknown"
	}
}

// Feed subscribes to the live relay and yields decoded messages. Timeouts and
// transport errors never escape: the feed logs them, waits as the backoff
// policy says and reconnects.
type Feed struct {
	cfg     config.FeedConfig
	dial    Dialer
	policy  backoff.BackOff
	logger  *slog.Logger
	metrics *metrics.Metrics
	state   atomic.Int32
}

// NewFeed builds a feed. A nil policy reconnects immediately, forever.
func NewFeed(cfg config.FeedConfig, dial Dialer, policy backoff.BackOff, logger *slog.Logger, m *metrics.Metrics) *Feed {
	if policy == nil {
		policy = &backoff.ZeroBackOff{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg.ReceiveTimeout = defaultDur(cfg.ReceiveTimeout, 10*time.Minute)
	return &Feed{cfg: cfg, dial: dial, policy: policy, logger: logger.With("component", "feed"), metrics: m}
}

// NewBackOff maps the configured reconnect policy onto a backoff strategy.
func NewBackOff(cfg config.BackoffConfig) backoff.BackOff {
	switch cfg.Type {
	case "constant":
		return backoff.NewConstantBackOff(defaultDur(cfg.Interval, time.Second))
	case "exponential":
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = defaultDur(cfg.Interval, time.Second)
		b.MaxInterval = defaultDur(cfg.MaxInterval, time.Minute)
		return b
	default:
		return &backoff.ZeroBackOff{}
	}
}

func (f *Feed) State() State { return State(f.state.Load()) }

func (f *Feed) setState(s State) {
	if State(f.state.Swap(int32(s))) != s {
		f.logger.Debug("feed state", "state", s.String())
	}
	f.metrics.FeedConnected(s != Disconnected)
}

func (f *Feed) Name() string { return "feed" }

// Entries yields messages matching the configured filter.
func (f *Feed) Entries(ctx context.Context) iter.Seq2[model.Entry, error] {
	return f.Messages(ctx, f.cfg.Filter)
}

// Messages yields every message whose schema reference contains filter (all
// messages when filter is empty). The sequence only ends when the caller
// stops, ctx is cancelled or the backoff policy returns backoff.Stop.
// Undecodable messages are yielded as errs.ErrDecode errors.
func (f *Feed) Messages(ctx context.Context, filter string) iter.Seq2[model.Entry, error] {
	return func(yield func(model.Entry, error) bool) {
		defer f.setState(Disconnected)
		for ctx.Err() == nil {
			conn, err := f.dial(ctx, f.cfg.Address)
			if err != nil {
				f.logger.Warn("feed connect failed", "address", f.cfg.Address,
					"err", fmt.Errorf("%w: %w", errs.ErrTransport, err))
				if !f.wait(ctx) {
					return
				}
				continue
			}
			f.setState(Connected)
			f.policy.Reset()
			f.logger.Info("feed connected", "address", f.cfg.Address)

			stopped := f.receive(ctx, conn, filter, yield)
			if err := conn.Close(); err != nil {
				f.logger.Debug("feed close", "err", err)
			}
			f.setState(Disconnected)
			if stopped {
				return
			}
			f.metrics.FeedReconnect()
			if !f.wait(ctx) {
				return
			}
		}
	}
}

// receive pulls from conn until a transport failure (returns false) or until
// the consumer or ctx stops the feed (returns true).
func (f *Feed) receive(ctx context.Context, conn Conn, filter string, yield func(model.Entry, error) bool) bool {
	for {
		rctx, cancel := context.WithTimeout(ctx, f.cfg.ReceiveTimeout)
		payload, err := conn.Recv(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return true
			}
			if errors.Is(err, context.DeadlineExceeded) {
				f.logger.Warn("feed receive timed out, reconnecting", "timeout", f.cfg.ReceiveTimeout)
			} else {
				f.logger.Warn("feed receive failed, reconnecting", "err", fmt.Errorf("%w: %w", errs.ErrTransport, err))
			}
			return false
		}
		f.setState(Receiving)

		e, keep, err := decodeMessage(payload, filter)
		switch {
		case err != nil:
			f.metrics.FeedMessage("invalid")
		case !keep:
			f.metrics.FeedMessage("filtered")
			continue
		default:
			f.metrics.FeedMessage("yielded")
		}
		if !yield(e, err) {
			return true
		}
	}
}

// wait sleeps for the next backoff interval; false means stop reconnecting.
func (f *Feed) wait(ctx context.Context) bool {
	d := f.policy.NextBackOff()
	if d == backoff.Stop {
		f.logger.Info("feed reconnect policy exhausted")
		return false
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// decodeMessage inflates one relay payload. keep is false when a filter is
// set and the schema reference does not contain it.
func decodeMessage(payload []byte, filter string) (model.Entry, bool, error) {
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, true, fmt.Errorf("%w: inflate: %v", errs.ErrDecode, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, true, fmt.Errorf("%w: inflate: %v", errs.ErrDecode, err)
	}
	if filter != "" {
		ref := gjson.GetBytes(raw, `\$schemaRef`).String()
		if !strings.Contains(ref, filter) {
			return nil, false, nil
		}
	}
	e, err := model.Decode(raw)
	if err != nil {
		return nil, true, err
	}
	return e, true, nil
}
