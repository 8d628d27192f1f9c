package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/galois26/eddn-relay/internal/config"
	"github.com/galois26/eddn-relay/internal/exporter"
	"github.com/galois26/eddn-relay/internal/metrics"
	"github.com/galois26/eddn-relay/internal/pipeline"
	"github.com/galois26/eddn-relay/internal/postprocess"
	"github.com/galois26/eddn-relay/internal/schema"
	"github.com/galois26/eddn-relay/internal/sink"
	"github.com/galois26/eddn-relay/internal/source"
	"github.com/galois26/eddn-relay/internal/store"
	"github.com/galois26/eddn-relay/internal/util"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

const usage = `usage: eddn-relay [flags] <command>

commands:
  listen    subscribe to the live feed
  archive   sync and replay one daily archive shard
  journal   replay local journal logs, newest first
  replay    replay a newline-delimited JSON fixture

flags:
`

type options struct {
	cfgPath     string
	environment string
	filter      string
	category    string
	date        string
	envelope    bool
	fixture     string
	dir         string
	dryRun      bool
	version     bool
}

func main() {
	var o options
	fs := pflag.NewFlagSet("eddn-relay", pflag.ExitOnError)
	fs.StringVarP(&o.cfgPath, "config", "c", "", "path to YAML config (defaults and EDDN_* env when empty)")
	fs.StringVar(&o.environment, "environment", "", "schema environment: production or test")
	fs.StringVar(&o.filter, "filter", "", "listen: only yield messages whose $schemaRef contains this")
	fs.StringVar(&o.category, "category", source.CategoryFSDJump, "archive: shard category")
	fs.StringVar(&o.date, "date", "", "archive: shard day (YYYY-MM-DD), default now minus publish delay")
	fs.BoolVar(&o.envelope, "envelope", true, "listen/archive: process the nested message instead of the envelope")
	fs.StringVar(&o.fixture, "fixture", "", "replay: newline-delimited JSON file")
	fs.StringVar(&o.dir, "dir", "", "journal: log directory (default journal.dir)")
	fs.BoolVar(&o.dryRun, "dry-run", false, "normalize only, never publish")
	fs.BoolVar(&o.version, "version", false, "print version and exit")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	if o.version {
		fmt.Println("eddn-relay", Version)
		return
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	if err := run(fs.Arg(0), o); err != nil {
		fmt.Fprintln(os.Stderr, "eddn-relay:", err)
		os.Exit(1)
	}
}

func run(command string, o options) error {
	if o.environment != "" {
		// Seen by config.Load before defaults, so the matching gateway is picked.
		if err := os.Setenv(config.EnvPrefix+"ENVIRONMENT", o.environment); err != nil {
			return err
		}
	}
	cfg, err := config.Load(o.cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if o.filter != "" {
		cfg.Feed.Filter = o.filter
	}
	if o.dir != "" {
		cfg.Journal.Dir = o.dir
	}

	logger := newLogger(cfg.Log)
	logger.Info("eddn-relay starting", "version", Version, "command", command, "environment", cfg.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Enable {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
		srv := exporter.New(cfg.Metrics.ListenAddress, cfg.Metrics.ReadTimeout, cfg.Metrics.WriteTimeout, cfg.Metrics.IdleTimeout, reg)
		go func() {
			logger.Info("serving /metrics", "addr", cfg.Metrics.ListenAddress)
			if err := srv.Serve(); err != nil {
				logger.Error("metrics server", "err", err)
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	client := util.NewHTTPClient(cfg.HTTP.Timeout, userAgent(cfg))

	src, err := buildSource(ctx, command, o, cfg, client, logger, m)
	if err != nil {
		return err
	}

	var pub sink.Publisher
	if o.dryRun {
		logger.Info("dry run: nothing will be published")
	} else {
		pub = sink.NewRelay(cfg.Relay, schema.New(cfg.Environment, cfg.Schemas), client, logger, m)
	}

	opts := []pipeline.Option{pipeline.WithLogger(logger), pipeline.WithMetrics(m)}
	if cfg.Dedup.Enable {
		opts = append(opts, pipeline.WithDedup(store.NewDedup(cfg.Dedup.MaxKeys, cfg.Dedup.TTL)))
		logger.Info("dedup enabled", "max_keys", cfg.Dedup.MaxKeys, "ttl", cfg.Dedup.TTL)
	}
	p := pipeline.New(postprocess.NewNormalizer(logger), pub, opts...)

	start := time.Now()
	st, err := p.Run(ctx, src.Entries(ctx))
	logger.Info("stopped", "source", src.Name(), "elapsed", time.Since(start).Truncate(time.Millisecond),
		"entries", st.Entries, "published", st.Published, "errors", st.Errors)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildSource(ctx context.Context, command string, o options, cfg *config.Config, client *http.Client, logger *slog.Logger, m *metrics.Metrics) (source.Source, error) {
	switch command {
	case "listen":
		dial, err := source.NewDialer(cfg.Feed.Transport, cfg.Feed.Subject)
		if err != nil {
			return nil, err
		}
		feed := source.NewFeed(cfg.Feed, dial, source.NewBackOff(cfg.Feed.Backoff), logger, m)
		logger.Info("listening", "transport", cfg.Feed.Transport, "address", cfg.Feed.Address, "filter", cfg.Feed.Filter)
		if o.envelope {
			return source.Unwrapped(feed), nil
		}
		return feed, nil
	case "archive":
		if !source.ValidCategory(o.category) {
			return nil, fmt.Errorf("unknown archive category %q (want one of %s)", o.category, strings.Join(source.Categories, ", "))
		}
		day, err := source.ParseDay(o.date)
		if err != nil {
			return nil, err
		}
		// Shards can take minutes to stream; only the header wait is bounded.
		a := source.NewArchive(cfg.Archive, util.NewStreamingClient(cfg.HTTP.Timeout, userAgent(cfg)), logger, m)
		logger.Info("archive", "category", o.category, "url", a.URL(o.category, day))
		// A failed sync ends the command; there is nothing to replay.
		path, err := a.Fetch(ctx, o.category, day)
		if err != nil {
			return nil, fmt.Errorf("sync archive shard: %w", err)
		}
		return &source.ArchiveSource{Archive: a, Category: o.category, Day: day, EnvelopeOnly: o.envelope, Path: path}, nil
	case "journal":
		return &source.Journal{Dir: cfg.Journal.Dir, Logger: logger}, nil
	case "replay":
		if strings.TrimSpace(o.fixture) == "" {
			return nil, errors.New("replay needs --fixture")
		}
		return &source.Fixture{Path: o.fixture}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hopts))
}

func userAgent(cfg *config.Config) string {
	if cfg.HTTP.UserAgent != "" {
		return cfg.HTTP.UserAgent
	}
	return cfg.Relay.SoftwareName + "/" + cfg.Relay.SoftwareVersion
}
