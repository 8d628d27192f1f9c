package source

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/galois26/eddn-relay/internal/model"
)

// Journal reads the game's own journal logs (*.log, one JSON entry per
// line) from a directory, newest file name first.
type Journal struct {
	Dir    string
	Logger *slog.Logger
}

func (j *Journal) Name() string { return "journal" }

// Files lists the journal files in processing order.
func (j *Journal) Files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(j.Dir, "*.log"))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

func (j *Journal) Entries(ctx context.Context) iter.Seq2[model.Entry, error] {
	logger := j.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return func(yield func(model.Entry, error) bool) {
		files, err := j.Files()
		if err != nil {
			yield(nil, err)
			return
		}
		for _, f := range files {
			logger.Debug("reading journal", "component", "journal", "path", f)
			for e, err := range readLines(ctx, f, false) {
				if !yield(e, err) {
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// Fixture replays a newline-delimited JSON file once.
type Fixture struct {
	Path string
}

func (f *Fixture) Name() string { return "fixture" }

func (f *Fixture) Entries(ctx context.Context) iter.Seq2[model.Entry, error] {
	return readLines(ctx, f.Path, false)
}
