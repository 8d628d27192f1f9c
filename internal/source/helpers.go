package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/galois26/eddn-relay/internal/errs"
	"github.com/galois26/eddn-relay/internal/model"
)

// ParseDay reads a calendar day as YYYY-MM-DD or RFC3339. The empty string
// yields the zero time, meaning "use the default day".
func ParseDay(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported date: %s", s)
}

func defaultDur(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// decodeLine decodes one JSON line, or only its nested "message" object when
// envelopeOnly is set.
func decodeLine(line []byte, envelopeOnly bool) (model.Entry, error) {
	if !envelopeOnly {
		return model.Decode(line)
	}
	if !gjson.ValidBytes(line) {
		return nil, fmt.Errorf("%w: invalid JSON", errs.ErrDecode)
	}
	msg := gjson.GetBytes(line, model.KeyMessage)
	if !msg.IsObject() {
		return nil, fmt.Errorf("%w: no message object in envelope", errs.ErrDecode)
	}
	return model.Decode([]byte(msg.Raw))
}

// readLines yields one decoded entry per non-blank line of the file at path.
// The file is opened on the first pull and closed when the sequence ends or
// the caller stops.
func readLines(ctx context.Context, path string, envelopeOnly bool) iter.Seq2[model.Entry, error] {
	return func(yield func(model.Entry, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(nil, err)
			return
		}
		defer f.Close()

		r := bufio.NewReaderSize(f, 64*1024)
		for {
			if ctx.Err() != nil {
				return
			}
			line, err := r.ReadBytes('\n')
			if len(line) > 0 {
				if line = bytes.TrimSpace(line); len(line) > 0 {
					e, derr := decodeLine(line, envelopeOnly)
					if !yield(e, derr) {
						return
					}
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("read %s: %w", path, err))
				return
			}
		}
	}
}

// Unwrap replaces each envelope in seq with its nested message object.
// Envelopes without one are yielded as errs.ErrDecode errors.
func Unwrap(seq iter.Seq2[model.Entry, error]) iter.Seq2[model.Entry, error] {
	return func(yield func(model.Entry, error) bool) {
		for e, err := range seq {
			if err == nil {
				if msg, ok := e[model.KeyMessage].(map[string]any); ok {
					e = model.Entry(msg)
				} else {
					e, err = nil, fmt.Errorf("%w: no message object in envelope", errs.ErrDecode)
				}
			}
			if !yield(e, err) {
				return
			}
		}
	}
}
