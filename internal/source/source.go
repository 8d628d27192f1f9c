package source

import (
	"context"
	"iter"

	"github.com/galois26/eddn-relay/internal/model"
)

// Source produces raw entries as a lazy, pull-based sequence. A non-nil
// error in the sequence concerns one item only; the caller decides whether to
// keep pulling. Stopping the range loop releases the source.
type Source interface {
	Name() string
	Entries(ctx context.Context) iter.Seq2[model.Entry, error]
}

type unwrapped struct{ Source }

// Unwrapped yields the nested message object of each envelope s produces.
func Unwrapped(s Source) Source { return unwrapped{s} }

func (u unwrapped) Entries(ctx context.Context) iter.Seq2[model.Entry, error] {
	return Unwrap(u.Source.Entries(ctx))
}
