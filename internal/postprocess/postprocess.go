package postprocess

import (
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/galois26/eddn-relay/internal/model"
)

// LocalisedMarker tags display-only keys that downstream schemas reject.
const LocalisedMarker = "_Localised"

// Journal event types with special handling.
const (
	EventLoadGame    = "LoadGame"
	EventFSDJump     = "FSDJump"
	EventCarrierJump = "CarrierJump"
	EventLocation    = "Location"
)

// Keys stamped onto enriched entries.
const (
	KeyHorizonsFlag = "horizons"
	KeyOdysseyFlag  = "odyssey"
)

// positionEvents carry an authoritative StarPos.
var positionEvents = map[string]bool{
	EventFSDJump:     true,
	EventCarrierJump: true,
	EventLocation:    true,
}

// Session is the context carried from one entry to the next. Fields are only
// ever overwritten by newer data; nothing clears them implicitly.
type Session struct {
	ID                string
	LastKnownPosition *model.Position
	Horizons          *bool
	Odyssey           *bool
}

// Normalizer applies the per-entry passes against one Session. It is not safe
// for concurrent use; run one Normalizer per logical session.
type Normalizer struct {
	session *Session
	logger  *slog.Logger
}

func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Normalizer{session: &Session{}, logger: logger.With("component", "normalizer")}
}

func (n *Normalizer) Session() *Session { return n.session }

// Reset drops all carried context.
func (n *Normalizer) Reset() { n.session = &Session{} }

// Apply runs position propagation, localisation stripping and flag tagging,
// in that order, mutating e in place.
func (n *Normalizer) Apply(e model.Entry) model.Entry {
	n.UpdatePosition(e)
	StripLocalised(e)
	n.AddFlags(e)
	return e
}

// UpdatePosition records StarPos from jump and location events and stamps the
// last known position onto entries that have none.
func (n *Normalizer) UpdatePosition(e model.Entry) {
	if positionEvents[e.Event()] && e.Has(model.KeyStarPos) {
		if p, ok := model.ParsePosition(e[model.KeyStarPos]); ok {
			n.session.LastKnownPosition = &p
		} else {
			n.logger.Debug("ignoring malformed StarPos", "event", e.Event())
		}
	}
	if n.session.LastKnownPosition != nil && !e.Has(model.KeyStarPos) {
		e[model.KeyStarPos] = n.session.LastKnownPosition.Value()
	}
}

// AddFlags captures the expansion flags from LoadGame and stamps them onto
// every later entry once both are known. LoadGame itself is left untouched.
func (n *Normalizer) AddFlags(e model.Entry) {
	if e.Event() == EventLoadGame {
		n.session.Horizons = boolField(e, model.KeyHorizons)
		n.session.Odyssey = boolField(e, model.KeyOdyssey)
		n.session.ID = uuid.NewString()
		n.logger.Debug("session started",
			"session", n.session.ID,
			"horizons", n.session.Horizons != nil && *n.session.Horizons,
			"odyssey", n.session.Odyssey != nil && *n.session.Odyssey,
		)
		return
	}
	if n.session.Horizons != nil && n.session.Odyssey != nil {
		e[KeyHorizonsFlag] = *n.session.Horizons
		e[KeyOdysseyFlag] = *n.session.Odyssey
	}
}

func boolField(e model.Entry, key string) *bool {
	b, ok := e[key].(bool)
	if !ok {
		return nil
	}
	return &b
}

// StripLocalised removes every key containing LocalisedMarker from v at any
// depth, descending into nested objects and arrays. It walks in place and is
// idempotent.
func StripLocalised(v any) {
	switch tt := v.(type) {
	case model.Entry:
		stripMap(tt)
	case map[string]any:
		stripMap(tt)
	case []any:
		for _, it := range tt {
			StripLocalised(it)
		}
	}
}

func stripMap(m map[string]any) {
	for k, v := range m {
		if strings.Contains(k, LocalisedMarker) {
			delete(m, k)
			continue
		}
		StripLocalised(v)
	}
}
