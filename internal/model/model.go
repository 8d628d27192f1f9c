package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/galois26/eddn-relay/internal/errs"
)

// Entry is one journal event as decoded from JSON. Values are string,
// json.Number, bool, nil, map[string]any and []any; numbers keep their
// literal text so 64-bit ids survive re-encoding.
type Entry map[string]any

// Well-known journal keys.
const (
	KeyEvent     = "event"
	KeyStarPos   = "StarPos"
	KeyHorizons  = "Horizons"
	KeyOdyssey   = "Odyssey"
	KeySchemaRef = "$schemaRef"
	KeyMessage   = "message"
)

// Event returns the type tag, or "" when it is missing or not a string.
func (e Entry) Event() string {
	s, _ := e[KeyEvent].(string)
	return s
}

// Has reports whether key is present, even with a null value.
func (e Entry) Has(key string) bool {
	_, ok := e[key]
	return ok
}

// Decode parses one JSON object into an Entry.
func Decode(b []byte) (Entry, error) {
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	var e Entry
	if err := d.Decode(&e); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	if e == nil {
		return nil, fmt.Errorf("%w: not a JSON object", errs.ErrDecode)
	}
	if _, err := d.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after object", errs.ErrDecode)
	}
	return e, nil
}

// Position is a star system position in light years.
type Position [3]float64

// ParsePosition reads a StarPos value. Anything other than a sequence of
// exactly three numbers is rejected.
func ParsePosition(v any) (Position, bool) {
	arr, ok := v.([]any)
	if !ok || len(arr) != 3 {
		return Position{}, false
	}
	var p Position
	for i, c := range arr {
		switch n := c.(type) {
		case float64:
			p[i] = n
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return Position{}, false
			}
			p[i] = f
		default:
			return Position{}, false
		}
	}
	return p, true
}

// Value returns a freshly allocated JSON value for the position so entries
// never share backing arrays.
func (p Position) Value() []any {
	return []any{p[0], p[1], p[2]}
}
