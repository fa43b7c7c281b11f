package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Position locates a record within a queue. The zero value is
// Beginning, which orders before every offset. Offsets are absolute
// and never reused, so positions form a total order.
type Position struct {
	offset uint64
	exists bool
}

// Beginning is the position before the first record of any queue.
var Beginning = Position{}

// PositionAt returns the position of the record at the given offset.
func PositionAt(offset uint64) Position {
	return Position{offset: offset, exists: true}
}

// Offset returns the offset projection of the position. The second
// return value is false for Beginning, which has no offset.
func (p Position) Offset() (uint64, bool) {
	return p.offset, p.exists
}

// IsBeginning reports whether the position is Beginning.
func (p Position) IsBeginning() bool {
	return !p.exists
}

// Compare orders two positions: -1 if p < other, 0 if equal, 1 if p > other.
// Beginning compares below every offset, including offset 0.
func (p Position) Compare(other Position) int {
	switch {
	case !p.exists && !other.exists:
		return 0
	case !p.exists:
		return -1
	case !other.exists:
		return 1
	case p.offset < other.offset:
		return -1
	case p.offset > other.offset:
		return 1
	default:
		return 0
	}
}

// Before reports whether p orders strictly before other.
func (p Position) Before(other Position) bool {
	return p.Compare(other) < 0
}

func (p Position) String() string {
	if !p.exists {
		return "beginning"
	}
	return strconv.FormatUint(p.offset, 10)
}

// MarshalJSON encodes Beginning as the empty string and offsets as
// decimal strings, so positions survive JSON transports that cannot
// represent full uint64 numbers.
func (p Position) MarshalJSON() ([]byte, error) {
	if !p.exists {
		return []byte(`""`), nil
	}
	return json.Marshal(strconv.FormatUint(p.offset, 10))
}

func (p *Position) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*p = Beginning
		return nil
	}
	offset, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse position %q: %w", s, err)
	}
	*p = PositionAt(offset)
	return nil
}
