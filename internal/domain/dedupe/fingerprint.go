package dedupe

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Set is a set of row fingerprints.
type Set map[uint64]struct{}

// Fingerprint hashes one JSON record independent of field order and whitespace.
func Fingerprint(row []byte) (uint64, error) {
	dec := json.NewDecoder(bytes.NewReader(row))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedRow, err)
	}
	// Re-encoding a decoded map emits keys in sorted order.
	canonical, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedRow, err)
	}
	return xxhash.Sum64(canonical), nil
}

// NewSet fingerprints every row.
func NewSet(rows []json.RawMessage) (Set, error) {
	s := make(Set, len(rows))
	for i, r := range rows {
		fp, err := Fingerprint(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		s[fp] = struct{}{}
	}
	return s, nil
}

// SubsetOf reports whether every fingerprint in s is also in other.
func (s Set) SubsetOf(other Set) bool {
	if len(s) > len(other) {
		return false
	}
	for fp := range s {
		if _, ok := other[fp]; !ok {
			return false
		}
	}
	return true
}

// Intersect counts fingerprints present in both sets.
func (s Set) Intersect(other Set) int {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	n := 0
	for fp := range small {
		if _, ok := large[fp]; ok {
			n++
		}
	}
	return n
}
