// Package match provides cross-system match detection: the Matching Engine
// and the match record store. A match links two hash records from different
// source systems that carry the same content fingerprint.
package match

import (
	"errors"
	"fmt"
	"time"

	"github.com/grapnel-io/hashintel/internal/hash"
)

// Common errors for match operations.
var (
	// ErrMatchExists is returned when a match for the same unordered pair of
	// hash records and match type already exists. Callers treat it as a
	// no-op outcome, not a failure.
	ErrMatchExists = errors.New("match already recorded for this pair")

	// ErrMatchNotFound is returned when a match record does not exist.
	ErrMatchNotFound = errors.New("match record not found")

	// ErrSameSourceSystem is returned when both sides of a match come from
	// the same source system.
	ErrSameSourceSystem = errors.New("match requires records from different source systems")

	// ErrInvalidConfidence is returned when a confidence score is outside [0, 1].
	ErrInvalidConfidence = errors.New("confidence score must be between 0.00 and 1.00")
)

// Type classifies how two hash records correspond.
type Type string

// Match types.
const (
	TypeExact   Type = "exact"
	TypeSimilar Type = "similar"
	TypeVariant Type = "variant"
)

// Valid reports whether the match type is known.
func (t Type) Valid() bool {
	switch t {
	case TypeExact, TypeSimilar, TypeVariant:
		return true
	}
	return false
}

// Record links a primary hash record to a matched one. Immutable once
// created except for NotifiedSystems, which the dispatcher appends to after
// a confirmed delivery.
type Record struct {
	ID              string              `json:"id"`
	PrimaryHashID   string              `json:"primary_hash_id"`
	MatchedHashID   string              `json:"matched_hash_id"`
	MatchType       Type                `json:"match_type"`
	Confidence      float64             `json:"confidence"`
	DetectedAt      time.Time           `json:"detected_at"`
	NotifiedSystems []hash.SourceSystem `json:"notified_systems,omitempty"`
}

// Validate checks the fields required to store a match.
func (r *Record) Validate() error {
	if r.PrimaryHashID == "" || r.MatchedHashID == "" {
		return fmt.Errorf("match requires both hash record ids")
	}
	if r.PrimaryHashID == r.MatchedHashID {
		return fmt.Errorf("match cannot link a hash record to itself")
	}
	if !r.MatchType.Valid() {
		return fmt.Errorf("unknown match type %q", r.MatchType)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return ErrInvalidConfidence
	}
	if r.MatchType == TypeExact && r.Confidence != 1.0 {
		return fmt.Errorf("exact matches are fixed at confidence 1.00")
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.NotifiedSystems != nil {
		c.NotifiedSystems = append([]hash.SourceSystem(nil), r.NotifiedSystems...)
	}
	return &c
}

// pairKey canonicalizes the unordered (primary, matched) pair so that A-B
// and B-A collapse to the same uniqueness key.
func pairKey(a, b string, typ Type) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b + "|" + string(typ)
}
