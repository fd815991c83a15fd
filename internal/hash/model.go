// Package hash provides the hash registry: models, validation, and
// repositories for content hashes registered by the source systems.
package hash

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors for hash registry operations.
var (
	// ErrInvalidHashValue is returned when a hash value does not match the
	// expected format for its hash type.
	ErrInvalidHashValue = errors.New("invalid hash value for hash type")

	// ErrInvalidHashType is returned when an unsupported hash type is provided.
	ErrInvalidHashType = errors.New("unsupported hash type")

	// ErrInvalidSourceSystem is returned when an unknown source system is provided.
	ErrInvalidSourceSystem = errors.New("unknown source system")

	// ErrInvalidSeverity is returned when an unknown severity level is provided.
	ErrInvalidSeverity = errors.New("unknown severity level")

	// ErrMissingSourceID is returned when a registration has no source-local case ID.
	ErrMissingSourceID = errors.New("source id is required")

	// ErrHashNotFound is returned when a hash record does not exist.
	ErrHashNotFound = errors.New("hash record not found")

	// ErrStorageUnavailable is returned when the backing store cannot be
	// reached. Registrations are never partially applied on this error.
	ErrStorageUnavailable = errors.New("hash registry storage unavailable")
)

// HashType identifies the algorithm a hash value was produced with.
type HashType string

// Supported hash types.
const (
	TypeSHA256 HashType = "SHA256"
	TypeMD5    HashType = "MD5"
	TypePHash  HashType = "PHASH"
)

// Valid reports whether the hash type is supported.
func (t HashType) Valid() bool {
	switch t {
	case TypeSHA256, TypeMD5, TypePHash:
		return true
	}
	return false
}

// SourceSystem identifies one of the independent subsystems that register
// and look up hashes.
type SourceSystem string

// Known source systems.
const (
	SystemTrace    SourceSystem = "trace"
	SystemGrapnel  SourceSystem = "grapnel"
	SystemTakedown SourceSystem = "takedown"
)

// AllSystems lists every known source system.
func AllSystems() []SourceSystem {
	return []SourceSystem{SystemTrace, SystemGrapnel, SystemTakedown}
}

// Valid reports whether the source system is known.
func (s SourceSystem) Valid() bool {
	switch s {
	case SystemTrace, SystemGrapnel, SystemTakedown:
		return true
	}
	return false
}

// Severity classifies how harmful the content behind a hash is.
type Severity string

// Severity levels, ordered from least to most severe.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank maps severities to their comparison order.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Valid reports whether the severity level is known.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s is at or above the given floor.
// Unknown severities compare as below every floor.
func (s Severity) AtLeast(floor Severity) bool {
	sr, ok := severityRank[s]
	if !ok {
		return false
	}
	fr, ok := severityRank[floor]
	if !ok {
		return false
	}
	return sr >= fr
}

// Record is a registered content hash. Records are immutable once created
// except for tags and metadata, which the owning source system may amend by
// re-registering the same (value, type, source system, source id).
type Record struct {
	ID           string         `json:"id"`
	HashValue    string         `json:"hash_value"`
	HashType     HashType       `json:"hash_type"`
	SourceSystem SourceSystem   `json:"source_system"`
	SourceID     string         `json:"source_id"`
	Severity     Severity       `json:"severity"`
	Tags         []string       `json:"tags,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// NormalizeValue canonicalizes a hash value for storage and comparison:
// surrounding whitespace is stripped and hex digits are lowercased.
func NormalizeValue(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// isHex reports whether s consists only of lowercase hex digits.
func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ValidateValue checks that a normalized hash value matches the format
// required by its type: SHA256 is 64 hex chars, MD5 is 32 hex chars, and
// perceptual hashes are 8-64 characters with no digit restriction.
func ValidateValue(value string, typ HashType) error {
	if !typ.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidHashType, typ)
	}
	switch typ {
	case TypeSHA256:
		if len(value) != 64 || !isHex(value) {
			return fmt.Errorf("%w: SHA256 requires 64 hex characters", ErrInvalidHashValue)
		}
	case TypeMD5:
		if len(value) != 32 || !isHex(value) {
			return fmt.Errorf("%w: MD5 requires 32 hex characters", ErrInvalidHashValue)
		}
	case TypePHash:
		if len(value) < 8 || len(value) > 64 {
			return fmt.Errorf("%w: PHASH requires 8-64 characters", ErrInvalidHashValue)
		}
	}
	return nil
}

// Validate checks all record fields required for registration.
// The hash value must already be normalized.
func (r *Record) Validate() error {
	if err := ValidateValue(r.HashValue, r.HashType); err != nil {
		return err
	}
	if !r.SourceSystem.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSourceSystem, r.SourceSystem)
	}
	if r.SourceID == "" {
		return ErrMissingSourceID
	}
	if r.Severity == "" {
		r.Severity = SeverityMedium
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSeverity, r.Severity)
	}
	return nil
}

// Clone returns a deep copy of the record so callers cannot mutate
// repository-held state through returned pointers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// RegistryStats summarizes the registry contents for the status endpoints.
type RegistryStats struct {
	Total      int64                  `json:"total"`
	ByType     map[HashType]int64     `json:"by_type"`
	BySystem   map[SourceSystem]int64 `json:"by_system"`
	BySeverity map[Severity]int64     `json:"by_severity"`
}
