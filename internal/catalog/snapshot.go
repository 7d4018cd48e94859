package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/cardscan/internal/fingerprint"
)

var (
	// ErrDatabaseUnavailable is returned when no snapshot has been published.
	ErrDatabaseUnavailable = errors.New("database not loaded")
	// ErrInvalidRecord marks records that violate snapshot invariants.
	ErrInvalidRecord = errors.New("invalid catalog record")
)

// Meta describes how and when a snapshot was produced.
type Meta struct {
	Version           string
	BuiltAt           time.Time
	FingerprintFormat string
}

// Snapshot is an immutable, fully built card database. Records keep the
// order they were built in; every scan uses that order.
type Snapshot struct {
	meta          Meta
	records       []Record
	index         map[string]int
	fingerprinted int
}

// NewSnapshot validates records and freezes them into a snapshot. Missing
// meta fields are filled with a fresh version, the current time and the
// active fingerprint format.
func NewSnapshot(records []Record, meta Meta) (*Snapshot, error) {
	if meta.Version == "" {
		meta.Version = uuid.NewString()
	}
	if meta.BuiltAt.IsZero() {
		meta.BuiltAt = time.Now().UTC()
	}
	if meta.FingerprintFormat == "" {
		meta.FingerprintFormat = fingerprint.Format
	}

	s := &Snapshot{
		meta:    meta,
		records: make([]Record, 0, len(records)),
		index:   make(map[string]int, len(records)),
	}
	for _, rec := range records {
		if strings.TrimSpace(rec.ID) == "" {
			return nil, fmt.Errorf("%w: empty id", ErrInvalidRecord)
		}
		if rec.NamePrimary == "" {
			return nil, fmt.Errorf("%w: record %s has no primary name", ErrInvalidRecord, rec.ID)
		}
		if _, dup := s.index[rec.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidRecord, rec.ID)
		}
		s.index[rec.ID] = len(s.records)
		s.records = append(s.records, rec.clone())
		if rec.Fingerprint != nil {
			s.fingerprinted++
		}
	}
	return s, nil
}

// Meta returns the snapshot metadata.
func (s *Snapshot) Meta() Meta { return s.meta }

// Version returns the unique snapshot version.
func (s *Snapshot) Version() string { return s.meta.Version }

// Len returns the number of records.
func (s *Snapshot) Len() int { return len(s.records) }

// FingerprintedCount returns how many records carry a fingerprint.
func (s *Snapshot) FingerprintedCount() int { return s.fingerprinted }

// HasFingerprints reports whether the snapshot supports image identification.
func (s *Snapshot) HasFingerprints() bool { return s.fingerprinted > 0 }

// Record looks up a record by id.
func (s *Snapshot) Record(id string) (Record, bool) {
	i, ok := s.index[id]
	if !ok {
		return Record{}, false
	}
	return s.records[i], true
}

// Range calls fn for each record in snapshot order until fn returns false.
// Records are passed by value and must be treated as read-only.
func (s *Snapshot) Range(fn func(Record) bool) {
	for _, rec := range s.records {
		if !fn(rec) {
			return
		}
	}
}

// Records returns a copy of all records in snapshot order.
func (s *Snapshot) Records() []Record {
	out := make([]Record, len(s.records))
	for i, rec := range s.records {
		out[i] = rec.clone()
	}
	return out
}

// WithoutFingerprints returns a copy of s with every fingerprint dropped,
// used when a stored snapshot was built with an incompatible format.
func (s *Snapshot) WithoutFingerprints() *Snapshot {
	out := &Snapshot{
		meta:    s.meta,
		records: make([]Record, len(s.records)),
		index:   s.index,
	}
	out.meta.FingerprintFormat = fingerprint.Format
	for i, rec := range s.records {
		rec.Fingerprint = nil
		out.records[i] = rec
	}
	return out
}
