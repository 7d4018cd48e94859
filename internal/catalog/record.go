// Package catalog holds the immutable card database snapshot and the
// process-wide live reference to it.
package catalog

import "github.com/example/cardscan/internal/fingerprint"

// Record is one catalog entry. NameAlt and Fingerprint are optional; nil
// means absent.
type Record struct {
	ID          string
	NamePrimary string
	NameAlt     *string
	ImageRef    string
	Fingerprint *fingerprint.Fingerprint
}

// AltName returns the alternate-language name when present.
func (r Record) AltName() (string, bool) {
	if r.NameAlt == nil {
		return "", false
	}
	return *r.NameAlt, true
}

// Hash returns the record fingerprint when present.
func (r Record) Hash() (fingerprint.Fingerprint, bool) {
	if r.Fingerprint == nil {
		return 0, false
	}
	return *r.Fingerprint, true
}

// DisplayName prefers the alternate-language name.
func (r Record) DisplayName() string {
	if alt, ok := r.AltName(); ok {
		return alt
	}
	return r.NamePrimary
}

// clone detaches the optional fields so a snapshot never shares pointers
// with its builder.
func (r Record) clone() Record {
	if r.NameAlt != nil {
		alt := *r.NameAlt
		r.NameAlt = &alt
	}
	if r.Fingerprint != nil {
		fp := *r.Fingerprint
		r.Fingerprint = &fp
	}
	return r
}

// StringPtr is a helper for filling optional name fields.
func StringPtr(s string) *string {
	return &s
}

// FingerprintPtr is a helper for filling optional fingerprint fields.
func FingerprintPtr(f fingerprint.Fingerprint) *fingerprint.Fingerprint {
	return &f
}
