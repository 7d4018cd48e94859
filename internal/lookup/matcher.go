// Package lookup answers identify and name queries against one snapshot.
package lookup

import (
	"github.com/example/cardscan/internal/catalog"
	"github.com/example/cardscan/internal/fingerprint"
)

const (
	// DefaultThreshold is the distance below which a candidate counts as a match.
	DefaultThreshold = 15
	// NoCandidateDistance is reported when the snapshot has no fingerprinted records.
	NoCandidateDistance = fingerprint.Bits + 1
)

// MatchResult is the outcome of a nearest-neighbour query. Record and
// Distance describe the best candidate even when Matched is false.
type MatchResult struct {
	Matched  bool
	Record   *catalog.Record
	Distance int
}

// Match scans snap in order for the record closest to query by Hamming
// distance. Records without a fingerprint are skipped; the first of several
// equally close records wins.
func Match(query fingerprint.Fingerprint, snap *catalog.Snapshot, threshold int) (MatchResult, error) {
	if snap == nil {
		return MatchResult{}, catalog.ErrDatabaseUnavailable
	}

	result := MatchResult{Distance: NoCandidateDistance}
	var best catalog.Record
	found := false

	snap.Range(func(rec catalog.Record) bool {
		fp, ok := rec.Hash()
		if !ok {
			return true
		}
		d := fingerprint.Distance(query, fp)
		if !found || d < result.Distance {
			found = true
			result.Distance = d
			best = rec
		}
		// nothing can beat an exact hit
		return d > 0
	})

	if found {
		result.Record = &best
		result.Matched = result.Distance < threshold
	}
	return result, nil
}
