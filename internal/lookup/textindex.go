package lookup

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/example/cardscan/internal/catalog"
)

// DefaultSearchLimit caps the number of name search results.
const DefaultSearchLimit = 20

// SearchHit is one name search result.
type SearchHit struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	ImageRef    string `json:"image_url"`
}

// Search returns up to limit records whose primary or alternate name
// contains query, ignoring case, in snapshot order. A blank query matches
// nothing.
func Search(query string, snap *catalog.Snapshot, limit int) ([]SearchHit, error) {
	if snap == nil {
		return nil, catalog.ErrDatabaseUnavailable
	}
	hits := []SearchHit{}
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return hits, nil
	}

	// cases.Caser keeps state between calls, so one per search.
	lower := cases.Lower(language.Und)
	needle := lower.String(query)

	snap.Range(func(rec catalog.Record) bool {
		matched := strings.Contains(lower.String(rec.NamePrimary), needle)
		if !matched {
			if alt, ok := rec.AltName(); ok {
				matched = strings.Contains(lower.String(alt), needle)
			}
		}
		if matched {
			hits = append(hits, SearchHit{
				ID:          rec.ID,
				DisplayName: rec.DisplayName(),
				ImageRef:    rec.ImageRef,
			})
		}
		return len(hits) < limit
	})
	return hits, nil
}
