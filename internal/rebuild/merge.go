package rebuild

import (
	"strings"

	"github.com/emirpasic/gods/maps/linkedhashmap"

	"github.com/example/cardscan/internal/catalog"
	"github.com/example/cardscan/internal/provider"
)

// Merge joins the primary and secondary card lists by id. Records follow
// primary order; a repeated primary id keeps its first position and takes
// the later values. Secondary entries only fill NameAlt of ids already
// present. Entries without an id or name are skipped.
func Merge(primary, secondary []provider.Card) []catalog.Record {
	byID := linkedhashmap.New()
	for _, card := range primary {
		id := strings.TrimSpace(card.ID)
		if id == "" || card.Name == "" {
			continue
		}
		byID.Put(id, &catalog.Record{
			ID:          id,
			NamePrimary: card.Name,
			ImageRef:    card.ImageRef,
		})
	}

	for _, card := range secondary {
		if card.Name == "" {
			continue
		}
		value, found := byID.Get(strings.TrimSpace(card.ID))
		if !found {
			continue
		}
		value.(*catalog.Record).NameAlt = catalog.StringPtr(card.Name)
	}

	records := make([]catalog.Record, 0, byID.Size())
	it := byID.Iterator()
	for it.Next() {
		records = append(records, *it.Value().(*catalog.Record))
	}
	return records
}
