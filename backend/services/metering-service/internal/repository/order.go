package repository

import (
	"sort"

	"prepaidmeter/backend/services/metering-service/internal/models"
)

// newer orders ledger entries by timestamp, then by insertion sequence.
func newer(a, b *models.Transaction) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.Seq > b.Seq
	}
	return a.Timestamp.After(b.Timestamp)
}

// SortNewestFirst sorts entries by timestamp descending, ties by insertion order descending.
func SortNewestFirst(entries []models.Transaction) {
	sort.SliceStable(entries, func(i, j int) bool {
		return newer(&entries[i], &entries[j])
	})
}
