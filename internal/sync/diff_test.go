package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"regsync/internal/domain/registry"
)

func TestTouchedCoversModifiedAndRemoved(t *testing.T) {
	diff := CategoryDiff{
		Category: registry.CategoryInvoice,
		Added:    []string{"1111111111"},
		Modified: []string{"2222222222", "3333333333"},
		Removed:  []string{"4444444444"},
	}

	touched := diff.Touched()

	assert.ElementsMatch(t, []string{"2222222222", "3333333333", "4444444444"}, touched)
	assert.NotContains(t, touched, "1111111111", "added identifiers were never cached")
}

func TestTouchedEmptyDiff(t *testing.T) {
	assert.Empty(t, CategoryDiff{Category: registry.CategoryDispatch}.Touched())
}

func TestTouchedExcludesVetoedRemovals(t *testing.T) {
	// A vetoed removal leaves the rows in place, so their cached lookups
	// are still correct and must not be evicted. Removed stays empty and
	// only the count is carried.
	diff := CategoryDiff{
		Category:      registry.CategoryInvoice,
		VetoedRemoved: 3,
		Guard:         GuardDecision{Vetoed: true, RemovedCount: 3},
	}
	assert.Empty(t, diff.Touched())
}
