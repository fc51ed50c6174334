package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateRemovalGuard(t *testing.T) {
	tests := []struct {
		name       string
		removed    int
		current    int64
		maxPercent float64
		wantVeto   bool
	}{
		{"no removals", 0, 1000, 10, false},
		{"empty store", 500, 0, 10, false},
		{"well under ceiling", 50, 1000, 10, false},
		{"exactly at ceiling", 100, 1000, 10, false},
		{"just over ceiling", 101, 1000, 10, true},
		{"mass removal", 900, 1000, 10, true},
		{"everything removed", 1000, 1000, 10, true},
		{"custom ceiling", 30, 100, 25, true},
		{"custom ceiling under", 25, 100, 25, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := EvaluateRemovalGuard(tt.removed, tt.current, tt.maxPercent)
			assert.Equal(t, tt.wantVeto, decision.Vetoed)
			assert.Equal(t, tt.removed, decision.RemovedCount)
			assert.Equal(t, tt.current, decision.CurrentCount)
		})
	}
}

func TestEvaluateRemovalGuardRatio(t *testing.T) {
	decision := EvaluateRemovalGuard(250, 1000, 10)
	assert.InDelta(t, 0.25, decision.Ratio, 1e-9)
}
