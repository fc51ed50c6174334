package sync

// DefaultMaxRemovalPercent is the ceiling on the removed-to-current row
// ratio above which deletions are vetoed for a category.
const DefaultMaxRemovalPercent = 10.0

// GuardDecision is the removal guard's verdict for one category.
type GuardDecision struct {
	Vetoed       bool
	RemovedCount int
	CurrentCount int64
	Ratio        float64
}

// EvaluateRemovalGuard decides whether the pending deletions for a
// category look anomalous. A source snapshot that would remove more than
// maxPercent of the current canonical rows is treated as a bad export:
// deletions are vetoed, upserts still apply, and the run is downgraded to
// partial. An empty canonical store never vetoes.
func EvaluateRemovalGuard(removedCount int, currentCount int64, maxPercent float64) GuardDecision {
	decision := GuardDecision{
		RemovedCount: removedCount,
		CurrentCount: currentCount,
	}
	if removedCount == 0 || currentCount <= 0 {
		return decision
	}

	decision.Ratio = float64(removedCount) / float64(currentCount)
	decision.Vetoed = decision.Ratio > maxPercent/100.0
	return decision
}
