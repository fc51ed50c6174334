package registry_repo

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertResultSQLCountsFromCanonicalTables(t *testing.T) {
	assert.Contains(t, upsertResultSQL, "(SELECT COUNT(*) FROM invoice_users)")
	assert.Contains(t, upsertResultSQL, "(SELECT COUNT(*) FROM dispatch_users)")

	// A committed apply wipes any previous failure state.
	assert.Contains(t, upsertResultSQL, "NULL, $5, NULL")
}

func TestUpdateStatusSQLPreservesCountsAndClearsFailureOnSuccess(t *testing.T) {
	for _, preserved := range []string{
		"(SELECT last_success_at FROM sync_run WHERE key = $1)",
		"(SELECT invoice_user_count FROM sync_run WHERE key = $1)",
		"(SELECT dispatch_user_count FROM sync_run WHERE key = $1)",
		"(SELECT last_duration_ms FROM sync_run WHERE key = $1)",
	} {
		assert.Contains(t, updateStatusSQL, preserved)
	}

	assert.Contains(t, updateStatusSQL, "WHEN EXCLUDED.last_status = 'success' THEN NULL")
	assert.Contains(t, updateStatusSQL, "ELSE sync_run.last_failure_at")
}

func TestRecordFailureSQLKeepsLastSuccess(t *testing.T) {
	assert.Contains(t, recordFailureSQL, "(SELECT last_success_at FROM sync_run WHERE key = $1)")
	assert.Contains(t, recordFailureSQL, "last_failure_at = EXCLUDED.last_failure_at")
}

func TestTrimError(t *testing.T) {
	assert.Nil(t, trimError(nil))

	short := "boom"
	require.NotNil(t, trimError(&short))
	assert.Equal(t, "boom", *trimError(&short))

	long := strings.Repeat("x", maxStoredErrorLength+50)
	trimmed := trimError(&long)
	require.NotNil(t, trimmed)
	assert.Len(t, *trimmed, maxStoredErrorLength)
}
