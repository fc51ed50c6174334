package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplierDefaultsRetentionWindow(t *testing.T) {
	applier := NewTransactionalApplier(nil, nil, nil, nil, nil, NopMetrics{}, 0)
	assert.Equal(t, 30, applier.retentionDays)

	applier = NewTransactionalApplier(nil, nil, nil, nil, nil, NopMetrics{}, 7)
	assert.Equal(t, 7, applier.retentionDays)
}

func TestExporterDefaultsRetentionWindow(t *testing.T) {
	exporter := NewSnapshotExporter(nil, nil, nil, -1)
	assert.Equal(t, DefaultArchiveRetentionDays, exporter.retentionDays)
}
