package sync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regsync/internal/domain/registry"
)

func TestStagingRowDropsDeletedAndUnnamedAliases(t *testing.T) {
	registered := time.Date(2021, 3, 15, 10, 30, 0, 0, time.UTC)
	deleted := registered.AddDate(2, 0, 0)

	record := Record{
		Identifier:        "1234567890",
		Title:             "Acme Trading Ltd",
		FirstRegisteredAt: registered,
		Documents: []RecordDocument{{
			Tag: "Invoice",
			Entries: []RecordAlias{
				{Names: []string{"urn:mail:live@example.com"}, RegisteredAt: registered},
				{Names: []string{"urn:mail:gone@example.com"}, RegisteredAt: registered, DeletedAt: &deleted},
				{Names: nil, RegisteredAt: registered},
				{Names: []string{""}, RegisteredAt: registered},
			},
		}},
	}

	row, err := stagingRow(record, registry.OriginMailbox)
	require.NoError(t, err)
	require.Len(t, row, len(stagingColumns))

	var docs []stagingDocument
	require.NoError(t, json.Unmarshal(row[6].([]byte), &docs))
	require.Len(t, docs, 1)
	require.Len(t, docs[0].Aliases, 1)
	assert.Equal(t, "urn:mail:live@example.com", docs[0].Aliases[0].Name)
	assert.Equal(t, "mailbox", docs[0].Aliases[0].Class)
}

func TestStagingRowTagsAliasesWithOrigin(t *testing.T) {
	record := Record{
		Identifier:        "9876543210",
		Title:             "Beta",
		FirstRegisteredAt: time.Now(),
		Documents: []RecordDocument{{
			Tag: "DespatchAdvice",
			Entries: []RecordAlias{
				{Names: []string{"urn:a", "urn:b"}, RegisteredAt: time.Now()},
			},
		}},
	}

	row, err := stagingRow(record, registry.OriginSender)
	require.NoError(t, err)

	var docs []stagingDocument
	require.NoError(t, json.Unmarshal(row[6].([]byte), &docs))
	require.Len(t, docs[0].Aliases, 2)
	for _, alias := range docs[0].Aliases {
		assert.Equal(t, "sender", alias.Class)
	}
}

func TestStagingRowTruncatesTimestampsToSeconds(t *testing.T) {
	registered := time.Date(2021, 3, 15, 10, 30, 0, 987654321, time.UTC)
	record := Record{
		Identifier:        "1234567890",
		Title:             "Acme",
		FirstRegisteredAt: registered,
	}

	row, err := stagingRow(record, registry.OriginMailbox)
	require.NoError(t, err)
	assert.Equal(t, registered.Truncate(time.Second), row[5])
}

func TestStagingRowNormalizesTitle(t *testing.T) {
	record := Record{
		Identifier:        "1234567890",
		Title:             "ISTANBUL TİCARET",
		FirstRegisteredAt: time.Now(),
	}

	row, err := stagingRow(record, registry.OriginMailbox)
	require.NoError(t, err)
	assert.Equal(t, registry.NormalizeTitle("ISTANBUL TİCARET"), row[2])
	assert.Equal(t, "ıstanbul ticaret", row[2])
}
