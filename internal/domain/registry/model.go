// Package registry defines the domain model for the tax-registry user list:
// categories, canonical users, aliases, the change feed and run metadata.
package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category partitions the dataset into independent canonical stores.
// A given identifier may exist in zero, one, or both categories.
type Category int16

const (
	CategoryInvoice  Category = 1
	CategoryDispatch Category = 2
)

// Categories lists all categories in processing order.
var Categories = []Category{CategoryInvoice, CategoryDispatch}

// String returns the category slug used in URLs and cache keys.
func (c Category) String() string {
	switch c {
	case CategoryInvoice:
		return "invoice"
	case CategoryDispatch:
		return "dispatch"
	default:
		return fmt.Sprintf("category(%d)", int16(c))
	}
}

// DocumentTag is the document-type tag carried by source records that
// routes a record into this category.
func (c Category) DocumentTag() string {
	switch c {
	case CategoryInvoice:
		return "Invoice"
	case CategoryDispatch:
		return "DespatchAdvice"
	default:
		return ""
	}
}

// TableName is the canonical store table for this category. The mapping is
// closed at compile time; statement text is never built from external input.
func (c Category) TableName() string {
	switch c {
	case CategoryInvoice:
		return "invoice_users"
	case CategoryDispatch:
		return "dispatch_users"
	default:
		return ""
	}
}

// ViewName is the read-optimized materialized view for this category.
func (c Category) ViewName() string {
	switch c {
	case CategoryInvoice:
		return "mv_invoice_users"
	case CategoryDispatch:
		return "mv_dispatch_users"
	default:
		return ""
	}
}

// CachePrefix is the point-lookup cache key prefix for this category.
func (c Category) CachePrefix() string {
	return c.String()
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c == CategoryInvoice || c == CategoryDispatch
}

// ParseCategory maps a URL slug to a Category.
func ParseCategory(s string) (Category, error) {
	switch s {
	case "invoice":
		return CategoryInvoice, nil
	case "dispatch":
		return CategoryDispatch, nil
	default:
		return 0, fmt.Errorf("unknown category %q", s)
	}
}

// OriginList identifies which of the two source export lists a record
// (or alias) came from.
type OriginList string

const (
	OriginMailbox OriginList = "mailbox"
	OriginSender  OriginList = "sender"
)

// StagingTable is the bulk-load landing table for this origin list.
func (o OriginList) StagingTable() string {
	switch o {
	case OriginMailbox:
		return "registry_staging_mailbox"
	case OriginSender:
		return "registry_staging_sender"
	default:
		return ""
	}
}

// Alias is one registered alias of a canonical user. Class carries the
// origin list the alias came from, so the same name registered on both
// lists stays distinct.
type Alias struct {
	Name         string    `json:"name"`
	Class        string    `json:"class"`
	RegisteredAt time.Time `json:"registered_at"`
}

// User is the canonical entity for one (category, identifier) pair as
// served to consumers.
type User struct {
	Identifier        string    `db:"identifier" json:"identifier"`
	Title             string    `db:"title" json:"title"`
	AccountType       *string   `db:"account_type" json:"accountType,omitempty"`
	SubjectType       *string   `db:"subject_type" json:"subjectType,omitempty"`
	FirstRegisteredAt time.Time `db:"first_registered_at" json:"firstRegisteredAt"`
	Aliases           []Alias   `db:"-" json:"aliases,omitempty"`

	AliasesRaw []byte `db:"aliases" json:"-"`
}

// DecodeAliases fills Aliases from the raw JSONB column.
func (u *User) DecodeAliases() error {
	if len(u.AliasesRaw) == 0 {
		u.Aliases = nil
		return nil
	}
	return json.Unmarshal(u.AliasesRaw, &u.Aliases)
}

// ChangeKind classifies one change event.
type ChangeKind int16

const (
	ChangeAdded    ChangeKind = 1
	ChangeModified ChangeKind = 2
	ChangeRemoved  ChangeKind = 3
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return fmt.Sprintf("kind(%d)", int16(k))
	}
}

// ChangeEvent is one immutable row of the append-only change feed.
// Snapshot fields are nil for Removed events.
type ChangeEvent struct {
	ID                uuid.UUID  `db:"id"`
	Category          Category   `db:"category"`
	Identifier        string     `db:"identifier"`
	Kind              ChangeKind `db:"kind"`
	OccurredAt        time.Time  `db:"occurred_at"`
	Title             *string    `db:"title"`
	AccountType       *string    `db:"account_type"`
	SubjectType       *string    `db:"subject_type"`
	FirstRegisteredAt *time.Time `db:"first_registered_at"`
	AliasesRaw        []byte     `db:"aliases"`
}

// Run status values persisted in sync_run.last_status.
const (
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusFailed  = "failed"
)

// SyncRunKey is the fixed key of the singleton run-metadata row.
const SyncRunKey = "registry-user-sync"

// SyncRun summarizes the most recent sync attempt. Singleton per deployment.
type SyncRun struct {
	Key               string     `db:"key"`
	LastSuccessAt     *time.Time `db:"last_success_at"`
	InvoiceUserCount  int64      `db:"invoice_user_count"`
	DispatchUserCount int64      `db:"dispatch_user_count"`
	LastDurationMS    int64      `db:"last_duration_ms"`
	LastStatus        string     `db:"last_status"`
	LastError         *string    `db:"last_error"`
	LastAttemptAt     time.Time  `db:"last_attempt_at"`
	LastFailureAt     *time.Time `db:"last_failure_at"`
}

// ArchiveFile is the index entry for one exported snapshot archive.
// Content lives in blob storage; this row drives listing and retention.
type ArchiveFile struct {
	ID          uuid.UUID `db:"id"`
	Category    Category  `db:"category"`
	FileName    string    `db:"file_name"`
	SizeBytes   int64     `db:"size_bytes"`
	CreatedAt   time.Time `db:"created_at"`
	RecordCount int64     `db:"record_count"`
}
