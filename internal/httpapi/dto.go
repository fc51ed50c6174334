// Package httpapi exposes the registry read API and run status over HTTP.
// The sync pipeline never goes through this layer; it serves consumers.
package httpapi

import (
	"path"
	"time"

	"regsync/internal/domain/registry"
)

// UserResponse is the consumer-facing shape of one registry user.
type UserResponse struct {
	Identifier        string          `json:"identifier"`
	Title             string          `json:"title"`
	AccountType       *string         `json:"accountType,omitempty"`
	SubjectType       *string         `json:"subjectType,omitempty"`
	FirstRegisteredAt time.Time       `json:"firstRegisteredAt"`
	Aliases           []AliasResponse `json:"aliases"`
}

// AliasResponse is one registered alias.
type AliasResponse struct {
	Name         string    `json:"name"`
	Class        string    `json:"class"`
	RegisteredAt time.Time `json:"registeredAt"`
}

func toUserResponse(u *registry.User) UserResponse {
	aliases := make([]AliasResponse, 0, len(u.Aliases))
	for _, a := range u.Aliases {
		aliases = append(aliases, AliasResponse{
			Name:         a.Name,
			Class:        a.Class,
			RegisteredAt: a.RegisteredAt,
		})
	}
	return UserResponse{
		Identifier:        u.Identifier,
		Title:             u.Title,
		AccountType:       u.AccountType,
		SubjectType:       u.SubjectType,
		FirstRegisteredAt: u.FirstRegisteredAt,
		Aliases:           aliases,
	}
}

// BatchLookupRequest is the body of the batch point-lookup endpoint.
type BatchLookupRequest struct {
	Identifiers []string `json:"identifiers"`
}

// BatchLookupResponse carries found users plus the identifiers that
// matched nothing, so consumers need no client-side diffing.
type BatchLookupResponse struct {
	Items          []UserResponse `json:"items"`
	NotFound       []string       `json:"notFound"`
	TotalRequested int            `json:"totalRequested"`
	TotalFound     int            `json:"totalFound"`
}

// SearchResponse is one page of title/identifier search results.
type SearchResponse struct {
	Items      []UserResponse `json:"items"`
	TotalCount int64          `json:"totalCount"`
	Page       int            `json:"page"`
	PageSize   int            `json:"pageSize"`
}

// ChangeResponse is one delta-feed event. Snapshot fields are absent for
// removals.
type ChangeResponse struct {
	Identifier        string          `json:"identifier"`
	ChangeType        string          `json:"changeType"`
	OccurredAt        time.Time       `json:"occurredAt"`
	Title             *string         `json:"title,omitempty"`
	AccountType       *string         `json:"accountType,omitempty"`
	SubjectType       *string         `json:"subjectType,omitempty"`
	FirstRegisteredAt *time.Time      `json:"firstRegisteredAt,omitempty"`
	Aliases           []AliasResponse `json:"aliases,omitempty"`
}

// ChangesResponse is one page of the delta feed. Until is the effective
// upper bound; passing it as the next request's since yields a gapless
// chain.
type ChangesResponse struct {
	Changes    []ChangeResponse `json:"changes"`
	TotalCount int64            `json:"totalCount"`
	Page       int              `json:"page"`
	PageSize   int              `json:"pageSize"`
	Until      time.Time        `json:"until"`
}

// ArchiveResponse is one snapshot-archive index entry.
type ArchiveResponse struct {
	FileName    string    `json:"fileName"`
	Category    string    `json:"category"`
	SizeBytes   int64     `json:"sizeBytes"`
	CreatedAt   time.Time `json:"createdAt"`
	RecordCount int64     `json:"recordCount"`
}

// toArchiveResponse strips the storage prefix: clients see the bare
// name they can feed back into the download route.
func toArchiveResponse(f registry.ArchiveFile) ArchiveResponse {
	return ArchiveResponse{
		FileName:    path.Base(f.FileName),
		Category:    f.Category.String(),
		SizeBytes:   f.SizeBytes,
		CreatedAt:   f.CreatedAt,
		RecordCount: f.RecordCount,
	}
}

// StatusResponse is the run-metadata snapshot served at /api/status.
type StatusResponse struct {
	LastSuccessAt     *time.Time `json:"lastSuccessAt"`
	InvoiceUserCount  int64      `json:"invoiceUserCount"`
	DispatchUserCount int64      `json:"dispatchUserCount"`
	LastDurationMS    int64      `json:"lastDurationMs"`
	LastStatus        string     `json:"lastStatus"`
	LastError         *string    `json:"lastError,omitempty"`
	LastAttemptAt     time.Time  `json:"lastAttemptAt"`
	LastFailureAt     *time.Time `json:"lastFailureAt,omitempty"`
}
