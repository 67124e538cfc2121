// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"

	"github.com/oaeen/rssr/internal/model"
)

// EntryFilter narrows the result set of ListEntries. A nil SourceID matches
// all sources; an empty Search matches everything.
type EntryFilter struct {
	SourceID   *int64
	Search     string
	UnreadOnly bool
	Limit      int
}

// Storage is the interface for all persistence operations.
type Storage interface {
	UpsertSource(ctx context.Context, src model.NewSource) (*model.Source, error)
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	ListSources(ctx context.Context) ([]model.Source, error)
	ListSyncCandidates(ctx context.Context, limit int) ([]model.Source, error)
	DeleteSource(ctx context.Context, id int64) error
	SetSourcesActive(ctx context.Context, ids []int64, active bool) (int64, error)
	RecordSyncSuccess(ctx context.Context, sourceID int64, etag, lastModified *string) error
	RecordSyncFailure(ctx context.Context, sourceID int64) error

	UpsertEntries(ctx context.Context, sourceID int64, entries []model.ParsedEntry) (int, error)
	GetEntry(ctx context.Context, id int64) (*model.Entry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]model.Entry, error)
	MarkEntryRead(ctx context.Context, id int64, read bool) (int64, error)
	MarkEntryStarred(ctx context.Context, id int64, starred bool) (int64, error)
	ListEntriesPendingTranslation(ctx context.Context, limit int) ([]model.Entry, error)
	SetEntryTranslatedTitle(ctx context.Context, entryID int64, text string) error

	GetSetting(ctx context.Context, key string) (*string, error)
	SetSetting(ctx context.Context, key, value string) error

	GetLLMCache(ctx context.Context, taskType, mdl, hash string) (*string, error)
	SetLLMCache(ctx context.Context, taskType, mdl, hash, output string) error

	Close() error
}
