// Package model defines the domain types used across the application.
package model

import "time"

// Source represents a feed subscription.
type Source struct {
	ID           int64
	Title        string
	SiteURL      *string
	FeedURL      string
	Category     *string
	IsActive     bool
	FailureCount int
	ETag         *string
	LastModified *string
	LastSyncedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewSource holds the caller-supplied fields for creating or updating a
// source. Upserts are keyed on FeedURL.
type NewSource struct {
	Title    string
	SiteURL  *string
	FeedURL  string
	Category *string
	IsActive bool
}

// Entry represents a single article belonging to a source.
type Entry struct {
	ID              int64
	SourceID        int64
	SourceTitle     string
	GUID            *string
	Link            string
	Title           string
	TranslatedTitle *string
	Summary         *string
	Content         *string
	PublishedAt     *string
	IsRead          bool
	IsStarred       bool
	CreatedAt       time.Time
}

// FeedFormat identifies the wire format a feed was parsed from.
type FeedFormat string

// Supported feed formats.
const (
	FormatXML  FeedFormat = "xml"
	FormatJSON FeedFormat = "json"
)

// ParsedEntry is one normalized item from a parsed feed.
type ParsedEntry struct {
	ID          string
	Title       string
	Link        string
	Summary     *string
	Content     *string
	PublishedAt *string
}

// NormalizedFeed is the canonical representation of a parsed feed,
// independent of its wire format.
type NormalizedFeed struct {
	Format      FeedFormat
	Title       string
	HomePageURL *string
	FeedURL     *string
	Entries     []ParsedEntry
}

// SyncConfig holds the tunables for a batch sync pass. Values are read from
// settings at the start of each run so operators can change them without a
// restart.
type SyncConfig struct {
	Interval       time.Duration
	MaxConcurrency int
	BatchLimit     int
	Timeout        time.Duration
	MaxRetries     int
}

// DefaultSyncConfig returns the tunables used when no settings are stored.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Interval:       10 * time.Minute,
		MaxConcurrency: 4,
		BatchLimit:     50,
		Timeout:        20 * time.Second,
		MaxRetries:     2,
	}
}

// Clamp forces every tunable into its safe range. Out-of-range input is
// clamped, not rejected.
func (c *SyncConfig) Clamp() {
	c.Interval = clampDuration(c.Interval, 60*time.Second, 3600*time.Second)
	c.MaxConcurrency = clampInt(c.MaxConcurrency, 1, 16)
	c.BatchLimit = clampInt(c.BatchLimit, 1, 200)
	c.Timeout = clampDuration(c.Timeout, 5*time.Second, 60*time.Second)
	c.MaxRetries = clampInt(c.MaxRetries, 0, 4)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SyncState describes whether a batch sync is currently in flight.
type SyncState string

// Sync run states.
const (
	StateIdle    SyncState = "idle"
	StateRunning SyncState = "running"
)

// SyncStatus is a read-only snapshot of the most recent batch sync run.
type SyncStatus struct {
	State         SyncState
	StartedAt     *time.Time
	FinishedAt    *time.Time
	SyncedSources int
	FailedSources int
	TotalEntries  int
	Err           string
}
