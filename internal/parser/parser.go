// Package parser normalizes raw feed bytes into the canonical entry model.
//
// Two wire formats are supported: XML syndication feeds (RSS/Atom, parsed
// with gofeed) and the JSON Feed object format. The format is sniffed from
// the first non-whitespace byte.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/oaeen/rssr/internal/model"
)

// Fallback values for absent titles and identifiers.
const (
	untitledFeed  = "Untitled Feed"
	untitledEntry = "Untitled Entry"
	unknownID     = "unknown"
)

// ErrEmptyPayload reports a blank or whitespace-only feed payload.
var ErrEmptyPayload = errors.New("feed payload is empty")

type jsonFeed struct {
	Title       *string        `json:"title"`
	HomePageURL *string        `json:"home_page_url"`
	FeedURL     *string        `json:"feed_url"`
	Items       []jsonFeedItem `json:"items"`
}

type jsonFeedItem struct {
	ID            *string `json:"id"`
	Title         *string `json:"title"`
	URL           *string `json:"url"`
	Summary       *string `json:"summary"`
	ContentText   *string `json:"content_text"`
	ContentHTML   *string `json:"content_html"`
	DatePublished *string `json:"date_published"`
}

// Parse normalizes raw feed bytes into a NormalizedFeed. A leading '{'
// selects the JSON Feed format; anything else is treated as XML.
func Parse(raw []byte) (*model.NormalizedFeed, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, ErrEmptyPayload
	}
	if trimmed[0] == '{' {
		return parseJSON(trimmed)
	}
	return parseXML(trimmed)
}

// DedupKey derives the stable cross-format identity of an entry within a
// feed. An entry id is preferred, then the link; entries lacking both fall
// back to title plus published time. The preference order matters: absence
// of an id or link must not collide unrelated entries that merely share a
// title.
func DedupKey(feedURL string, entry model.ParsedEntry) string {
	if id := trimmed(entry.ID); id != "" {
		return fmt.Sprintf("%s::id::%s", feedURL, id)
	}
	if link := trimmed(entry.Link); link != "" {
		return fmt.Sprintf("%s::link::%s", feedURL, link)
	}
	published := ""
	if entry.PublishedAt != nil {
		published = *entry.PublishedAt
	}
	return fmt.Sprintf("%s::fallback::%s::%s", feedURL, trimmed(entry.Title), published)
}

func parseXML(raw []byte) (*model.NormalizedFeed, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse xml feed: %w", err)
	}

	title := feed.Title
	if title == "" {
		title = untitledFeed
	}
	var homePage *string
	if feed.Link != "" {
		link := feed.Link
		homePage = &link
	}

	entries := make([]model.ParsedEntry, 0, len(feed.Items))
	for _, item := range feed.Items {
		entries = append(entries, entryFromXML(item))
	}

	return &model.NormalizedFeed{
		Format:      model.FormatXML,
		Title:       title,
		HomePageURL: homePage,
		Entries:     entries,
	}, nil
}

func entryFromXML(item *gofeed.Item) model.ParsedEntry {
	id := item.GUID
	if trimmed(id) == "" {
		id = item.Link
	}
	if id == "" {
		id = unknownID
	}

	title := item.Title
	if title == "" {
		title = untitledEntry
	}

	var summary *string
	if item.Description != "" {
		desc := item.Description
		summary = &desc
	}
	var content *string
	if item.Content != "" {
		body := item.Content
		content = &body
	}

	// An explicit published timestamp wins over updated.
	var published *string
	if ts := item.PublishedParsed; ts != nil {
		v := ts.UTC().Format(time.RFC3339)
		published = &v
	} else if ts := item.UpdatedParsed; ts != nil {
		v := ts.UTC().Format(time.RFC3339)
		published = &v
	}

	return model.ParsedEntry{
		ID:          id,
		Title:       title,
		Link:        item.Link,
		Summary:     summary,
		Content:     content,
		PublishedAt: published,
	}
}

func parseJSON(raw []byte) (*model.NormalizedFeed, error) {
	var feed jsonFeed
	if err := json.Unmarshal(raw, &feed); err != nil {
		return nil, fmt.Errorf("parse json feed: %w", err)
	}

	title := untitledFeed
	if feed.Title != nil && *feed.Title != "" {
		title = *feed.Title
	}

	entries := make([]model.ParsedEntry, 0, len(feed.Items))
	for _, item := range feed.Items {
		entries = append(entries, entryFromJSON(item))
	}

	return &model.NormalizedFeed{
		Format:      model.FormatJSON,
		Title:       title,
		HomePageURL: feed.HomePageURL,
		FeedURL:     feed.FeedURL,
		Entries:     entries,
	}, nil
}

func entryFromJSON(item jsonFeedItem) model.ParsedEntry {
	id := unknownID
	if item.ID != nil && *item.ID != "" {
		id = *item.ID
	} else if item.URL != nil && *item.URL != "" {
		id = *item.URL
	}

	title := untitledEntry
	if item.Title != nil && *item.Title != "" {
		title = *item.Title
	}

	link := ""
	if item.URL != nil {
		link = *item.URL
	}

	// HTML content wins over plain text when both are present.
	content := item.ContentHTML
	if content == nil {
		content = item.ContentText
	}

	return model.ParsedEntry{
		ID:          id,
		Title:       title,
		Link:        link,
		Summary:     item.Summary,
		Content:     content,
		PublishedAt: item.DatePublished,
	}
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
