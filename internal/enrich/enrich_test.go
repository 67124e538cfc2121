package enrich

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/oaeen/rssr/internal/llm"
	"github.com/oaeen/rssr/internal/model"
	"github.com/oaeen/rssr/internal/storage"
)

const testLLMConfig = `{"base_url":"https://llm.example.com","api_key":"sk-test","model":"test-model","timeout_secs":10}`

type mockGenerator struct {
	calls   int
	prompts []string
	respond func(userPrompt string) (string, error)
}

func (m *mockGenerator) Generate(_ context.Context, _ llm.Config, _, userPrompt string) (string, error) {
	m.calls++
	m.prompts = append(m.prompts, userPrompt)
	return m.respond(userPrompt)
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestEnricher(t *testing.T, store *storage.SQLite, gen Generator) *Enricher {
	t.Helper()
	if err := store.SetSetting(context.Background(), llm.ConfigKey, testLLMConfig); err != nil {
		t.Fatalf("set llm config: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, gen, log)
}

func seedEntries(t *testing.T, store *storage.SQLite, feedURL string, titles []string) []model.Entry {
	t.Helper()
	ctx := context.Background()

	src, err := store.UpsertSource(ctx, model.NewSource{
		Title: "Test Feed", FeedURL: feedURL, IsActive: true,
	})
	if err != nil {
		t.Fatalf("upsert source: %v", err)
	}

	var parsed []model.ParsedEntry
	for i, title := range titles {
		parsed = append(parsed, model.ParsedEntry{
			ID:    title,
			Title: title,
			Link:  feedURL + "/" + strings.ReplaceAll(title, " ", "-") + "-" + string(rune('a'+i)),
		})
	}
	if _, err := store.UpsertEntries(ctx, src.ID, parsed); err != nil {
		t.Fatalf("upsert entries: %v", err)
	}

	sourceID := src.ID
	entries, err := store.ListEntries(ctx, storage.EntryFilter{SourceID: &sourceID})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	return entries
}

func TestTranslateTitles(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gen := &mockGenerator{respond: func(string) (string, error) { return "译文", nil }}
	e := newTestEnricher(t, store, gen)

	seedEntries(t, store, "https://a.example.com/feed", []string{"Hello", "World"})

	stats, err := e.TranslateTitles(ctx, 20)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	want := TranslateStats{Translated: 2}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(2, gen.calls); diff != "" {
		t.Errorf("generator calls mismatch (-want +got):\n%s", diff)
	}

	entries, err := store.ListEntries(ctx, storage.EntryFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, entry := range entries {
		if entry.TranslatedTitle == nil || *entry.TranslatedTitle != "译文" {
			t.Errorf("entry %d missing translated title", entry.ID)
		}
	}
}

func TestTranslateTitlesUsesCache(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gen := &mockGenerator{respond: func(string) (string, error) { return "译文", nil }}
	e := newTestEnricher(t, store, gen)

	seedEntries(t, store, "https://a.example.com/feed", []string{"Hello", "World"})
	if _, err := e.TranslateTitles(ctx, 20); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	// A second feed carrying the same titles must be served from cache.
	seedEntries(t, store, "https://b.example.com/feed", []string{"Hello", "World"})
	stats, err := e.TranslateTitles(ctx, 20)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	want := TranslateStats{Cached: 2}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(2, gen.calls); diff != "" {
		t.Errorf("cache hits must not call the generator (-want +got):\n%s", diff)
	}
}

func TestTranslateTitlesIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gen := &mockGenerator{respond: func(userPrompt string) (string, error) {
		if strings.Contains(userPrompt, "Broken") {
			return "", errors.New("model exploded")
		}
		return "译文", nil
	}}
	e := newTestEnricher(t, store, gen)

	seedEntries(t, store, "https://a.example.com/feed", []string{"Good one", "Broken one", "Another good"})

	stats, err := e.TranslateTitles(ctx, 20)
	if err != nil {
		t.Fatalf("a partial failure must not fail the batch: %v", err)
	}
	want := TranslateStats{Translated: 2, Failed: 1}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestTranslateTitlesAllFailed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gen := &mockGenerator{respond: func(string) (string, error) {
		return "", errors.New("model exploded")
	}}
	e := newTestEnricher(t, store, gen)

	seedEntries(t, store, "https://a.example.com/feed", []string{"One", "Two"})

	stats, err := e.TranslateTitles(ctx, 20)
	if err == nil {
		t.Fatal("expected error when every generation fails")
	}
	want := TranslateStats{Failed: 2}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestTranslateTitlesNotConfigured(t *testing.T) {
	t.Setenv("RSSR_LLM_BASE_URL", "")
	t.Setenv("RSSR_LLM_API_KEY", "")
	t.Setenv("RSSR_LLM_MODEL", "")

	store := newTestStore(t)
	gen := &mockGenerator{respond: func(string) (string, error) { return "x", nil }}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(store, gen, log)

	_, err := e.TranslateTitles(context.Background(), 20)
	if !errors.Is(err, llm.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if gen.calls != 0 {
		t.Error("expected no generator calls without configuration")
	}
}

func TestSummarizeEntryWritesThroughCache(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gen := &mockGenerator{respond: func(string) (string, error) { return "摘要要点", nil }}
	e := newTestEnricher(t, store, gen)

	entries := seedEntries(t, store, "https://a.example.com/feed", []string{"Deep dive"})
	entryID := entries[0].ID

	first, err := e.SummarizeEntry(ctx, entryID)
	if err != nil {
		t.Fatalf("first summarize: %v", err)
	}
	if diff := cmp.Diff("摘要要点", first); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	second, err := e.SummarizeEntry(ctx, entryID)
	if err != nil {
		t.Fatalf("second summarize: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("cached summary mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(1, gen.calls); diff != "" {
		t.Errorf("second call must be served from cache (-want +got):\n%s", diff)
	}
}

func TestSummarizeEntryMissing(t *testing.T) {
	store := newTestStore(t)
	gen := &mockGenerator{respond: func(string) (string, error) { return "x", nil }}
	e := newTestEnricher(t, store, gen)

	if _, err := e.SummarizeEntry(context.Background(), 999); err == nil {
		t.Fatal("expected error for missing entry")
	}
}

func TestTranslateEntryCacheIsPerLanguage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gen := &mockGenerator{respond: func(userPrompt string) (string, error) {
		if strings.Contains(userPrompt, "German") {
			return "Deutsch", nil
		}
		return "Français", nil
	}}
	e := newTestEnricher(t, store, gen)

	entries := seedEntries(t, store, "https://a.example.com/feed", []string{"Polyglot post"})
	entryID := entries[0].ID

	german, err := e.TranslateEntry(ctx, entryID, "German")
	if err != nil {
		t.Fatalf("translate german: %v", err)
	}
	french, err := e.TranslateEntry(ctx, entryID, "French")
	if err != nil {
		t.Fatalf("translate french: %v", err)
	}
	if german == french {
		t.Error("different target languages must not share a cache slot")
	}
	if diff := cmp.Diff(2, gen.calls); diff != "" {
		t.Errorf("generator calls mismatch (-want +got):\n%s", diff)
	}

	// Repeating a language is a cache hit.
	if _, err := e.TranslateEntry(ctx, entryID, "German"); err != nil {
		t.Fatalf("repeat german: %v", err)
	}
	if diff := cmp.Diff(2, gen.calls); diff != "" {
		t.Errorf("repeat must be served from cache (-want +got):\n%s", diff)
	}
}

func TestCheckConnection(t *testing.T) {
	store := newTestStore(t)
	gen := &mockGenerator{respond: func(string) (string, error) { return "ok", nil }}
	e := newTestEnricher(t, store, gen)

	got, err := e.CheckConnection(context.Background())
	if err != nil {
		t.Fatalf("check connection: %v", err)
	}
	if diff := cmp.Diff("ok", got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}
