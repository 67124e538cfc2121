// Package enrich augments entries with generated text, cached by content
// hash so identical paid calls are never repeated.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oaeen/rssr/internal/llm"
	"github.com/oaeen/rssr/internal/model"
	"github.com/oaeen/rssr/internal/storage"
)

// Task types used as cache-key prefixes.
const (
	TaskTitleTranslate = "title_translate_zh"
	TaskSummary        = "summary"
)

const maxContentRunes = 8000

// Generator produces text from a system and a user prompt under a resolved
// service configuration.
type Generator interface {
	Generate(ctx context.Context, cfg llm.Config, systemPrompt, userPrompt string) (string, error)
}

// TranslateStats aggregates the outcome of one title-translation batch.
type TranslateStats struct {
	Translated int
	Cached     int
	Skipped    int
	Failed     int
}

// Enricher runs generation tasks against stored entries.
type Enricher struct {
	store     storage.Storage
	generator Generator
	log       *slog.Logger
}

// New creates an Enricher.
func New(store storage.Storage, generator Generator, log *slog.Logger) *Enricher {
	return &Enricher{store: store, generator: generator, log: log}
}

// TranslateTitles translates the titles of entries that lack one, bounded to
// limit entries per invocation. Results are cached by content hash and
// written back to both the entry and the cache. Failures are isolated per
// entry: a failed generation is counted and logged, and the rest of the
// batch continues. An error is returned only when the store fails or every
// attempted generation failed.
func (e *Enricher) TranslateTitles(ctx context.Context, limit int) (TranslateStats, error) {
	var stats TranslateStats

	cfg, err := llm.ResolveConfig(ctx, e.store)
	if err != nil {
		return stats, err
	}

	entries, err := e.store.ListEntriesPendingTranslation(ctx, limit)
	if err != nil {
		return stats, fmt.Errorf("list pending entries: %w", err)
	}

	var firstErr error
	attempted := 0
	for _, entry := range entries {
		title := strings.TrimSpace(entry.Title)
		if title == "" {
			stats.Skipped++
			continue
		}

		hash := llm.Hash(TaskTitleTranslate, cfg.Model, title)
		cached, err := e.store.GetLLMCache(ctx, TaskTitleTranslate, cfg.Model, hash)
		if err != nil {
			return stats, fmt.Errorf("check cache: %w", err)
		}
		if cached != nil {
			if err := e.store.SetEntryTranslatedTitle(ctx, entry.ID, *cached); err != nil {
				return stats, fmt.Errorf("store translated title: %w", err)
			}
			stats.Cached++
			continue
		}

		attempted++
		output, err := e.generator.Generate(ctx, cfg,
			"You are a professional technical translator.",
			"将下面的文章标题翻译成简体中文，只输出译文，不要添加任何解释：\n\n"+title,
		)
		if err != nil {
			stats.Failed++
			if firstErr == nil {
				firstErr = err
			}
			e.log.Error("translate title", "entry_id", entry.ID, "error", err)
			continue
		}

		if err := e.store.SetEntryTranslatedTitle(ctx, entry.ID, output); err != nil {
			return stats, fmt.Errorf("store translated title: %w", err)
		}
		if err := e.store.SetLLMCache(ctx, TaskTitleTranslate, cfg.Model, hash, output); err != nil {
			return stats, fmt.Errorf("store cache: %w", err)
		}
		stats.Translated++
	}

	if attempted > 0 && stats.Failed == attempted {
		return stats, fmt.Errorf("all %d translations failed: %w", attempted, firstErr)
	}
	return stats, nil
}

// SummarizeEntry generates (or reuses) a summary for a single entry. Errors
// surface to the caller.
func (e *Enricher) SummarizeEntry(ctx context.Context, entryID int64) (string, error) {
	return e.generateForEntry(ctx, entryID, TaskSummary,
		"You summarize technical articles in concise Chinese.",
		func(input string) string {
			return "请总结下面这篇文章，输出 5 条以内要点：\n\n" + input
		})
}

// TranslateEntry generates (or reuses) a translation of a single entry into
// the target language.
func (e *Enricher) TranslateEntry(ctx context.Context, entryID int64, targetLanguage string) (string, error) {
	task := "translate:" + strings.ToLower(targetLanguage)
	return e.generateForEntry(ctx, entryID, task,
		"You are a professional technical translator.",
		func(input string) string {
			return fmt.Sprintf("Translate the following article into %s. Keep formatting simple and readable.\n\n%s",
				targetLanguage, input)
		})
}

// CheckConnection performs a minimal round trip against the configured
// service to verify credentials.
func (e *Enricher) CheckConnection(ctx context.Context) (string, error) {
	cfg, err := llm.ResolveConfig(ctx, e.store)
	if err != nil {
		return "", err
	}
	return e.generator.Generate(ctx, cfg,
		"You are a connectivity checker.",
		"Reply with exactly: ok")
}

func (e *Enricher) generateForEntry(ctx context.Context, entryID int64, task, systemPrompt string, userPrompt func(string) string) (string, error) {
	cfg, err := llm.ResolveConfig(ctx, e.store)
	if err != nil {
		return "", err
	}

	entry, err := e.store.GetEntry(ctx, entryID)
	if err != nil {
		return "", fmt.Errorf("load entry: %w", err)
	}
	if entry == nil {
		return "", fmt.Errorf("entry %d not found", entryID)
	}

	input := buildEntryInput(entry)
	hash := llm.Hash(task, cfg.Model, input)
	cached, err := e.store.GetLLMCache(ctx, task, cfg.Model, hash)
	if err != nil {
		return "", fmt.Errorf("check cache: %w", err)
	}
	if cached != nil {
		return *cached, nil
	}

	output, err := e.generator.Generate(ctx, cfg, systemPrompt, userPrompt(input))
	if err != nil {
		return "", err
	}
	if err := e.store.SetLLMCache(ctx, task, cfg.Model, hash, output); err != nil {
		return "", fmt.Errorf("store cache: %w", err)
	}
	return output, nil
}

func buildEntryInput(entry *model.Entry) string {
	blocks := []string{
		"Title: " + entry.Title,
		"Link: " + entry.Link,
	}
	if entry.Summary != nil && *entry.Summary != "" {
		blocks = append(blocks, "Summary: "+*entry.Summary)
	}
	if entry.Content != nil && *entry.Content != "" {
		text := []rune(*entry.Content)
		if len(text) > maxContentRunes {
			text = text[:maxContentRunes]
		}
		blocks = append(blocks, "Content:\n"+string(text))
	}
	return strings.Join(blocks, "\n\n")
}
