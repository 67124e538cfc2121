// Package llm is the client for the external text-generation service.
//
// The service is treated as a black-box chat-completion capability: given a
// system prompt and a user prompt, it returns generated text. Configuration
// is validated as a pure precondition before any network attempt.
package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const maxErrorBodySize = 8 * 1024

// ConfigKey is the settings key under which the service configuration is
// stored as JSON.
const ConfigKey = "llm_config"

// Sentinel errors for configuration and response validation.
var (
	ErrInvalidConfig   = errors.New("invalid llm config")
	ErrNotConfigured   = errors.New("llm is not configured")
	ErrInvalidResponse = errors.New("invalid completion response")
)

// Config holds the generation-service credentials and tunables.
type Config struct {
	BaseURL     string `json:"base_url"`
	APIKey      string `json:"api_key"`
	Model       string `json:"model"`
	TimeoutSecs int    `json:"timeout_secs"`
}

// Validate checks that every field is usable. It never touches the network.
func (c Config) Validate() error {
	base := strings.TrimSpace(c.BaseURL)
	switch {
	case base == "":
		return fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	case !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://"):
		return fmt.Errorf("%w: base url must start with http:// or https://", ErrInvalidConfig)
	case strings.TrimSpace(c.APIKey) == "":
		return fmt.Errorf("%w: api key is required", ErrInvalidConfig)
	case strings.TrimSpace(c.Model) == "":
		return fmt.Errorf("%w: model is required", ErrInvalidConfig)
	case c.TimeoutSecs <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// RequestError reports a transport-level failure calling the service.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string { return fmt.Sprintf("llm request failed: %v", e.Err) }

func (e *RequestError) Unwrap() error { return e.Err }

// StatusError reports a non-2xx response, carrying the body for diagnosis.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm returned status %d: %s", e.Code, e.Body)
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client calls the chat-completion endpoint of the generation service.
type Client struct {
	client HTTPClient
}

// NewClient creates a Client with the given HTTP client.
func NewClient(client HTTPClient) *Client {
	return &Client{client: client}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate sends the prompts to the service and returns the generated text.
// The configured timeout bounds the whole call.
func (c *Client) Generate(ctx context.Context, cfg Config, systemPrompt, userPrompt string) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	payload, err := json.Marshal(chatRequest{
		Model: cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutSecs)*time.Second)
	defer cancel()

	url := strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &RequestError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrInvalidResponse)
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty content", ErrInvalidResponse)
	}
	return content, nil
}

// Hash computes the content-addressed cache key for a generation task. The
// explicit separators keep field boundaries from colliding.
func Hash(taskType, mdl, input string) string {
	h := sha256.New()
	h.Write([]byte(taskType))
	h.Write([]byte("::"))
	h.Write([]byte(mdl))
	h.Write([]byte("::"))
	h.Write([]byte(input))
	return hex.EncodeToString(h.Sum(nil))
}

// SettingsReader is the slice of the storage layer the config resolver needs.
type SettingsReader interface {
	GetSetting(ctx context.Context, key string) (*string, error)
}

// ResolveConfig loads the service configuration, preferring the persisted
// setting over environment variables. The result is always validated.
func ResolveConfig(ctx context.Context, settings SettingsReader) (Config, error) {
	raw, err := settings.GetSetting(ctx, ConfigKey)
	if err != nil {
		return Config{}, fmt.Errorf("load llm config: %w", err)
	}
	if raw != nil {
		var cfg Config
		if err := json.Unmarshal([]byte(*raw), &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		return cfg, cfg.Validate()
	}

	cfg := Config{
		BaseURL:     os.Getenv("RSSR_LLM_BASE_URL"),
		APIKey:      os.Getenv("RSSR_LLM_API_KEY"),
		Model:       os.Getenv("RSSR_LLM_MODEL"),
		TimeoutSecs: 30,
	}
	if strings.TrimSpace(cfg.BaseURL) == "" && strings.TrimSpace(cfg.APIKey) == "" && strings.TrimSpace(cfg.Model) == "" {
		return Config{}, ErrNotConfigured
	}
	return cfg, cfg.Validate()
}
