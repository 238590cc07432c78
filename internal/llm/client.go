// Package llm is the stateless adapter to the local Ollama runtime:
// availability probes, non-streaming generation and structured-reply parsing.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"optimus/internal/logging"
)

const (
	defaultTimeout      = 500 * time.Second
	defaultProbeTimeout = 5 * time.Second
	defaultTemperature  = 0.3
	defaultTopP         = 0.9
	defaultMaxTokens    = 1024
)

// Config configures the Ollama client.
type Config struct {
	BaseURL      string
	Timeout      time.Duration // hard per-generation timeout
	ProbeTimeout time.Duration // availability probe timeout
}

// UpstreamError reports a non-2xx reply from the runtime.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("ollama request failed: status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// HTTPStatus exposes the status code for transient-error classification.
func (e *UpstreamError) HTTPStatus() int { return e.StatusCode }

// GenerateOptions tunes one generation call. Zero values fall back to the
// defaults (temperature 0.3, top_p 0.9, num_predict 1024).
type GenerateOptions struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Client talks to one Ollama server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	probeClient *http.Client
	logger      logging.Logger
}

// NewClient creates a Client against config.BaseURL.
func NewClient(config Config, logger logging.Logger) *Client {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	probeTimeout := config.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}

	return &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: timeout},
		probeClient: &http.Client{Timeout: probeTimeout},
		logger:      logging.OrNop(logger),
	}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// IsAvailable reports whether model can serve requests. It checks the model
// catalog first and falls back to a minimal generation probe. Any transport
// failure counts as unavailable.
func (c *Client) IsAvailable(ctx context.Context, model string) bool {
	if c.modelInCatalog(ctx, model) {
		return true
	}
	return c.generationProbe(ctx, model)
}

func (c *Client) modelInCatalog(ctx context.Context, model string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.probeClient.Do(req)
	if err != nil {
		c.logger.Debug("tags probe failed: %v", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false
	}
	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false
	}
	for _, m := range tags.Models {
		if m.Name == model {
			return true
		}
	}
	return false
}

func (c *Client) generationProbe(ctx context.Context, model string) bool {
	body, err := json.Marshal(generateRequest{Model: model, Prompt: "test", Stream: false})
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.probeClient.Do(req)
	if err != nil {
		c.logger.Debug("availability probe for %s failed: %v", model, err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Generate sends one non-streaming generation request and parses the model's
// reply into a map. A non-2xx response surfaces as *UpstreamError.
func (c *Client) Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (map[string]any, error) {
	temperature := opts.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}
	topP := opts.TopP
	if topP <= 0 {
		topP = defaultTopP
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	payload, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
		Options: map[string]any{
			"temperature": temperature,
			"top_p":       topP,
			"num_predict": maxTokens,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama generate: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var response generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", response.Error)
	}

	return ParseReply(response.Response), nil
}
