package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultGeminiURL      = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel    = "gemini-1.5-flash"
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 200 * time.Millisecond
	maxErrorBodyBytes     = 2048
)

// GeminiConfig configures the Gemini generateContent client.
type GeminiConfig struct {
	APIKey      string
	APIURL      string
	Model       string
	MaxAttempts uint
	HTTPClient  *http.Client
}

// GeminiClient is a Completer backed by the Gemini REST API.
type GeminiClient struct {
	client      *http.Client
	apiKey      string
	apiURL      string
	model       string
	maxAttempts uint
}

// NewGeminiClient builds a client. The caller's context bounds every request and retry.
func NewGeminiClient(cfg GeminiConfig) (*GeminiClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: gemini api key is empty", ErrAdvisorDisabled)
	}
	apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if apiURL == "" {
		apiURL = defaultGeminiURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiModel
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &GeminiClient{client: client, apiKey: cfg.APIKey, apiURL: apiURL, model: model, maxAttempts: maxAttempts}, nil
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// Complete sends prompt as a single user turn and returns the first candidate's text.
// Transport failures, 429 and 5xx responses are retried with exponential backoff.
func (client *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: geminiGenerationConfig{Temperature: 0.2, ResponseMimeType: "application/json"},
	})
	if err != nil {
		return "", fmt.Errorf("gemini: marshal request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", client.apiURL, client.model)

	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = defaultInitialBackoff
	return backoff.Retry(ctx, func() (string, error) {
		return client.send(ctx, endpoint, payload)
	}, backoff.WithBackOff(exponential), backoff.WithMaxTries(client.maxAttempts))
}

func (client *GeminiClient) send(ctx context.Context, endpoint string, payload []byte) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("gemini: create request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("x-goog-api-key", client.apiKey)

	response, err := client.client.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return "", backoff.Permanent(fmt.Errorf("gemini: request failed: %w", err))
		}
		return "", fmt.Errorf("gemini: request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		statusErr := fmt.Errorf("gemini: unexpected status %s: %s", response.Status, strings.TrimSpace(string(body)))
		if response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= http.StatusInternalServerError {
			return "", statusErr
		}
		return "", backoff.Permanent(statusErr)
	}

	var decoded geminiResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", backoff.Permanent(fmt.Errorf("gemini: decode response: %w", err))
	}
	for _, candidate := range decoded.Candidates {
		var text strings.Builder
		for _, part := range candidate.Content.Parts {
			text.WriteString(part.Text)
		}
		if text.Len() > 0 {
			return text.String(), nil
		}
	}
	return "", backoff.Permanent(errors.New("gemini: response has no text candidates"))
}
