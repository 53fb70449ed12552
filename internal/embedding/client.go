package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	maxAttempts = 3

	// batchChunkSize bounds how many texts are embedded in parallel before
	// the client pauses, so batch re-scoring cannot burst the API.
	batchChunkSize = 10

	chunkConcurrency = 4
)

// Result is the outcome of embedding one text.
type Result struct {
	Vector         []float32
	NormalizedText string
	TokenCount     int
}

// Client talks to an OpenAI-compatible embeddings endpoint
// (POST {base}/v1/embeddings). Transient failures are retried with
// backoff; HTTP 429 backs off exponentially, other errors wait a fixed
// delay.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	retryDelay time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithRetryDelay overrides the base retry delay (tests use a short one).
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client for the given endpoint and model. maxTokens is the
// model's input budget; longer inputs are truncated before the call.
func New(baseURL, apiKey, model string, maxTokens int, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		maxTokens:  maxTokens,
		retryDelay: time.Second,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		// One batch chunk every 500ms keeps sustained batch load well
		// under typical embedding API rate limits.
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiError carries the HTTP status so the retry loop can distinguish rate
// limiting from other failures.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("embeddings API status %d: %s", e.status, e.body)
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed returns the embedding for a single text. Input beyond the model's
// token budget is truncated with a warning; the call is retried up to 3
// times (exponential backoff on 429, fixed delay otherwise) before the
// original error is returned with context.
func (c *Client) Embed(ctx context.Context, text string) (Result, error) {
	normalized := Truncate(text, c.maxTokens)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := c.embedOnce(ctx, normalized)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}

		delay := c.retryDelay
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.status == http.StatusTooManyRequests {
			delay = c.retryDelay * time.Duration(1<<(attempt-1))
		}
		slog.Warn("embedding call failed, retrying",
			"attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	return Result{}, fmt.Errorf("embedding text after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) embedOnce(ctx context.Context, text string) (Result, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Input: text})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decoding embed response: %w", err)
	}
	if len(result.Data) == 0 {
		return Result{}, fmt.Errorf("embed: empty data array")
	}

	tokens := result.Usage.TotalTokens
	if tokens == 0 {
		tokens = estimateTokens(text)
	}
	return Result{
		Vector:         result.Data[0].Embedding,
		NormalizedText: text,
		TokenCount:     tokens,
	}, nil
}

// EmbedBatch embeds texts in chunks of 10, pausing between chunks to
// respect API rate limits. Calls within a chunk run concurrently.
// Returns nil (not error) for empty/nil input, without issuing any call.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([]Result, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([]Result, len(texts))
	for start := 0; start < len(texts); start += batchChunkSize {
		if start > 0 {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		end := start + batchChunkSize
		if end > len(texts) {
			end = len(texts)
		}

		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(chunkConcurrency)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				res, err := c.Embed(gCtx, texts[i])
				if err != nil {
					return fmt.Errorf("embedding text %d: %w", i, err)
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return results, nil
}
