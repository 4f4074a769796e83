// Package inference provides the HTTP client for the model-serving backend.
// The backend speaks the OpenAI-compatible chat-completions protocol and is
// treated as a black box: requests carry a prompt plus an embedded page
// image, responses carry generated text and token usage.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Lllllllleong/ocrflow/internal/logger"
	"github.com/Lllllllleong/ocrflow/internal/metrics"
)

// Message is one chat message in a completion request.
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is a text or image part of a message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries a data-URL encoded page image.
type ImageURL struct {
	URL string `json:"url"`
}

// Request is the completion request payload.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type responseBody struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Completion is a parsed successful response.
type Completion struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Config holds inference client settings.
type Config struct {
	BaseURL        string
	Model          string
	MaxInFlight    int64
	RequestTimeout time.Duration
	Retry          RetryPolicy
	// HealthWaitCeiling bounds how long a blocked retry waits for the
	// backend to come back before giving up entirely.
	HealthWaitCeiling time.Duration
}

// Client is the bounded-concurrency HTTP client to the inference backend.
// Admission control caps in-flight requests, and transport failures retry
// with exponential backoff behind a health probe.
type Client struct {
	cfg      Config
	http     *http.Client
	inFlight *semaphore.Weighted
	log      *logger.Logger
	sink     *metrics.Sink
}

// NewClient creates a client for the given backend.
func NewClient(cfg Config, log *logger.Logger, sink *metrics.Sink) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL must be provided")
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = RetryPolicy{MaxAttempts: 6, Initial: 2 * time.Second, Max: 2 * time.Minute}
	}
	if cfg.HealthWaitCeiling <= 0 {
		cfg.HealthWaitCeiling = 10 * time.Minute
	}

	transport := &http.Transport{
		MaxIdleConns:        int(cfg.MaxInFlight),
		MaxIdleConnsPerHost: int(cfg.MaxInFlight),
		MaxConnsPerHost:     int(cfg.MaxInFlight),
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Transport: transport},
		inFlight: semaphore.NewWeighted(cfg.MaxInFlight),
		log:      log.ComponentLogger("inference"),
		sink:     sink,
	}, nil
}

// Complete sends one completion request. Transport-level failures retry with
// backoff behind a health probe; every call terminates in either a parsed
// Completion or a typed error.
func (c *Client) Complete(ctx context.Context, req *Request) (*Completion, error) {
	if req.Model == "" {
		req.Model = c.cfg.Model
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	if err := c.inFlight.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.inFlight.Release(1)
	c.sink.RequestsInFlight.Inc()
	defer c.sink.RequestsInFlight.Dec()

	var lastErr error
	for attempt := 0; attempt < c.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			c.sink.NetworkRetries.Inc()
			delay := c.cfg.Retry.Delay(attempt - 1)
			c.log.Warn().Err(lastErr).Int("attempt", attempt).Dur("backoff", delay).Msg("Transport failure, backing off")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			// The backend may have crashed outright; do not burn the
			// remaining attempts until it answers a probe again.
			if err := c.WaitHealthy(ctx); err != nil {
				return nil, &NetworkError{Attempts: attempt, Err: err}
			}
		}

		completion, retryable, err := c.post(ctx, payload)
		if err == nil {
			return completion, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, &NetworkError{Attempts: c.cfg.Retry.MaxAttempts, Err: lastErr}
}

// post performs one HTTP exchange. retryable marks transport-level and
// overload failures; anything else is handed back to the caller as-is.
func (c *Client) post(ctx context.Context, payload []byte) (_ *Completion, retryable bool, _ error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("failed to build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, err
	}
	defer resp.Body.Close()
	c.sink.RequestDuration.Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to parsing.
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		// Backend overloaded or restarting; recovery may take a while, so
		// the backoff loop with its health gate handles this.
		return nil, true, &ServerError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	default:
		return nil, false, &ServerError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var parsed responseBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, &ResponseError{Reason: "invalid JSON", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, false, &ResponseError{Reason: "no choices in response"}
	}

	return &Completion{
		Content:      parsed.Choices[0].Message.Content,
		FinishReason: parsed.Choices[0].FinishReason,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		TotalTokens:  parsed.Usage.TotalTokens,
	}, false, nil
}

// WaitHealthy polls the models endpoint until the backend answers, bounded by
// the configured ceiling.
func (c *Client) WaitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.HealthWaitCeiling)
	for {
		if err := c.probe(ctx); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		} else if time.Now().After(deadline) {
			return fmt.Errorf("backend did not become healthy within %s: %w", c.cfg.HealthWaitCeiling, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

// VerifyModel checks that the backend is serving the configured model. A
// mismatch is a fatal configuration error, not retried.
func (c *Client) VerifyModel(ctx context.Context) error {
	models, err := c.listModels(ctx)
	if err != nil {
		return err
	}
	if c.cfg.Model == "" {
		return nil
	}
	for _, id := range models {
		if id == c.cfg.Model {
			return nil
		}
	}
	return &ConfigError{Reason: fmt.Sprintf("backend is not serving model %q (available: %v)", c.cfg.Model, models)}
}

func (c *Client) probe(ctx context.Context) error {
	_, err := c.listModels(ctx)
	return err
}

func (c *Client) listModels(ctx context.Context) ([]string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.BaseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build models request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("backend not reachable: %w", err)
		}
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models endpoint returned status %d", resp.StatusCode)
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &ResponseError{Reason: "invalid models payload", Err: err}
	}
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
