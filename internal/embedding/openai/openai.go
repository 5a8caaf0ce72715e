package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kbrag/internal/domain"
)

// Endpoint identifies one OpenAI-compatible embeddings deployment and model.
type Endpoint struct {
	BaseURL string
	APIKey  string
	Model   string
}

// URL returns the embeddings URL: the base URL with a trailing slash, plus "embeddings".
func (e Endpoint) URL() string {
	base := e.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + "embeddings"
}

// Client calls OpenAI-compatible /embeddings endpoints.
type Client struct {
	client     *http.Client
	maxRetries int
}

// Config configures the embeddings client.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// NewClient creates a new embeddings client using the provided configuration.
func NewClient(cfg Config) *Client {
	t := cfg.Timeout
	if t == 0 {
		t = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: t}
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{client: hc, maxRetries: retries}
}

type reqBody struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type respBody struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns data[0].embedding for text. Network errors, 429 and 5xx are
// retried with backoff; every failure is wrapped in domain.ErrRemote.
func (c *Client) Embed(ctx context.Context, ep Endpoint, text string) ([]float64, error) {
	data, err := json.Marshal(reqBody{Model: ep.Model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", domain.ErrRemote, err)
	}
	url := ep.URL()
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, lastDelay(lastErr, attempt-1)); err != nil {
				return nil, err
			}
		}
		v, err := c.do(ctx, url, ep.APIKey, data)
		if err == nil {
			return v, nil
		}
		lastErr = err
		var re *retryableError
		if !errors.As(err, &re) || ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrRemote, lastErr)
}

func (c *Client) do(ctx context.Context, url, apiKey string, data []byte) ([]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &retryableError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &retryableError{
			err:        statusError(resp),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}

	var out respBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, errors.New("no embedding returned")
	}
	v := out.Data[0].Embedding
	if len(v) == 0 {
		return nil, errors.New("empty embedding")
	}
	return v, nil
}

// statusError keeps up to 4KiB of the body for diagnostics; it might not be JSON.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("embeddings request failed: %s", resp.Status)
	}
	return fmt.Errorf("embeddings request failed: %s - %s", resp.Status, msg)
}

type retryableError struct {
	err        error
	retryAfter time.Duration
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func lastDelay(err error, attempt int) time.Duration {
	var re *retryableError
	if errors.As(err, &re) && re.retryAfter > 0 {
		return re.retryAfter
	}
	return retryDelay(attempt)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 5 {
		attempt = 5
	}
	base := 200 * time.Millisecond
	// exponential backoff capped at 5s
	d := base << attempt
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
