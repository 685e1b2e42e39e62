package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultRetries    = 2
	defaultBackoff    = 1500 * time.Millisecond
	defaultTimeout    = 2 * time.Minute
	maxErrorBodyBytes = 64 * 1024
)

// Provider is the completion surface rubric scoring and LLM decomposition
// build on.
type Provider interface {
	Complete(ctx context.Context, model, system, prompt string, seed int64) (string, error)
}

// ClientConfig configures the OpenAI-compatible chat completions client.
type ClientConfig struct {
	BaseURL      string
	AuthToken    string
	DefaultModel string
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	Logger       *log.Logger
	HTTPClient   *http.Client
}

type Client struct {
	endpoint     string
	authToken    string
	defaultModel string
	retries      int
	retryBackoff time.Duration
	logger       *log.Logger
	client       *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("empty API base URL")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid API base URL %q: %w", base, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		endpoint:     strings.TrimSuffix(base, "/") + "/chat/completions",
		authToken:    strings.TrimSpace(cfg.AuthToken),
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
		retries:      retries,
		retryBackoff: backoff,
		logger:       cfg.Logger,
		client:       client,
	}, nil
}

func (c *Client) Complete(ctx context.Context, model, system, prompt string, seed int64) (string, error) {
	if model == "" {
		model = c.defaultModel
	}
	if model == "" {
		return "", errors.New("no model configured")
	}
	var lastErr error
	for attempt := 1; attempt <= c.retries+1; attempt++ {
		text, err := c.completeOnce(ctx, model, system, prompt, seed)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == c.retries+1 {
			break
		}
		wait := time.Duration(attempt) * c.retryBackoff
		c.logger.Printf("llm: completion retry attempt=%d wait=%s reason=%v", attempt, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return "", lastErr
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Seed     int64         `json:"seed,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) completeOnce(ctx context.Context, model, system, prompt string, seed int64) (string, error) {
	messages := []chatMessage{}
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{Model: model, Messages: messages, Seed: seed})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create API request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat completions request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		if readErr != nil {
			return "", fmt.Errorf("chat completions status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return "", httpError{statusCode: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if decoded.Error != nil {
		return "", fmt.Errorf("chat completions error: %s", decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("chat completions returned no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}

type httpError struct {
	statusCode int
	body       string
}

func (e httpError) Error() string {
	return fmt.Sprintf("chat completions status=%d body=%s", e.statusCode, e.body)
}

func isRetryable(err error) bool {
	var statusErr httpError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}
