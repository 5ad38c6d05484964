// Package imagegen is an HTTP client for OpenAI-compatible image
// generation and edit endpoints.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pixelbao/chatflow/internal/config"
	"github.com/pixelbao/chatflow/internal/logging"
)

// maxAttempts bounds how many times a request is tried; only timeouts
// and 5xx responses are retried.
const maxAttempts = 3

// Client talks to the image generation backend.
type Client struct {
	base       string
	apiKey     string
	model      string
	size       string
	client     *http.Client
	retryPause time.Duration
	log        *logging.Logger
}

// New creates an image generation client. Returns nil when no model is
// configured, which disables image generation upstream.
func New(cfg config.ImageGenConfig, log *logging.Logger) *Client {
	if cfg.Model == "" {
		return nil
	}
	return &Client{
		base:       strings.TrimRight(cfg.APIBase, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		size:       cfg.ImageSize,
		client:     &http.Client{Timeout: 300 * time.Second},
		retryPause: 2 * time.Second,
		log:        log.Sub("imagegen"),
	}
}

type generationRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
	N      int    `json:"n"`
}

type generationResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Create generates one image from a text prompt and returns its URL.
func (c *Client) Create(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(generationRequest{
		Model:  c.model,
		Prompt: prompt,
		Size:   c.size,
		N:      1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	return c.withRetry(ctx, "create", func() (string, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", c.base+"/images/generations", bytes.NewReader(payload))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.authorize(req)
		return c.do(req)
	})
}

// Edit generates one image from a prompt plus reference images and
// returns its URL.
func (c *Client) Edit(ctx context.Context, prompt string, imagePaths []string) (string, error) {
	return c.withRetry(ctx, "edit", func() (string, error) {
		body, contentType, err := c.buildEditBody(prompt, imagePaths)
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, "POST", c.base+"/images/edits", body)
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		c.authorize(req)
		return c.do(req)
	})
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) buildEditBody(prompt string, imagePaths []string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, path := range imagePaths {
		f, err := os.Open(path)
		if err != nil {
			return nil, "", fmt.Errorf("opening reference image: %w", err)
		}
		part, err := w.CreateFormFile("image[]", filepath.Base(path))
		if err != nil {
			f.Close()
			return nil, "", err
		}
		if _, err := io.Copy(part, f); err != nil {
			f.Close()
			return nil, "", fmt.Errorf("reading reference image: %w", err)
		}
		f.Close()
	}
	w.WriteField("model", c.model)
	w.WriteField("prompt", prompt)
	if c.size != "" {
		w.WriteField("size", c.size)
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// retryableError marks a failure worth another attempt.
type retryableError struct{ err error }

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

func (c *Client) withRetry(ctx context.Context, op string, fn func() (string, error)) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		url, err := fn()
		if err == nil {
			return url, nil
		}
		lastErr = err

		var re *retryableError
		if !errors.As(err, &re) || attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		c.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("image request failed, retrying")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.retryPause):
		}
	}
	return "", lastErr
}

func (c *Client) do(req *http.Request) (string, error) {
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return "", &retryableError{err: fmt.Errorf("request timed out: %w", err)}
		}
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return "", &retryableError{err: fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result generationResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("API error: %s", result.Error.Message)
	}
	if len(result.Data) == 0 || result.Data[0].URL == "" {
		return "", fmt.Errorf("response contained no image")
	}

	c.log.Debug().Dur("elapsed", time.Since(start)).Msg("image generated")
	return result.Data[0].URL, nil
}
