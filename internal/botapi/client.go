// Package botapi talks to an OpenAI-compatible chat completions API and
// adapts it to the engine's Generator interface.
package botapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pixelbao/chatflow/internal/config"
	"github.com/pixelbao/chatflow/internal/domain"
	"github.com/pixelbao/chatflow/internal/logging"
)

// Client is an HTTP client for the reply-generation backend.
type Client struct {
	base   string
	apiKey string
	model  string
	client *http.Client
	log    *logging.Logger
}

// New creates a bot API client.
func New(cfg config.BotConfig, log *logging.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		base:   strings.TrimRight(cfg.APIBase, "/"),
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		client: &http.Client{Timeout: timeout},
		log:    log.Sub("botapi"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
	User     string        `json:"user,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends the query and returns the backend's answer as a text
// reply. Image and video contexts become multimodal messages with the
// coalesced query text attached.
func (c *Client) Generate(ctx context.Context, query string, mc *domain.Context) (domain.Reply, error) {
	msg, err := c.buildMessage(query, mc)
	if err != nil {
		return domain.Reply{}, err
	}

	payload, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{msg},
		User:     mc.SessionID,
	})
	if err != nil {
		return domain.Reply{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, "POST", c.base+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return domain.Reply{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Reply{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Reply{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Reply{}, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return domain.Reply{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Error != nil {
		return domain.Reply{}, fmt.Errorf("API error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return domain.Reply{}, nil
	}

	c.log.Debug().
		Str("session", mc.SessionID).
		Dur("elapsed", time.Since(start)).
		Msg("completion received")

	content := strings.TrimSpace(result.Choices[0].Message.Content)
	if content == "" {
		return domain.Reply{}, nil
	}
	return domain.Reply{Type: domain.ReplyText, Content: content}, nil
}

// buildMessage assembles the user message. For media contexts the query
// is the local file path; the coalesced question text rides along in
// the context data.
func (c *Client) buildMessage(query string, mc *domain.Context) (chatMessage, error) {
	switch mc.Type {
	case domain.ContextImage:
		text := mc.GetString("imgQuery")
		if text == "" {
			text = "Describe this image."
		}
		url, err := encodeImage(query)
		if err != nil {
			return chatMessage{}, err
		}
		return chatMessage{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: text},
				{Type: "image_url", ImageURL: &imageRef{URL: url}},
			},
		}, nil
	case domain.ContextVideo:
		text := mc.GetString("videoQuery")
		if text == "" {
			text = "Describe this video."
		}
		return chatMessage{
			Role:    "user",
			Content: fmt.Sprintf("%s\n(video file: %s)", text, query),
		}, nil
	default:
		return chatMessage{Role: "user", Content: query}, nil
	}
}

// encodeImage inlines a local image file as a base64 data URL. Remote
// URLs pass through untouched.
func encodeImage(path string) (string, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading image %s: %w", path, err)
	}
	mime := "image/jpeg"
	if strings.HasSuffix(strings.ToLower(path), ".png") {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
