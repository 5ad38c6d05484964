// Package notify pushes operational alerts to a webhook so delivery
// failures and upstream errors reach an operator instead of dying in
// the logs. Alerts are rate limited per category.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pixelbao/chatflow/internal/config"
	"github.com/pixelbao/chatflow/internal/logging"
)

// Webhook is a rate-limited webhook notifier. A nil Webhook is safe to
// use and does nothing.
type Webhook struct {
	url       string
	mentions  []string
	rateLimit time.Duration
	client    *http.Client
	log       *logging.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	nowFunc  func() time.Time

	wg sync.WaitGroup
}

// New creates a webhook notifier. Returns nil when no URL is
// configured.
func New(cfg config.NotifyConfig, log *logging.Logger) *Webhook {
	if cfg.WebhookURL == "" {
		return nil
	}
	rate := time.Duration(cfg.RateLimitSeconds) * time.Second
	if rate <= 0 {
		rate = time.Minute
	}
	return &Webhook{
		url:       cfg.WebhookURL,
		mentions:  cfg.Mentions,
		rateLimit: rate,
		client:    &http.Client{Timeout: 10 * time.Second},
		log:       log.Sub("notify"),
		lastSent:  make(map[string]time.Time),
		nowFunc:   time.Now,
	}
}

type payload struct {
	MsgType string `json:"msg_type"`
	Content struct {
		Text string `json:"text"`
	} `json:"content"`
}

// Notify posts an alert. Repeats within the same category inside the
// rate-limit window are dropped. The HTTP call runs in the background;
// Notify never blocks the caller.
func (w *Webhook) Notify(category, message, module string) {
	if w == nil {
		return
	}
	w.mu.Lock()
	now := w.nowFunc()
	if last, ok := w.lastSent[category]; ok && now.Sub(last) < w.rateLimit {
		w.mu.Unlock()
		w.log.Debug().Str("category", category).Msg("alert suppressed by rate limit")
		return
	}
	w.lastSent[category] = now
	w.mu.Unlock()

	text := fmt.Sprintf("[chatflow] %s error in %s:\n%s", category, module, message)
	if len(w.mentions) > 0 {
		text += "\ncc: " + strings.Join(w.mentions, " ")
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.post(text)
	}()
}

// Flush waits for in-flight posts, used on shutdown and in tests.
func (w *Webhook) Flush() {
	if w == nil {
		return
	}
	w.wg.Wait()
}

func (w *Webhook) post(text string) {
	var p payload
	p.MsgType = "text"
	p.Content.Text = text
	body, err := json.Marshal(p)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to marshal alert")
		return
	}

	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(body))
	if err != nil {
		w.log.Error().Err(err).Msg("failed to post alert")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.log.Error().Int("status", resp.StatusCode).Msg("alert webhook rejected the post")
	}
}
