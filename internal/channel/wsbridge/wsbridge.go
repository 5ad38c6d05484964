// Package wsbridge is a WebSocket channel adapter. Platform connectors
// (a WeChat hook process, a test harness, a web UI) dial in, stream
// inbound messages as JSON frames, and receive the engine's replies on
// the same socket.
package wsbridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/pixelbao/chatflow/internal/config"
	"github.com/pixelbao/chatflow/internal/domain"
	"github.com/pixelbao/chatflow/internal/logging"
)

// maxTextFrame is the longest text content sent in one reply frame;
// longer replies are split on rune boundaries.
const maxTextFrame = 2000

// inboundFrame is one message from a connector.
type inboundFrame struct {
	Type    string `json:"type"` // "message"
	ID      string `json:"id,omitempty"`
	Kind    string `json:"kind"` // text|image|voice|video|sharing
	Content string `json:"content"`

	From     string `json:"from"`
	FromName string `json:"fromName,omitempty"`

	IsGroup        bool   `json:"isGroup,omitempty"`
	GroupID        string `json:"groupId,omitempty"`
	GroupName      string `json:"groupName,omitempty"`
	ActualFrom     string `json:"actualFrom,omitempty"`
	ActualFromName string `json:"actualFromName,omitempty"`

	ToSelf   bool   `json:"toSelf,omitempty"`
	FromSelf bool   `json:"fromSelf,omitempty"`
	IsAt     bool   `json:"isAt,omitempty"`
	SelfName string `json:"selfName,omitempty"`
}

// outboundFrame is one reply to a connector.
type outboundFrame struct {
	Type    string `json:"type"` // "reply"
	To      string `json:"to"`
	Kind    string `json:"kind"`
	Content string `json:"content"`
	Part    int    `json:"part,omitempty"`
	Parts   int    `json:"parts,omitempty"`
}

type client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Bridge is the WebSocket channel adapter.
type Bridge struct {
	cfg      config.BridgeConfig
	log      *logging.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	handler func(msg domain.InboundMessage)
	running bool
	lastErr string

	httpServer *http.Server
	listenAddr string
}

// New creates a bridge channel from its config.
func New(cfg config.BridgeConfig, log *logging.Logger) *Bridge {
	return &Bridge{
		cfg:     cfg,
		log:     log.Sub("wsbridge"),
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Connectors are local processes, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ID returns the channel identifier.
func (b *Bridge) ID() string { return "wsbridge" }

// OnMessage registers the inbound message handler.
func (b *Bridge) OnMessage(handler func(msg domain.InboundMessage)) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

// Addr returns the bound listen address once Start has succeeded.
func (b *Bridge) Addr() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.listenAddr
}

// Status reports the adapter state.
func (b *Bridge) Status() domain.ChannelStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return domain.ChannelStatus{
		ChannelID: b.ID(),
		Running:   b.running,
		Connected: len(b.clients) > 0,
		LastError: b.lastErr,
	}
}

// Start binds the listener and serves until the context is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.Listen)
	if err != nil {
		return fmt.Errorf("binding %s: %w", b.cfg.Listen, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(b.cfg.Path, b.handleUpgrade)
	srv := &http.Server{Handler: mux}

	b.mu.Lock()
	b.httpServer = srv
	b.listenAddr = ln.Addr().String()
	b.running = true
	b.mu.Unlock()

	b.log.Info().Str("addr", ln.Addr().String()).Str("path", b.cfg.Path).Msg("bridge listening")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	err = g.Wait()
	b.mu.Lock()
	b.running = false
	if err != nil {
		b.lastErr = err.Error()
	}
	b.mu.Unlock()
	return err
}

// Stop shuts the server down and drops every connection.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	srv := b.httpServer
	b.running = false
	b.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Send delivers a reply to every connected connector, splitting long
// text on rune boundaries.
func (b *Bridge) Send(reply domain.Reply, mc *domain.Context) error {
	b.mu.RLock()
	conns := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		conns = append(conns, c)
	}
	b.mu.RUnlock()
	if len(conns) == 0 {
		return errors.New("no connector attached to the bridge")
	}

	parts := []string{reply.Content}
	if reply.Type == domain.ReplyText || reply.Type == domain.ReplyError || reply.Type == domain.ReplyInfo {
		parts = SplitText(reply.Content, maxTextFrame)
	}

	var lastErr error
	for _, c := range conns {
		for i, part := range parts {
			frame := outboundFrame{
				Type:    "reply",
				To:      mc.Receiver,
				Kind:    string(reply.Type),
				Content: part,
			}
			if len(parts) > 1 {
				frame.Part = i + 1
				frame.Parts = len(parts)
			}
			if err := c.writeJSON(frame); err != nil {
				b.log.Error().Err(err).Str("client", c.id).Msg("failed to write reply frame")
				lastErr = err
				break
			}
		}
	}
	return lastErr
}

func (b *Bridge) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		b.log.Warn().Str("remote", r.RemoteAddr).Msg("connector rejected, bad token")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()
	b.log.Info().Str("client", c.id).Str("remote", r.RemoteAddr).Msg("connector attached")

	go b.readLoop(c)
}

func (b *Bridge) authorized(r *http.Request) bool {
	if b.cfg.Token == "" {
		return true
	}
	token := r.Header.Get("Authorization")
	token = trimBearer(token)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(b.cfg.Token)) == 1
}

func trimBearer(s string) string {
	const prefix = "Bearer "
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return ""
}

func (b *Bridge) readLoop(c *client) {
	defer func() {
		c.conn.Close()
		b.mu.Lock()
		delete(b.clients, c.id)
		b.mu.Unlock()
		b.log.Info().Str("client", c.id).Msg("connector detached")
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Warn().Err(err).Str("client", c.id).Msg("connector read error")
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			b.log.Warn().Err(err).Str("client", c.id).Msg("dropping malformed frame")
			continue
		}
		if frame.Type != "message" {
			continue
		}
		msg := frameToMessage(frame)

		b.mu.RLock()
		handler := b.handler
		b.mu.RUnlock()
		if handler != nil {
			handler(msg)
		}
	}
}

func frameToMessage(f inboundFrame) domain.InboundMessage {
	id := f.ID
	if id == "" {
		id = uuid.NewString()
	}
	return domain.InboundMessage{
		ID:             id,
		ChannelID:      "wsbridge",
		Type:           domain.MessageType(f.Kind),
		Content:        f.Content,
		From:           f.From,
		FromName:       f.FromName,
		IsGroup:        f.IsGroup,
		GroupID:        f.GroupID,
		GroupName:      f.GroupName,
		ActualFrom:     f.ActualFrom,
		ActualFromName: f.ActualFromName,
		ToSelf:         f.ToSelf,
		FromSelf:       f.FromSelf,
		IsAt:           f.IsAt,
		SelfName:       f.SelfName,
		Timestamp:      time.Now(),
	}
}

// SplitText breaks s into chunks of at most limit runes, preferring to
// break after a newline or space so words stay intact. Multi-byte
// characters are never cut in half.
func SplitText(s string, limit int) []string {
	if limit <= 0 || len([]rune(s)) <= limit {
		return []string{s}
	}

	runes := []rune(s)
	var parts []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			parts = append(parts, string(runes))
			break
		}
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' || runes[i] == ' ' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	return parts
}
