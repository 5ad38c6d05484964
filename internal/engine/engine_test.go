package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelbao/chatflow/internal/config"
	"github.com/pixelbao/chatflow/internal/domain"
	"github.com/pixelbao/chatflow/internal/logging"
)

const eventually = 3 * time.Second

type generatorCall struct {
	query string
	mc    *domain.Context
}

type stubGenerator struct {
	mu    sync.Mutex
	calls []generatorCall
	fn    func(query string, mc *domain.Context) (domain.Reply, error)
}

func (g *stubGenerator) Generate(_ context.Context, query string, mc *domain.Context) (domain.Reply, error) {
	g.mu.Lock()
	g.calls = append(g.calls, generatorCall{query: query, mc: mc})
	fn := g.fn
	g.mu.Unlock()
	if fn != nil {
		return fn(query, mc)
	}
	return domain.Reply{Type: domain.ReplyText, Content: "echo: " + query}, nil
}

func (g *stubGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *stubGenerator) callAt(i int) generatorCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[i]
}

type stubImageGen struct {
	mu       sync.Mutex
	creates  []string
	edits    []string
	createFn func(prompt string) (string, error)
	editFn   func(prompt string, paths []string) (string, error)
}

func (g *stubImageGen) Create(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.creates = append(g.creates, prompt)
	n := len(g.creates)
	fn := g.createFn
	g.mu.Unlock()
	if fn != nil {
		return fn(prompt)
	}
	return fmt.Sprintf("https://img.example.com/%d.png", n), nil
}

func (g *stubImageGen) Edit(_ context.Context, prompt string, paths []string) (string, error) {
	g.mu.Lock()
	g.edits = append(g.edits, prompt)
	n := len(g.edits)
	fn := g.editFn
	g.mu.Unlock()
	if fn != nil {
		return fn(prompt, paths)
	}
	return fmt.Sprintf("https://img.example.com/edit-%d.png", n), nil
}

func (g *stubImageGen) createCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.creates)
}

func (g *stubImageGen) editCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edits)
}

type sentItem struct {
	reply domain.Reply
	mc    *domain.Context
}

type stubSender struct {
	mu   sync.Mutex
	sent []sentItem
	fn   func(reply domain.Reply, mc *domain.Context) error
}

func (s *stubSender) Send(reply domain.Reply, mc *domain.Context) error {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		if err := fn(reply, mc); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.sent = append(s.sent, sentItem{reply: reply, mc: mc})
	s.mu.Unlock()
	return nil
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *stubSender) all() []sentItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentItem, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *stubSender) contents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, it := range s.sent {
		out[i] = it.reply.Content
	}
	return out
}

type stubNotifier struct {
	mu    sync.Mutex
	notes []string
}

func (n *stubNotifier) Notify(category, message, module string) {
	n.mu.Lock()
	n.notes = append(n.notes, category+": "+message)
	n.mu.Unlock()
}

func (n *stubNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

func testTimings() timings {
	return timings{
		poll:           5 * time.Millisecond,
		initialWait:    30 * time.Millisecond,
		imageWait:      60 * time.Millisecond,
		checkEvery:     10 * time.Millisecond,
		maxWait:        500 * time.Millisecond,
		imageGrace:     30 * time.Millisecond,
		emptyRetryUnit: 2 * time.Millisecond,
		sendRetryBase:  2 * time.Millisecond,
		sendRetryUnit:  2 * time.Millisecond,
		reminderEvery:  40 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Generator == nil {
		opts.Generator = &stubGenerator{}
	}
	if opts.Sender == nil {
		opts.Sender = &stubSender{}
	}
	e := New(opts, logging.New(io.Discard, "silent"))
	e.t = testTimings()
	return e
}

func startTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e := newTestEngine(t, opts)
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e
}

func textCtx(sid, content string) *domain.Context {
	return &domain.Context{Type: domain.ContextText, Content: content, SessionID: sid, Receiver: sid}
}

func sharingCtx(sid, content string) *domain.Context {
	return &domain.Context{Type: domain.ContextSharing, Content: content, SessionID: sid, Receiver: sid}
}

func TestSharingRepliesDirectly(t *testing.T) {
	sender := &stubSender{}
	e := startTestEngine(t, Options{Sender: sender})

	e.Enqueue(sharingCtx("u1", "https://example.com/article"))

	require.Eventually(t, func() bool { return sender.count() == 1 }, eventually, time.Millisecond)
	assert.Equal(t, "echo: https://example.com/article", sender.all()[0].reply.Content)
}

func TestDuplicateMessageDropped(t *testing.T) {
	sender := &stubSender{}
	e := startTestEngine(t, Options{Sender: sender})

	mc1 := sharingCtx("u1", "hello")
	mc1.MsgID = "m-1"
	mc2 := sharingCtx("u1", "hello")
	mc2.MsgID = "m-1"
	e.Enqueue(mc1)
	e.Enqueue(mc2)

	require.Eventually(t, func() bool { return sender.count() >= 1 }, eventually, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sender.count())
}

func TestSessionGateSerializesWork(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	gen := &stubGenerator{fn: func(query string, mc *domain.Context) (domain.Reply, error) {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return domain.Reply{Type: domain.ReplyText, Content: "ok"}, nil
	}}
	sender := &stubSender{}
	e := startTestEngine(t, Options{
		Config:    config.EngineConfig{ConcurrencyInSession: 1},
		Generator: gen,
		Sender:    sender,
	})

	for i := 0; i < 4; i++ {
		e.Enqueue(sharingCtx("u1", fmt.Sprintf("link %d", i)))
	}

	require.Eventually(t, func() bool { return sender.count() == 4 }, eventually, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxSeen, "session gate must keep in-session work serialized")
}

func TestSessionsRunIndependently(t *testing.T) {
	release := make(chan struct{})
	gen := &stubGenerator{fn: func(query string, mc *domain.Context) (domain.Reply, error) {
		if mc.SessionID == "slow" {
			<-release
		}
		return domain.Reply{Type: domain.ReplyText, Content: "ok"}, nil
	}}
	sender := &stubSender{}
	e := startTestEngine(t, Options{Generator: gen, Sender: sender})

	e.Enqueue(sharingCtx("slow", "blocked"))
	e.Enqueue(sharingCtx("fast", "free"))

	require.Eventually(t, func() bool { return sender.count() == 1 }, eventually, time.Millisecond)
	assert.Equal(t, "fast", sender.all()[0].mc.SessionID)
	close(release)
	require.Eventually(t, func() bool { return sender.count() == 2 }, eventually, time.Millisecond)
}

func TestCancelSessionDropsQueuedWork(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gen := &stubGenerator{fn: func(query string, mc *domain.Context) (domain.Reply, error) {
		if query == "first" {
			close(started)
			<-release
		}
		return domain.Reply{Type: domain.ReplyText, Content: "ok"}, nil
	}}
	sender := &stubSender{}
	e := startTestEngine(t, Options{
		Config:    config.EngineConfig{ConcurrencyInSession: 1},
		Generator: gen,
		Sender:    sender,
	})

	e.Enqueue(sharingCtx("u1", "first"))
	select {
	case <-started:
	case <-time.After(eventually):
		t.Fatal("first context never started")
	}
	e.Enqueue(sharingCtx("u1", "second"))
	e.Enqueue(sharingCtx("u1", "third"))
	e.CancelSession("u1")
	close(release)

	require.Eventually(t, func() bool { return sender.count() == 1 }, eventually, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sender.count(), "queued contexts must not run after cancel")
}

func TestEmptyReplyRetriesThenSucceeds(t *testing.T) {
	var n int
	var mu sync.Mutex
	gen := &stubGenerator{fn: func(query string, mc *domain.Context) (domain.Reply, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n < 3 {
			return domain.Reply{}, nil
		}
		return domain.Reply{Type: domain.ReplyText, Content: "finally"}, nil
	}}
	sender := &stubSender{}
	e := startTestEngine(t, Options{Generator: gen, Sender: sender})

	e.Enqueue(sharingCtx("u1", "hello"))

	require.Eventually(t, func() bool { return sender.count() == 1 }, eventually, time.Millisecond)
	assert.Equal(t, "finally", sender.all()[0].reply.Content)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, n)
}

func TestEmptyReplyExhaustionSendsApology(t *testing.T) {
	gen := &stubGenerator{fn: func(query string, mc *domain.Context) (domain.Reply, error) {
		return domain.Reply{}, nil
	}}
	sender := &stubSender{}
	e := startTestEngine(t, Options{Generator: gen, Sender: sender})

	e.Enqueue(sharingCtx("u1", "hello"))

	require.Eventually(t, func() bool { return sender.count() == 1 }, eventually, time.Millisecond)
	got := sender.all()[0].reply
	assert.Equal(t, domain.ReplyError, got.Type)
	assert.Contains(t, got.Content, "3 times")
	assert.Equal(t, 3, gen.callCount(), "one initial attempt plus two retries")
}

func TestZeroRetryConfigDisablesRetries(t *testing.T) {
	zero := 0
	gen := &stubGenerator{fn: func(query string, mc *domain.Context) (domain.Reply, error) {
		return domain.Reply{}, nil
	}}
	sender := &stubSender{}
	e := startTestEngine(t, Options{
		Config:    config.EngineConfig{EmptyReplyRetryCount: &zero},
		Generator: gen,
		Sender:    sender,
	})

	e.Enqueue(sharingCtx("u1", "hello"))

	require.Eventually(t, func() bool { return sender.count() == 1 }, eventually, time.Millisecond)
	assert.Equal(t, 1, gen.callCount())
}

func TestSendRetriesThenNotifies(t *testing.T) {
	sender := &stubSender{fn: func(reply domain.Reply, mc *domain.Context) error {
		return errors.New("pipe broken")
	}}
	notifier := &stubNotifier{}
	e := startTestEngine(t, Options{Sender: sender, Notifier: notifier})

	e.Enqueue(sharingCtx("u1", "hello"))

	require.Eventually(t, func() bool { return notifier.count() == 1 }, eventually, time.Millisecond)
	assert.Equal(t, 0, sender.count())
}

func TestSendRecoversOnRetry(t *testing.T) {
	var n int
	var mu sync.Mutex
	sender := &stubSender{}
	sender.fn = func(reply domain.Reply, mc *domain.Context) error {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n == 1 {
			return errors.New("transient")
		}
		return nil
	}
	e := startTestEngine(t, Options{Sender: sender})

	e.Enqueue(sharingCtx("u1", "hello"))

	require.Eventually(t, func() bool { return sender.count() == 1 }, eventually, time.Millisecond)
}

func TestGeneratorErrorNotifies(t *testing.T) {
	gen := &stubGenerator{fn: func(query string, mc *domain.Context) (domain.Reply, error) {
		return domain.Reply{}, errors.New("upstream 500")
	}}
	notifier := &stubNotifier{}
	sender := &stubSender{}
	e := startTestEngine(t, Options{Generator: gen, Sender: sender, Notifier: notifier})

	e.Enqueue(sharingCtx("u1", "hello"))

	require.Eventually(t, func() bool { return sender.count() == 1 }, eventually, time.Millisecond)
	assert.Equal(t, domain.ReplyError, sender.all()[0].reply.Type)
	assert.GreaterOrEqual(t, notifier.count(), 1)
}
