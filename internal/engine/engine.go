// Package engine implements the session-serialized dispatch and coalescing
// core of ChatFlow: per-session queues behind a shared worker pool, debounce
// windows that merge temporally-adjacent multi-part input into one logical
// request, duplicate-message suppression, and the retry-controlled reply
// pipeline. Reply generation, image generation, delivery, and error
// notification are external collaborators consumed through the interfaces
// defined here.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pixelbao/chatflow/internal/config"
	"github.com/pixelbao/chatflow/internal/domain"
	"github.com/pixelbao/chatflow/internal/hooks"
	"github.com/pixelbao/chatflow/internal/logging"
)

// messageExpiry is how long a message ID stays in the dedup cache.
const messageExpiry = 300 * time.Second

// Generator produces a reply for a query. An empty reply means
// "no answer yet" and is subject to the engine's retry policy.
type Generator interface {
	Generate(ctx context.Context, query string, mc *domain.Context) (domain.Reply, error)
}

// ImageGenerator is the image-generation collaborator. Create performs
// text-to-image, Edit image-to-image with reference images.
type ImageGenerator interface {
	Create(ctx context.Context, prompt string) (string, error)
	Edit(ctx context.Context, prompt string, imagePaths []string) (string, error)
}

// Transcriber turns a voice recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// Sender delivers a decorated reply to the conversation named by the
// context's receiver.
type Sender interface {
	Send(reply domain.Reply, mc *domain.Context) error
}

// Notifier is the external error-notification collaborator.
type Notifier interface {
	Notify(category, message, module string)
}

// Recorder persists admitted inbound contexts and outbound replies.
type Recorder interface {
	RecordInbound(mc *domain.Context)
	RecordOutbound(mc *domain.Context, reply domain.Reply)
}

// timings holds every delay the engine uses. Tests shrink these; the
// defaults are the production contract.
type timings struct {
	poll           time.Duration // dispatch loop poll backstop
	initialWait    time.Duration // window wait before the first deadline check
	imageWait      time.Duration // per-image countdown reset
	checkEvery     time.Duration // window/cancellation poll granularity
	maxWait        time.Duration // window wait ceiling
	imageGrace     time.Duration // lone-image grace before ordinary recognition
	emptyRetryUnit time.Duration // backoff unit for empty-reply retries
	sendRetryBase  time.Duration // first delivery retry delay
	sendRetryUnit  time.Duration // added delay per delivery retry
	reminderEvery  time.Duration // progress reminder interval
}

func defaultTimings(graceSeconds int) timings {
	return timings{
		poll:           200 * time.Millisecond,
		initialWait:    10 * time.Second,
		imageWait:      20 * time.Second,
		checkEvery:     2 * time.Second,
		maxWait:        180 * time.Second,
		imageGrace:     time.Duration(graceSeconds) * time.Second,
		emptyRetryUnit: 2 * time.Second,
		sendRetryBase:  3 * time.Second,
		sendRetryUnit:  3 * time.Second,
		reminderEvery:  time.Minute,
	}
}

// Options wires an Engine to its collaborators. Generator and Sender are
// required; the rest are optional.
type Options struct {
	Config      config.EngineConfig
	Generator   Generator
	ImageGen    ImageGenerator // nil disables the image-create and gacha windows
	Transcriber Transcriber
	Sender      Sender
	Notifier    Notifier
	Recorder    Recorder
	Hooks       *hooks.Manager
}

// Engine is the dispatch and coalescing core.
type Engine struct {
	cfg config.EngineConfig
	t   timings

	gen         Generator
	imgGen      ImageGenerator
	transcriber Transcriber
	sender      Sender
	notifier    Notifier
	recorder    Recorder
	hooks       *hooks.Manager
	log         *logging.Logger

	dedup *dedupCache
	reg   *registry
	wake  chan struct{}
	tasks chan task

	// One lock guards both window maps; wait loops never hold it while
	// sleeping.
	windowMu      sync.Mutex
	textWindows   map[string]*textWindow
	createWindows map[string]*createWindow

	imageMu    sync.Mutex
	lastImages map[string]lastImage

	runCtx  context.Context
	stopRun context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine. Call Start to launch the dispatch loop and
// worker pool.
func New(opts Options, log *logging.Logger) *Engine {
	cfg := opts.Config
	if cfg.ConcurrencyInSession < 1 {
		cfg.ConcurrencyInSession = 4
	}
	if cfg.WorkerPoolSize < 1 {
		cfg.WorkerPoolSize = 8
	}
	elog := log.Sub("engine")
	return &Engine{
		runCtx:        context.Background(),
		cfg:           cfg,
		t:             defaultTimings(cfg.ImageGraceSeconds),
		gen:           opts.Generator,
		imgGen:        opts.ImageGen,
		transcriber:   opts.Transcriber,
		sender:        opts.Sender,
		notifier:      opts.Notifier,
		recorder:      opts.Recorder,
		hooks:         opts.Hooks,
		log:           elog,
		dedup:         newDedupCache(messageExpiry),
		reg:           newRegistry(cfg.ConcurrencyInSession, elog),
		wake:          make(chan struct{}, 1),
		tasks:         make(chan task, 256),
		textWindows:   make(map[string]*textWindow),
		createWindows: make(map[string]*createWindow),
		lastImages:    make(map[string]lastImage),
	}
}

// Start launches the dispatch loop and the shared worker pool.
func (e *Engine) Start(ctx context.Context) {
	e.runCtx, e.stopRun = context.WithCancel(ctx)

	for i := 0; i < e.cfg.WorkerPoolSize; i++ {
		e.wg.Add(1)
		go e.worker(e.runCtx)
	}
	e.wg.Add(1)
	go e.dispatchLoop(e.runCtx)

	e.log.Info().
		Int("workers", e.cfg.WorkerPoolSize).
		Int("concurrencyInSession", e.cfg.ConcurrencyInSession).
		Msg("engine started")
}

// Stop cancels the dispatch loop and waits for workers and window tasks
// to observe the cancellation.
func (e *Engine) Stop() {
	if e.stopRun != nil {
		e.stopRun()
	}
	e.wg.Wait()
	e.log.Info().Msg("engine stopped")
}

// HandleInbound composes an inbound message into a context and enqueues it.
// Messages that match no trigger are dropped.
func (e *Engine) HandleInbound(msg domain.InboundMessage) {
	if e.hooks != nil {
		e.hooks.Emit(context.Background(), hooks.EventMessageReceived, map[string]any{
			"channel": msg.ChannelID,
			"type":    string(msg.Type),
			"from":    msg.From,
		})
	}
	mc := e.Compose(msg)
	if mc == nil {
		e.log.Debug().Str("channel", msg.ChannelID).Str("from", msg.From).Msg("message did not trigger, dropped")
		return
	}
	e.Enqueue(mc)
}

// Enqueue adds a context to its session queue and wakes the dispatch loop.
func (e *Engine) Enqueue(mc *domain.Context) {
	if mc == nil || mc.SessionID == "" {
		return
	}
	e.reg.enqueue(mc)
	e.wakeUp()
}

// CancelSession drops every queued-but-unstarted context for a session.
// Work already executing runs to completion.
func (e *Engine) CancelSession(sessionID string) {
	if n := e.reg.cancel(sessionID); n > 0 {
		e.log.Info().Str("session", sessionID).Int("cancelled", n).Msg("cancelled queued contexts")
	}
}

// CancelAllSessions drops queued work for every session.
func (e *Engine) CancelAllSessions() {
	for _, sid := range e.reg.sessionIDs() {
		e.CancelSession(sid)
	}
}

func (e *Engine) imageEnabled() bool {
	return e.imgGen != nil
}

func (e *Engine) wakeUp() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// sleep waits for d or until ctx is cancelled.
func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// generate invokes the reply collaborator, mapping errors to an empty
// reply so the retry policy applies.
func (e *Engine) generate(ctx context.Context, query string, mc *domain.Context) domain.Reply {
	reply, err := e.gen.Generate(ctx, query, mc)
	if err != nil {
		e.log.Error().Err(err).Str("session", mc.SessionID).Msg("reply generation failed")
		if e.notifier != nil {
			e.notifier.Notify("generation", err.Error(), "engine")
		}
		return domain.Reply{}
	}
	return reply
}
