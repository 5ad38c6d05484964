package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pixelbao/chatflow/internal/domain"
)

type windowMode int

const (
	modeCreate windowMode = iota
	modeGacha
)

// createWindow collects the parts of an image request: the command that
// opened it, follow-up text appended to the prompt, and reference
// images. Each window carries its own identity so a superseding command
// never closes on its predecessor's state.
type createWindow struct {
	id        string
	anchor    *domain.Context
	mode      windowMode
	count     int
	prompt    string
	refs      []string
	lastInput time.Time
	opened    time.Time
}

func (e *Engine) createWindowOpen(sessionID string) bool {
	e.windowMu.Lock()
	defer e.windowMu.Unlock()
	return e.createWindows[sessionID] != nil
}

// appendCreatePrompt concatenates follow-up text onto an open image
// request's prompt. Text does not reset the countdown.
func (e *Engine) appendCreatePrompt(sessionID, text string) bool {
	e.windowMu.Lock()
	defer e.windowMu.Unlock()
	w := e.createWindows[sessionID]
	if w == nil {
		return false
	}
	if w.prompt == "" {
		w.prompt = text
	} else {
		w.prompt += " " + text
	}
	return true
}

// attachRefImage adds a reference image to an open image request and
// resets the countdown. Re-offering the same path is a no-op that still
// reports absorption.
func (e *Engine) attachRefImage(sessionID, path string) bool {
	e.windowMu.Lock()
	defer e.windowMu.Unlock()
	w := e.createWindows[sessionID]
	if w == nil {
		return false
	}
	if slices.Contains(w.refs, path) {
		return true
	}
	w.refs = append(w.refs, path)
	w.lastInput = time.Now()
	return true
}

// openCreateWindow opens an image request window, seeding it with the
// session's recently cached image if one exists. A window already open
// for the session is superseded.
func (e *Engine) openCreateWindow(mc *domain.Context, mode windowMode, count int) {
	now := time.Now()
	w := &createWindow{
		id:     uuid.NewString(),
		anchor: mc,
		mode:   mode,
		count:  count,
		prompt: mc.Content,
		opened: now,
	}
	if img, ok := e.recentImage(mc.SessionID); ok {
		w.refs = append(w.refs, img)
		e.log.Info().Str("session", mc.SessionID).Msg("seeded the image request with the just-received image")
	}

	e.windowMu.Lock()
	if e.createWindows[mc.SessionID] != nil {
		e.log.Info().Str("session", mc.SessionID).Msg("new image request supersedes the pending one")
	}
	e.createWindows[mc.SessionID] = w
	e.windowMu.Unlock()

	e.wg.Add(1)
	go e.runCreateWindow(e.runCtx, w)
}

func (e *Engine) runCreateWindow(ctx context.Context, w *createWindow) {
	defer e.wg.Done()
	sid := w.anchor.SessionID

	e.sleep(ctx, e.t.initialWait)
	waited := e.t.initialWait
	for waited < e.t.maxWait && ctx.Err() == nil {
		e.windowMu.Lock()
		live := e.createWindows[sid] == w
		last := w.lastInput
		e.windowMu.Unlock()
		if !live {
			e.log.Info().Str("session", sid).Str("window", w.id).Msg("image request was superseded, discarding")
			return
		}
		if last.IsZero() {
			last = w.opened
		}
		if time.Since(last) >= e.t.imageWait {
			break
		}
		e.sleep(ctx, e.t.checkEvery)
		waited += e.t.checkEvery
	}
	if ctx.Err() != nil {
		return
	}

	e.windowMu.Lock()
	if e.createWindows[sid] != w {
		e.windowMu.Unlock()
		e.log.Info().Str("session", sid).Str("window", w.id).Msg("image request was superseded, discarding")
		return
	}
	refs := slices.Clone(w.refs)
	prompt := strings.TrimSpace(w.prompt)
	e.windowMu.Unlock()

	if w.mode == modeGacha {
		e.closeGachaWindow(ctx, w, refs, prompt)
		return
	}
	e.closeCreateWindow(ctx, w, refs, prompt)
}

// closeCreateWindow resolves a single image request: edit with
// references, create from prompt alone, complain about references
// without a prompt, or discard an empty window silently.
func (e *Engine) closeCreateWindow(ctx context.Context, w *createWindow, refs []string, prompt string) {
	mc := w.anchor
	var reply domain.Reply

	switch {
	case len(refs) > 0 && prompt != "":
		tip := fmt.Sprintf("got %d reference image(s) and the prompt %q, generating now, this can take a minute or two", len(refs), prompt)
		e.sendReply(ctx, mc, e.decorateReply(mc, domain.Reply{Type: domain.ReplyText, Content: tip}))
		stop := e.startReminder(ctx, mc)
		url, err := e.imgGen.Edit(ctx, prompt, refs)
		stop()
		reply = e.imageResult(mc, url, err)

	case len(refs) > 0:
		reply = domain.Reply{Type: domain.ReplyError, Content: "please tell me what to do with the image(s) you sent"}

	case prompt != "":
		tip := fmt.Sprintf("generating an image for %q, this can take a minute or two", prompt)
		e.sendReply(ctx, mc, e.decorateReply(mc, domain.Reply{Type: domain.ReplyText, Content: tip}))
		stop := e.startReminder(ctx, mc)
		url, err := e.imgGen.Create(ctx, prompt)
		stop()
		reply = e.imageResult(mc, url, err)

	default:
		e.removeCreateWindow(w)
		e.log.Info().Str("session", mc.SessionID).Msg("empty image request discarded")
		return
	}

	e.removeCreateWindow(w)
	e.sendReply(ctx, mc, e.decorateReply(mc, reply))
}

// closeGachaWindow runs the batch: sequential generations with a
// progress line after each, then a summary.
func (e *Engine) closeGachaWindow(ctx context.Context, w *createWindow, refs []string, prompt string) {
	mc := w.anchor
	if prompt == "" && len(refs) == 0 {
		e.removeCreateWindow(w)
		e.log.Info().Str("session", mc.SessionID).Msg("empty gacha request discarded")
		return
	}

	mode := "text-to-image"
	if len(refs) > 0 {
		mode = "image-to-image"
	}
	start := fmt.Sprintf("gacha time! rolling %d image(s) in %s mode\nprompt: %s", w.count, mode, prompt)
	if len(refs) > 0 {
		start += fmt.Sprintf("\nreference images: %d", len(refs))
	}
	e.sendReply(ctx, mc, e.decorateReply(mc, domain.Reply{Type: domain.ReplyText, Content: start}))

	succeeded, failed := 0, 0
	for i := 1; i <= w.count && ctx.Err() == nil; i++ {
		var (
			url string
			err error
		)
		if len(refs) > 0 {
			url, err = e.imgGen.Edit(ctx, prompt, refs)
		} else {
			url, err = e.imgGen.Create(ctx, prompt)
		}
		if err != nil {
			failed++
			e.log.Error().Err(err).Str("session", mc.SessionID).Int("roll", i).Msg("gacha generation failed")
			e.sendReply(ctx, mc, e.decorateReply(mc, domain.Reply{
				Type:    domain.ReplyText,
				Content: fmt.Sprintf("roll %d/%d failed: %v", i, w.count, err),
			}))
			continue
		}
		succeeded++
		e.sendReply(ctx, mc, e.decorateReply(mc, domain.Reply{Type: domain.ReplyImageURL, Content: url}))
		e.sendReply(ctx, mc, e.decorateReply(mc, domain.Reply{
			Type:    domain.ReplyText,
			Content: fmt.Sprintf("roll %d/%d done", i, w.count),
		}))
	}

	e.removeCreateWindow(w)
	summary := fmt.Sprintf("gacha complete: %d image(s) generated", succeeded)
	if failed > 0 {
		summary = fmt.Sprintf("gacha complete: %d succeeded, %d failed", succeeded, failed)
	}
	e.sendReply(ctx, mc, e.decorateReply(mc, domain.Reply{Type: domain.ReplyText, Content: summary}))
}

func (e *Engine) imageResult(mc *domain.Context, url string, err error) domain.Reply {
	if err != nil {
		e.log.Error().Err(err).Str("session", mc.SessionID).Msg("image generation failed")
		if e.notifier != nil {
			e.notifier.Notify("imagegen", err.Error(), "engine")
		}
		return domain.Reply{Type: domain.ReplyError, Content: "image generation failed: " + err.Error()}
	}
	return domain.Reply{Type: domain.ReplyImageURL, Content: url}
}

// removeCreateWindow deletes the window only if it is still the
// session's current one.
func (e *Engine) removeCreateWindow(w *createWindow) {
	e.windowMu.Lock()
	if e.createWindows[w.anchor.SessionID] == w {
		delete(e.createWindows, w.anchor.SessionID)
	}
	e.windowMu.Unlock()
}

// startReminder emits a progress line every interval until stopped.
func (e *Engine) startReminder(ctx context.Context, mc *domain.Context) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.t.reminderEvery)
		defer ticker.Stop()
		elapsed := 0
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed++
				e.sendReply(ctx, mc, e.decorateReply(mc, domain.Reply{
					Type:    domain.ReplyText,
					Content: fmt.Sprintf("still generating, %d minute(s) in, hang tight", elapsed),
				}))
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
