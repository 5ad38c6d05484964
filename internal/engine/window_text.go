package engine

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/pixelbao/chatflow/internal/domain"
)

// textWindow holds a generated-but-unsent text reply open so images
// arriving just after the text can be recognized against it instead.
// Exactly one logical outcome leaves the window: either the held reply,
// or one recognition reply per attached image.
type textWindow struct {
	id        string
	anchor    *domain.Context
	images    []string
	lastImage time.Time
	cancelled bool
}

func (e *Engine) textWindowOpen(sessionID string) bool {
	e.windowMu.Lock()
	defer e.windowMu.Unlock()
	return e.textWindows[sessionID] != nil
}

// attachImageToText offers an image to the session's open text window.
// Each attach resets the per-image countdown.
func (e *Engine) attachImageToText(sessionID, path string) bool {
	e.windowMu.Lock()
	defer e.windowMu.Unlock()
	w := e.textWindows[sessionID]
	if w == nil || w.cancelled {
		return false
	}
	if slices.Contains(w.images, path) {
		return true
	}
	w.images = append(w.images, path)
	w.lastImage = time.Now()
	return true
}

// takeTextWindowQuery closes the session's text window without sending
// its held reply and returns the anchor text.
func (e *Engine) takeTextWindowQuery(sessionID string) (string, bool) {
	e.windowMu.Lock()
	defer e.windowMu.Unlock()
	w := e.textWindows[sessionID]
	if w == nil {
		return "", false
	}
	w.cancelled = true
	delete(e.textWindows, sessionID)
	return w.anchor.Content, true
}

// openTextWindow opens a window anchored at mc, superseding any window
// already open for the session. The superseded window keeps its images
// but never sends its held reply.
func (e *Engine) openTextWindow(mc *domain.Context) {
	w := &textWindow{id: uuid.NewString(), anchor: mc}

	e.windowMu.Lock()
	if old := e.textWindows[mc.SessionID]; old != nil {
		old.cancelled = true
		e.log.Info().Str("session", mc.SessionID).Msg("new text supersedes the pending one")
	}
	e.textWindows[mc.SessionID] = w
	e.windowMu.Unlock()

	e.wg.Add(1)
	go e.runTextWindow(e.runCtx, w)
}

func (e *Engine) runTextWindow(ctx context.Context, w *textWindow) {
	defer e.wg.Done()
	sid := w.anchor.SessionID

	// Generate up front so the reply is ready the moment the window
	// closes with no images.
	held := e.generate(ctx, w.anchor.Content, w.anchor)

	e.sleep(ctx, e.t.initialWait)
	waited := e.t.initialWait
	for waited < e.t.maxWait && ctx.Err() == nil {
		e.windowMu.Lock()
		cancelled := w.cancelled
		last := w.lastImage
		e.windowMu.Unlock()
		if cancelled || last.IsZero() || time.Since(last) >= e.t.imageWait {
			break
		}
		e.sleep(ctx, e.t.checkEvery)
		waited += e.t.checkEvery
	}
	if ctx.Err() != nil {
		return
	}

	e.windowMu.Lock()
	images := slices.Clone(w.images)
	cancelled := w.cancelled
	if e.textWindows[sid] == w {
		delete(e.textWindows, sid)
	}
	e.windowMu.Unlock()

	if len(images) > 0 {
		e.log.Info().Str("session", sid).Str("window", w.id).Int("images", len(images)).Msg("text window closed with images, recognizing")
		for _, img := range images {
			imc := &domain.Context{
				Type:       domain.ContextImage,
				Content:    img,
				SessionID:  sid,
				Receiver:   w.anchor.Receiver,
				ChannelID:  w.anchor.ChannelID,
				IsGroup:    w.anchor.IsGroup,
				SenderName: w.anchor.SenderName,
			}
			imc.Set(dataImageQuery, w.anchor.Content)
			reply := e.generate(ctx, img, imc)
			if reply.Empty() {
				e.log.Warn().Str("session", sid).Str("image", img).Msg("image recognition yielded nothing")
				continue
			}
			e.sendReply(ctx, imc, e.decorateReply(imc, reply))
		}
		return
	}
	if cancelled {
		e.log.Info().Str("session", sid).Msg("superseded text window discarded its reply")
		return
	}
	if held.Empty() {
		e.log.Warn().Str("session", sid).Msg("text window closed with nothing to send")
		return
	}
	e.sendReply(ctx, w.anchor, e.decorateReply(w.anchor, held))
}
