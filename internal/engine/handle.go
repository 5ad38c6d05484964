package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/pixelbao/chatflow/internal/domain"
)

// handle runs one admitted context through generation, the empty-reply
// retry policy, and delivery.
func (e *Engine) handle(ctx context.Context, mc *domain.Context) {
	if mc == nil {
		return
	}
	if mc.Content == "" && mc.Type != domain.ContextImageCreate && mc.Type != domain.ContextGachaCreate {
		return
	}
	if !e.dedup.Admit(mc.MsgID) {
		e.log.Warn().Str("msgId", mc.MsgID).Str("session", mc.SessionID).Msg("duplicate message, dropped")
		return
	}
	if e.recorder != nil {
		e.recorder.RecordInbound(mc)
	}
	e.log.Debug().
		Str("session", mc.SessionID).
		Str("type", string(mc.Type)).
		Msg("handling context")

	maxRetry := 2
	if e.cfg.EmptyReplyRetryCount != nil {
		maxRetry = *e.cfg.EmptyReplyRetryCount
	}

	attempts := 1
	var reply domain.Reply
	for {
		reply = e.generateReply(ctx, mc)
		if !reply.Empty() {
			break
		}
		// The window types answer asynchronously; an empty reply there is
		// not a failure and must not be retried.
		if mc.Type == domain.ContextImageCreate || mc.Type == domain.ContextGachaCreate {
			break
		}
		if e.absorbed(mc) {
			break
		}
		if attempts > maxRetry || ctx.Err() != nil {
			break
		}
		e.log.Warn().
			Str("session", mc.SessionID).
			Int("attempt", attempts).
			Msg("empty reply, retrying")
		e.sleep(ctx, time.Duration(attempts)*e.t.emptyRetryUnit)
		attempts++
	}

	if !reply.Empty() {
		e.sendReply(ctx, mc, e.decorateReply(mc, reply))
		return
	}
	if mc.Type == domain.ContextImageCreate || mc.Type == domain.ContextGachaCreate {
		e.log.Debug().Str("session", mc.SessionID).Msg("image request handed to its window")
		return
	}
	if e.absorbed(mc) {
		e.log.Debug().Str("session", mc.SessionID).Msg("context absorbed by a coalescing window")
		return
	}

	e.log.Error().
		Str("session", mc.SessionID).
		Int("attempts", attempts).
		Msg("still no reply after retries")
	apology := domain.Reply{
		Type:    domain.ReplyError,
		Content: fmt.Sprintf("sorry, I tried %d times and still could not come up with a reply, please try again later", attempts),
	}
	e.sendReply(ctx, mc, e.decorateReply(mc, apology))
}

// absorbed reports whether an open coalescing window has taken
// ownership of this context's outcome.
func (e *Engine) absorbed(mc *domain.Context) bool {
	if mc.SessionID == "" {
		return false
	}
	switch mc.Type {
	case domain.ContextText, domain.ContextImage, domain.ContextVoice:
		e.windowMu.Lock()
		defer e.windowMu.Unlock()
		return e.textWindows[mc.SessionID] != nil || e.createWindows[mc.SessionID] != nil
	default:
		return false
	}
}
