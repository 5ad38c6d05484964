package engine

import (
	"context"
	"time"

	"github.com/pixelbao/chatflow/internal/domain"
)

// lastImage remembers the most recent lone image per session so a
// create or gacha command arriving shortly after can reference it.
type lastImage struct {
	path string
	at   time.Time
}

// generateReply routes one context by type. Window types return an
// empty reply here and answer asynchronously.
func (e *Engine) generateReply(ctx context.Context, mc *domain.Context) domain.Reply {
	switch mc.Type {
	case domain.ContextText:
		if e.appendCreatePrompt(mc.SessionID, mc.Content) {
			e.log.Info().Str("session", mc.SessionID).Msg("text appended to the pending image request")
			return domain.Reply{}
		}
		e.openTextWindow(mc)
		return domain.Reply{}

	case domain.ContextImageCreate:
		if !e.imageEnabled() {
			// Without an image model the prompt goes to the plain bot.
			return e.generate(ctx, mc.Content, mc)
		}
		e.openCreateWindow(mc, modeCreate, 0)
		return domain.Reply{}

	case domain.ContextGachaCreate:
		if !e.imageEnabled() {
			return domain.Reply{
				Type:    domain.ReplyError,
				Content: "gacha needs an image generation model, none is configured",
			}
		}
		count := e.cfg.GachaDefaultCount
		if v, ok := mc.Get(dataGachaCount); ok {
			if n, ok := v.(int); ok {
				count = n
			}
		}
		if count < 1 {
			count = 1
		}
		e.openCreateWindow(mc, modeGacha, count)
		return domain.Reply{}

	case domain.ContextVoice:
		return e.handleVoice(ctx, mc)

	case domain.ContextImage:
		return e.handleImage(ctx, mc)

	case domain.ContextVideo:
		return e.handleVideo(ctx, mc)

	case domain.ContextSharing:
		return e.generate(ctx, mc.Content, mc)

	default:
		e.log.Warn().Str("type", string(mc.Type)).Msg("no handler for context type")
		return domain.Reply{}
	}
}

// handleVoice transcribes a recording and re-runs the result as text,
// keeping the voice origin so the reply modality can follow it.
func (e *Engine) handleVoice(ctx context.Context, mc *domain.Context) domain.Reply {
	if e.transcriber == nil {
		return domain.Reply{Type: domain.ReplyInfo, Content: "voice messages are not supported here yet"}
	}
	text, err := e.transcriber.Transcribe(ctx, mc.Content)
	if err != nil {
		e.log.Error().Err(err).Str("session", mc.SessionID).Msg("voice transcription failed")
		return domain.Reply{}
	}
	if text == "" {
		return domain.Reply{}
	}

	nmc := &domain.Context{
		SessionID:  mc.SessionID,
		Receiver:   mc.Receiver,
		ChannelID:  mc.ChannelID,
		MsgID:      mc.MsgID,
		IsGroup:    mc.IsGroup,
		SenderName: mc.SenderName,
	}
	nmc.Set(dataOriginType, string(domain.ContextVoice))
	if e.cfg.AlwaysReplyVoice || !mc.IsGroup {
		nmc.Set(dataDesireReplyType, string(domain.ReplyVoice))
	}
	e.classifyText(nmc, text)
	return e.generateReply(ctx, nmc)
}

// handleImage first offers the image to any open window; a lone image
// is cached and given a grace period for a follow-up command before
// falling through to ordinary image recognition.
func (e *Engine) handleImage(ctx context.Context, mc *domain.Context) domain.Reply {
	sid := mc.SessionID
	if e.attachImageToText(sid, mc.Content) {
		e.log.Info().Str("session", sid).Msg("image joined the pending text window")
		return domain.Reply{}
	}
	if e.attachRefImage(sid, mc.Content) {
		e.log.Info().Str("session", sid).Msg("image joined the pending image request")
		return domain.Reply{}
	}

	e.cacheImage(sid, mc.Content)
	e.sleep(ctx, e.t.imageGrace)
	if ctx.Err() != nil {
		return domain.Reply{}
	}
	if e.attachRefImage(sid, mc.Content) {
		e.log.Info().Str("session", sid).Msg("image joined an image request opened during the grace period")
		return domain.Reply{}
	}
	if e.attachImageToText(sid, mc.Content) {
		e.log.Info().Str("session", sid).Msg("image joined a text window opened during the grace period")
		return domain.Reply{}
	}
	return e.generate(ctx, mc.Content, mc)
}

// handleVideo folds a pending text window into the video query and
// passes the video on for recognition.
func (e *Engine) handleVideo(ctx context.Context, mc *domain.Context) domain.Reply {
	if q, ok := e.takeTextWindowQuery(mc.SessionID); ok {
		mc.Set(dataVideoQuery, q)
		e.log.Info().Str("session", mc.SessionID).Msg("pending text merged into the video query")
	}
	return e.generate(ctx, mc.Content, mc)
}

func (e *Engine) cacheImage(sessionID, path string) {
	e.imageMu.Lock()
	e.lastImages[sessionID] = lastImage{path: path, at: time.Now()}
	e.imageMu.Unlock()
}

// recentImage returns the session's cached image if it arrived within
// the window wait time.
func (e *Engine) recentImage(sessionID string) (string, bool) {
	e.imageMu.Lock()
	defer e.imageMu.Unlock()
	li, ok := e.lastImages[sessionID]
	if !ok || time.Since(li.at) > e.t.initialWait {
		return "", false
	}
	return li.path, true
}
