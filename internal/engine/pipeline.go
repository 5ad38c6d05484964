package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pixelbao/chatflow/internal/domain"
	"github.com/pixelbao/chatflow/internal/hooks"
)

// decorateReply applies channel cosmetics: the group @-mention, the
// configured reply prefix and suffix, and the error/info banner.
func (e *Engine) decorateReply(mc *domain.Context, reply domain.Reply) domain.Reply {
	if reply.Type == "" {
		return reply
	}
	if e.hooks != nil {
		e.hooks.Emit(context.Background(), hooks.EventReplyDecorating, map[string]any{
			"session": mc.SessionID,
			"type":    string(reply.Type),
		})
	}

	switch reply.Type {
	case domain.ReplyText:
		if desired := mc.GetString(dataDesireReplyType); desired != "" && desired != string(reply.Type) {
			e.log.Warn().
				Str("session", mc.SessionID).
				Str("desired", desired).
				Msg("desired reply modality is unavailable, sending text")
		}
		text := reply.Content
		if mc.IsGroup {
			if mc.SenderName != "" {
				if v, ok := mc.Get(dataNoNeedAt); !ok || v != true {
					text = "@" + mc.SenderName + "\n" + strings.TrimSpace(text)
				}
			}
			text = e.cfg.GroupChatReplyPrefix + text + e.cfg.GroupChatReplySuffix
		} else {
			text = e.cfg.SingleChatReplyPrefix + text + e.cfg.SingleChatReplySuffix
		}
		reply.Content = text
	case domain.ReplyError, domain.ReplyInfo:
		reply.Content = "[" + strings.ToUpper(string(reply.Type)) + "]\n" + reply.Content
	}
	return reply
}

// sendReply delivers a reply through the channel collaborator, retrying
// transient failures with a linear backoff before giving up and raising
// an external notification.
func (e *Engine) sendReply(ctx context.Context, mc *domain.Context, reply domain.Reply) {
	if reply.Type == "" {
		return
	}
	if e.hooks != nil {
		e.hooks.Emit(context.Background(), hooks.EventReplySending, map[string]any{
			"session":  mc.SessionID,
			"receiver": mc.Receiver,
			"type":     string(reply.Type),
		})
	}
	if e.recorder != nil {
		e.recorder.RecordOutbound(mc, reply)
	}

	for attempt := 0; ; attempt++ {
		err := e.sender.Send(reply, mc)
		if err == nil {
			e.log.Debug().
				Str("session", mc.SessionID).
				Str("receiver", mc.Receiver).
				Str("type", string(reply.Type)).
				Msg("reply sent")
			return
		}
		e.log.Error().Err(err).
			Str("session", mc.SessionID).
			Int("attempt", attempt+1).
			Msg("reply delivery failed")
		if attempt >= 2 || ctx.Err() != nil {
			if e.notifier != nil {
				e.notifier.Notify("delivery", fmt.Sprintf("giving up on a reply after %d attempts: %v", attempt+1, err), "engine")
			}
			return
		}
		e.sleep(ctx, e.t.sendRetryBase+time.Duration(attempt)*e.t.sendRetryUnit)
	}
}
