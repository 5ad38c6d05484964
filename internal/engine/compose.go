package engine

import (
	"slices"
	"strconv"
	"strings"

	"github.com/pixelbao/chatflow/internal/domain"
)

// Side-channel keys carried in Context.Data.
const (
	dataGachaCount      = "gachaCount"
	dataDesireReplyType = "desireReplyType"
	dataOriginType      = "originType"
	dataImageQuery      = "imgQuery"
	dataVideoQuery      = "videoQuery"
	dataNoNeedAt        = "noNeedAt"
)

// Compose applies trigger matching and session resolution to a raw
// inbound message. Returns nil when the message should not be handled.
func (e *Engine) Compose(msg domain.InboundMessage) *domain.Context {
	if msg.FromSelf && e.cfg.TriggerBySelf != nil && !*e.cfg.TriggerBySelf {
		return nil
	}

	mc := &domain.Context{
		ChannelID:  msg.ChannelID,
		MsgID:      msg.ID,
		IsGroup:    msg.IsGroup,
		SenderName: msg.FromName,
	}

	if msg.IsGroup {
		if !e.groupTriggerable(msg) {
			return nil
		}
		mc.SenderName = msg.ActualFromName
		mc.Receiver = msg.GroupID
		if slices.Contains(e.cfg.GroupChatInOneSession, msg.GroupName) ||
			slices.Contains(e.cfg.GroupChatInOneSession, "ALL_GROUP") {
			mc.SessionID = msg.GroupID
		} else {
			mc.SessionID = msg.ActualFrom
			if mc.SessionID == "" {
				mc.SessionID = msg.GroupID
			}
		}
	} else {
		mc.Receiver = msg.From
		mc.SessionID = msg.From
	}

	switch msg.Type {
	case domain.MessageText:
		return e.composeText(msg, mc)
	case domain.MessageImage:
		mc.Type = domain.ContextImage
		mc.Content = msg.Content
	case domain.MessageVoice:
		if e.blacklisted(msg) {
			return nil
		}
		mc.Type = domain.ContextVoice
		mc.Content = msg.Content
		mc.Set(dataOriginType, string(domain.ContextVoice))
	case domain.MessageVideo:
		mc.Type = domain.ContextVideo
		mc.Content = msg.Content
	case domain.MessageSharing:
		mc.Type = domain.ContextSharing
		mc.Content = msg.Content
	default:
		e.log.Warn().Str("type", string(msg.Type)).Msg("unsupported message type")
		return nil
	}
	return mc
}

func (e *Engine) composeText(msg domain.InboundMessage, mc *domain.Context) *domain.Context {
	if e.blacklisted(msg) {
		return nil
	}
	content := strings.TrimSpace(stripQuotedMessage(msg.Content))
	if content == "" {
		return nil
	}

	if msg.IsGroup {
		stripped, ok := e.matchGroupTrigger(msg, content)
		if !ok {
			return nil
		}
		content = stripped
	} else {
		prefix, ok := matchPrefix(content, e.cfg.SingleChatPrefix)
		if !ok && mc.GetString(dataOriginType) == "" {
			return nil
		}
		content = strings.TrimSpace(strings.TrimPrefix(content, prefix))
	}
	if content == "" {
		return nil
	}

	e.classifyText(mc, content)

	if e.cfg.AlwaysReplyVoice {
		mc.Set(dataDesireReplyType, string(domain.ReplyVoice))
	}
	return mc
}

// classifyText maps triggered text onto its context type: gacha batch,
// image create, or plain text.
func (e *Engine) classifyText(mc *domain.Context, content string) {
	if prefix, ok := matchPrefix(content, e.cfg.GachaPrefix); ok {
		rest := strings.TrimSpace(strings.TrimPrefix(content, prefix))
		count, prompt := parseGachaCount(rest, e.cfg.GachaDefaultCount, e.cfg.GachaMaxCount)
		mc.Type = domain.ContextGachaCreate
		mc.Content = prompt
		mc.Set(dataGachaCount, count)
		return
	}
	if prefix, ok := matchPrefix(content, e.cfg.ImageCreatePrefix); ok {
		mc.Type = domain.ContextImageCreate
		mc.Content = strings.TrimSpace(strings.TrimPrefix(content, prefix))
		return
	}
	mc.Type = domain.ContextText
	mc.Content = content
}

// matchGroupTrigger decides whether group text addresses the bot and
// returns the content with the trigger prefix and @-mention removed.
func (e *Engine) matchGroupTrigger(msg domain.InboundMessage, content string) (string, bool) {
	if prefix, ok := matchPrefix(content, e.cfg.GroupChatPrefix); ok {
		return strings.TrimSpace(strings.TrimPrefix(content, prefix)), true
	}
	for _, kw := range e.cfg.GroupChatKeyword {
		if kw != "" && strings.Contains(content, kw) {
			return content, true
		}
	}
	if msg.IsAt && !e.cfg.GroupAtOff {
		if msg.SelfName != "" {
			content = strings.ReplaceAll(content, "@"+msg.SelfName, "")
		}
		return strings.TrimSpace(content), true
	}
	return "", false
}

// groupTriggerable checks the group whitelist: exact names, the
// ALL_GROUP wildcard, or a configured keyword contained in the name.
func (e *Engine) groupTriggerable(msg domain.InboundMessage) bool {
	wl := e.cfg.GroupNameWhiteList
	if slices.Contains(wl, msg.GroupName) || slices.Contains(wl, "ALL_GROUP") {
		return true
	}
	for _, kw := range e.cfg.GroupNameKeywordWhiteList {
		if kw != "" && strings.Contains(msg.GroupName, kw) {
			return true
		}
	}
	return false
}

func (e *Engine) blacklisted(msg domain.InboundMessage) bool {
	name := msg.FromName
	if msg.IsGroup {
		name = msg.ActualFromName
	}
	if name != "" && slices.Contains(e.cfg.NickNameBlackList, name) {
		e.log.Debug().Str("nickname", name).Msg("sender is blacklisted")
		return true
	}
	return false
}

// quoteSeparator is the divider some platforms insert between a quoted
// message and the reply typed under it.
const quoteSeparator = "」\n- - - - - - - - - - - - - - -"

// stripQuotedMessage drops the quoted block from a quote-reply so only
// the text the sender actually typed is processed.
func stripQuotedMessage(content string) string {
	if !strings.HasPrefix(content, "「") {
		return content
	}
	if idx := strings.Index(content, quoteSeparator); idx >= 0 {
		return content[idx+len(quoteSeparator):]
	}
	return content
}

// matchPrefix returns the first prefix in the list that content starts
// with. An empty string in the list matches everything.
func matchPrefix(content string, prefixes []string) (string, bool) {
	for _, p := range prefixes {
		if strings.HasPrefix(content, p) {
			return p, true
		}
	}
	return "", false
}

// parseGachaCount splits an optional leading count off a gacha prompt
// and clamps it to [1, max]. Without a leading number the default
// applies.
func parseGachaCount(rest string, def, max int) (int, string) {
	count := def
	fields := strings.Fields(rest)
	if len(fields) > 0 {
		if n, err := strconv.Atoi(fields[0]); err == nil {
			count = n
			rest = strings.TrimSpace(strings.TrimPrefix(rest, fields[0]))
		}
	}
	if count < 1 {
		count = 1
	}
	if count > max {
		count = max
	}
	return count, rest
}
