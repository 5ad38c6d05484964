// Package domain defines the core types shared across ChatFlow:
// message contexts, replies, session keys, and the channel interface.
package domain

import "time"

// ContextType classifies an inbound unit of work.
type ContextType string

const (
	ContextText        ContextType = "text"
	ContextImage       ContextType = "image"
	ContextVoice       ContextType = "voice"
	ContextVideo       ContextType = "video"
	ContextImageCreate ContextType = "image_create"
	ContextGachaCreate ContextType = "gacha_create"
	ContextSharing     ContextType = "sharing"
	ContextFunction    ContextType = "function"
)

// Context is one inbound unit of work flowing through the engine.
// Content holds text, or a local path for downloaded media. Data carries
// arbitrary side-channel values (desired reply modality, image query text,
// gacha count) set by composition and the coalescing windows.
type Context struct {
	Type       ContextType
	Content    string
	SessionID  string
	Receiver   string
	ChannelID  string
	MsgID      string
	IsGroup    bool
	SenderName string
	Data       map[string]any
}

// Get returns a side-channel value.
func (c *Context) Get(key string) (any, bool) {
	if c.Data == nil {
		return nil, false
	}
	v, ok := c.Data[key]
	return v, ok
}

// GetString returns a side-channel value as a string, or "" if absent.
func (c *Context) GetString(key string) string {
	if v, ok := c.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Set stores a side-channel value.
func (c *Context) Set(key string, value any) {
	if c.Data == nil {
		c.Data = make(map[string]any)
	}
	c.Data[key] = value
}

// ReplyType classifies an outbound reply.
type ReplyType string

const (
	ReplyText     ReplyType = "text"
	ReplyImageURL ReplyType = "image_url"
	ReplyImage    ReplyType = "image"
	ReplyVoice    ReplyType = "voice"
	ReplyVideoURL ReplyType = "video_url"
	ReplyInfo     ReplyType = "info"
	ReplyError    ReplyType = "error"
)

// Reply is the downstream collaborator's answer for one Context.
// A zero Reply means "no answer yet" and is subject to the retry policy.
type Reply struct {
	Type    ReplyType
	Content string
}

// Empty reports whether the reply carries no content.
func (r Reply) Empty() bool {
	return r.Content == ""
}

// MessageType classifies a raw inbound message before composition.
type MessageType string

const (
	MessageText    MessageType = "text"
	MessageImage   MessageType = "image"
	MessageVoice   MessageType = "voice"
	MessageVideo   MessageType = "video"
	MessageSharing MessageType = "sharing"
)

// InboundMessage is a message as delivered by a platform adapter, before
// trigger matching and session resolution turn it into a Context.
type InboundMessage struct {
	ID        string
	ChannelID string
	Type      MessageType
	Content   string

	From     string // sender user ID (group: the group peer ID for DMs)
	FromName string

	IsGroup   bool
	GroupID   string
	GroupName string

	// In group chats the actual speaking member, distinct from the group.
	ActualFrom     string
	ActualFromName string

	ToSelf    bool // message addressed directly to the bot account
	FromSelf  bool // message sent by the bot account itself
	IsAt      bool // bot was @-mentioned
	SelfName  string
	Timestamp time.Time
}
