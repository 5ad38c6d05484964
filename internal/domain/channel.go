package domain

import "context"

// ChannelStatus reports the runtime state of a channel adapter.
type ChannelStatus struct {
	ChannelID string `json:"channelId"`
	Connected bool   `json:"connected"`
	Running   bool   `json:"running"`
	LastError string `json:"lastError,omitempty"`
}

// Channel is the interface every platform adapter must satisfy. Adapters
// translate their wire protocol into InboundMessages and deliver Replies
// back to the conversation named by the Context's receiver.
type Channel interface {
	// ID returns the adapter identifier (e.g., "wsbridge").
	ID() string

	// Start connects the adapter and begins listening for messages.
	Start(ctx context.Context) error

	// Stop gracefully disconnects the adapter.
	Stop(ctx context.Context) error

	// Send delivers a reply to the conversation identified by mc.Receiver.
	Send(reply Reply, mc *Context) error

	// OnMessage registers the handler for inbound messages.
	OnMessage(handler func(msg InboundMessage))
}
