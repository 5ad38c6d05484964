package channel

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelbao/chatflow/internal/domain"
	"github.com/pixelbao/chatflow/internal/logging"
)

type fakeChannel struct {
	id      string
	started bool
	stopped bool
	sent    []domain.Reply
	sendErr error
}

func (f *fakeChannel) ID() string { return f.id }

func (f *fakeChannel) Start(ctx context.Context) error {
	f.started = true
	return nil
}

func (f *fakeChannel) Stop(ctx context.Context) error {
	f.stopped = true
	return nil
}

func (f *fakeChannel) Send(reply domain.Reply, mc *domain.Context) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, reply)
	return nil
}

func (f *fakeChannel) OnMessage(handler func(msg domain.InboundMessage)) {}

func newTestRegistry() *Registry {
	return NewRegistry(logging.New(io.Discard, "silent"))
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry()
	ch := &fakeChannel{id: "wsbridge"}
	r.Register(ch)

	got, ok := r.Get("wsbridge")
	require.True(t, ok)
	assert.Equal(t, ch, got)
	assert.Equal(t, 1, r.Count())

	_, ok = r.Get("nope")
	assert.False(t, ok)
}

func TestSendRoutesByChannelID(t *testing.T) {
	r := newTestRegistry()
	a := &fakeChannel{id: "a"}
	b := &fakeChannel{id: "b"}
	r.Register(a)
	r.Register(b)

	mc := &domain.Context{ChannelID: "b", Receiver: "u1"}
	require.NoError(t, r.Send(domain.Reply{Type: domain.ReplyText, Content: "hi"}, mc))

	assert.Empty(t, a.sent)
	require.Len(t, b.sent, 1)
	assert.Equal(t, "hi", b.sent[0].Content)
}

func TestSendUnknownChannelErrors(t *testing.T) {
	r := newTestRegistry()
	mc := &domain.Context{ChannelID: "ghost", Receiver: "u1"}
	err := r.Send(domain.Reply{Type: domain.ReplyText, Content: "hi"}, mc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestSendPropagatesChannelError(t *testing.T) {
	r := newTestRegistry()
	r.Register(&fakeChannel{id: "a", sendErr: errors.New("down")})

	mc := &domain.Context{ChannelID: "a"}
	err := r.Send(domain.Reply{Type: domain.ReplyText, Content: "hi"}, mc)
	assert.EqualError(t, err, "down")
}

func TestStopAll(t *testing.T) {
	r := newTestRegistry()
	a := &fakeChannel{id: "a"}
	b := &fakeChannel{id: "b"}
	r.Register(a)
	r.Register(b)

	r.StopAll(context.Background())
	assert.True(t, a.stopped)
	assert.True(t, b.stopped)
}

func TestStatusFallback(t *testing.T) {
	r := newTestRegistry()
	r.Register(&fakeChannel{id: "a"})

	statuses := r.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, "a", statuses[0].ChannelID)
	assert.True(t, statuses[0].Running)
}
