package engine

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelbao/chatflow/internal/logging"
)

func newTestRegistry(limit int) *registry {
	return newRegistry(limit, logging.New(io.Discard, "silent"))
}

func TestRegistryFIFOWithinSession(t *testing.T) {
	r := newTestRegistry(4)
	r.enqueue(textCtx("u1", "one"))
	r.enqueue(textCtx("u1", "two"))
	r.enqueue(textCtx("u1", "three"))

	got := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		tk, ok := r.next("u1")
		require.True(t, ok)
		got = append(got, tk.mc.Content)
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestRegistryHashPrefixJumpsQueue(t *testing.T) {
	r := newTestRegistry(4)
	r.enqueue(textCtx("u1", "ordinary"))
	r.enqueue(textCtx("u1", "#cancel everything"))

	tk, ok := r.next("u1")
	require.True(t, ok)
	assert.Equal(t, "#cancel everything", tk.mc.Content)
}

func TestRegistryGateBlocksAtLimit(t *testing.T) {
	r := newTestRegistry(2)
	for i := 0; i < 5; i++ {
		r.enqueue(textCtx("u1", "x"))
	}

	_, ok := r.next("u1")
	require.True(t, ok)
	_, ok = r.next("u1")
	require.True(t, ok)
	_, ok = r.next("u1")
	assert.False(t, ok, "third dequeue must wait for a completion")

	r.complete("u1")
	_, ok = r.next("u1")
	assert.True(t, ok)
}

func TestRegistryRemovesDrainedSession(t *testing.T) {
	r := newTestRegistry(4)
	r.enqueue(textCtx("u1", "only"))

	tk, ok := r.next("u1")
	require.True(t, ok)
	assert.Equal(t, []string{"u1"}, r.sessionIDs())

	// Queue is empty but work is in flight, the session must survive.
	_, ok = r.next("u1")
	assert.False(t, ok)
	assert.Equal(t, []string{"u1"}, r.sessionIDs())

	r.complete(tk.sessionID)
	_, ok = r.next("u1")
	assert.False(t, ok)
	assert.Empty(t, r.sessionIDs())
}

func TestRegistryCancelDropsQueueAndBumpsGeneration(t *testing.T) {
	r := newTestRegistry(1)
	r.enqueue(textCtx("u1", "running"))
	tk, ok := r.next("u1")
	require.True(t, ok)

	r.enqueue(textCtx("u1", "queued"))
	dropped := r.cancel("u1")
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 0, r.queueLen("u1"))
	assert.True(t, r.cancelled("u1", tk.gen), "the in-flight task was dequeued under the old generation")

	r.complete("u1")
	r.enqueue(textCtx("u1", "fresh"))
	tk2, ok := r.next("u1")
	require.True(t, ok)
	assert.False(t, r.cancelled("u1", tk2.gen))
}

func TestRegistrySessionsAreIndependent(t *testing.T) {
	r := newTestRegistry(1)
	r.enqueue(textCtx("u1", "a"))
	r.enqueue(textCtx("u2", "b"))

	_, ok := r.next("u1")
	require.True(t, ok)
	_, ok = r.next("u2")
	assert.True(t, ok, "one session's gate must not affect another")
}
