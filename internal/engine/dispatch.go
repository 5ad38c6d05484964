package engine

import (
	"context"
	"fmt"
	"time"
)

// dispatchLoop scans the session registry whenever new work arrives,
// with a periodic poll as a backstop for gate slots freed by task
// completion.
func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.t.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-ticker.C:
		}
		e.scanOnce(ctx)
	}
}

// scanOnce dispatches every context that a session gate currently
// admits, across all live sessions.
func (e *Engine) scanOnce(ctx context.Context) {
	for _, sid := range e.reg.sessionIDs() {
		for {
			t, ok := e.reg.next(sid)
			if !ok {
				break
			}
			select {
			case e.tasks <- t:
			case <-ctx.Done():
				e.reg.complete(t.sessionID)
				return
			}
		}
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-e.tasks:
			e.runTask(ctx, t)
		}
	}
}

// runTask executes one dequeued context, skipping it when the session
// was cancelled after dequeue.
func (e *Engine) runTask(ctx context.Context, t task) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error().Str("session", t.sessionID).Any("panic", rec).Msg("worker panicked")
			if e.notifier != nil {
				e.notifier.Notify("worker", fmt.Sprintf("panic while handling a message: %v", rec), "engine")
			}
		}
		e.reg.complete(t.sessionID)
		e.wakeUp()
	}()

	if e.reg.cancelled(t.sessionID, t.gen) {
		e.log.Debug().Str("session", t.sessionID).Msg("session cancelled, skipping dequeued context")
		return
	}
	e.handle(ctx, t.mc)
}
