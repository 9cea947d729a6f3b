package alwaysoffline

import (
	"context"
)

// detach runs fn in the background. Nothing waits for it and its error is only logged.
// The task gets the engine context, not the one of the request that spawned it.
// Tasks detached after Close are dropped.
func (e *Engine) detach(name string, fn func(ctx context.Context) error) {
	e.detachMu.Lock()
	if e.closed {
		e.detachMu.Unlock()
		e.log.Trace().Str("task", name).Msg("Engine closed, task dropped")
		return
	}
	e.tasks.Add(1)
	e.detachMu.Unlock()
	go func() {
		defer e.tasks.Done()
		if err := fn(e.ctx); err != nil {
			e.log.Warn().Err(err).Str("task", name).Msg("Background task failed")
		}
	}()
}

// detachOnce is like detach, but tasks with the same key running at the same time are run once.
func (e *Engine) detachOnce(name, key string, fn func(ctx context.Context) error) {
	e.detach(name, func(ctx context.Context) error {
		_, err, shared := e.flight.Do(key, func() (any, error) {
			return nil, fn(ctx)
		})
		if shared {
			e.log.Trace().Str("task", name).Str("key", key).Msg("Joined running task")
		}
		return err
	})
}

// Wait blocks until all background tasks have finished.
func (e *Engine) Wait() {
	e.tasks.Wait()
}

// Close cancels running background tasks and waits for them.
// The stores are not closed.
func (e *Engine) Close() error {
	e.detachMu.Lock()
	e.closed = true
	e.detachMu.Unlock()
	e.cancel()
	e.tasks.Wait()
	return nil
}
