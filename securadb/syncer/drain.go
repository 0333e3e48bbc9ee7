package syncer

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// Enqueue records a sync request in the outbox and wakes the drain loop.
func (e *Engine) Enqueue(reason string, collections []string) error {
	if err := e.outbox.Push(NewItem(reason, collections, e.timeFunc())); err != nil {
		return err
	}
	select {
	case e.kick <- struct{}{}:
	default:
	}
	return nil
}

// DrainOnce processes the oldest queued request. It reports whether a
// request was taken. The request leaves the outbox only once its sync
// succeeded; a failed one stays at the front with one more attempt.
func (e *Engine) DrainOnce(ctx context.Context) (bool, error) {
	item, ok := e.outbox.Peek()
	if !ok {
		return false, nil
	}

	result, err := e.SyncToRemote(ctx, item.Collections, item.Reason)
	switch {
	case err != nil:
		item.Attempts++
	case result.Skipped:
		// Another run holds the remote; retry without charging an attempt.
		return true, nil
	case len(result.Errors) > 0:
		item.Attempts++
		err = errors.New(result.Errors[0])
	default:
		if rerr := e.outbox.Remove(item.ID); rerr != nil {
			e.logger.Error("failed to remove synced request", "id", item.ID, "error", rerr)
		}
		return true, nil
	}

	if qerr := e.outbox.Retry(item); qerr != nil {
		e.logger.Error("failed to re-queue sync request", "id", item.ID, "error", qerr)
	}
	e.logger.Warn("sync request failed, re-queued", "id", item.ID, "reason", item.Reason, "attempts", item.Attempts, "error", err)
	return true, err
}

// Start launches the drain loop. It is a no-op if the loop is running.
// Each tick is scheduled after the previous one finished and ticks are
// paced by a rate limiter, so a failing remote is retried at most once
// per Interval.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.drainLoop(loopCtx, e.done)
}

func (e *Engine) drainLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	limiter := rate.NewLimiter(rate.Every(e.cfg.Interval), 1)
	// Syncs started by the loop finish even when the loop is stopped.
	syncCtx := context.WithoutCancel(ctx)

	for {
		if e.outbox.Len() == 0 {
			select {
			case <-ctx.Done():
				return
			case <-e.kick:
			case <-time.After(e.cfg.Interval):
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		_, _ = e.DrainOnce(syncCtx)
	}
}

// Stop ends the drain loop and waits, up to GracePeriod or ctx, for an
// in-flight sync to finish. Queued requests stay in the outbox.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCtx, stop := context.WithTimeout(ctx, e.cfg.GracePeriod)
	defer stop()

	if done != nil {
		select {
		case <-done:
		case <-waitCtx.Done():
			return waitCtx.Err()
		}
	}

	idle := make(chan struct{})
	go func() {
		e.syncMu.Lock()
		e.syncMu.Unlock()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-waitCtx.Done():
		e.logger.Warn("sync still running after grace period")
		return waitCtx.Err()
	}
}
