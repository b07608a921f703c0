package engine

import (
	"context"
	"sync"
	"time"
)

// Sweep expires every instance whose stage deadline has passed and drops
// closed instances older than the retention window. Instances that are
// mid-transition are skipped and picked up by the next sweep.
func (e *Engine) Sweep(ctx context.Context) (expired int) {
	now := e.now()
	retention := e.Config().Workflow.Retention

	e.mu.RLock()
	list := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		list = append(list, inst)
	}
	e.mu.RUnlock()

	var stale []string
	for _, inst := range list {
		if !inst.mu.TryLock() {
			continue
		}
		switch {
		case inst.due(now):
			e.closeLocked(ctx, inst, StageExpired, nil, closeOptions{})
			expired++
		case inst.Stage.Terminal() && now.Sub(inst.ClosedAt) > retention:
			stale = append(stale, inst.ID)
		}
		inst.mu.Unlock()
	}

	if len(stale) > 0 {
		e.mu.Lock()
		for _, id := range stale {
			delete(e.instances, id)
		}
		e.mu.Unlock()
	}
	return expired
}

// AutoExpire starts a goroutine that sweeps every interval. It returns
// stop; call it (or cancel ctx) to exit. stop may be called more than once.
// A non-positive interval uses the configured sweep interval.
func (e *Engine) AutoExpire(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = e.Config().Workflow.SweepInterval
	}
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if n := e.Sweep(ctx); n > 0 {
					e.Logger.Debug("expired workflows", "count", n)
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
