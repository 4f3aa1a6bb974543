// Package runtime supplies the coordinator's concurrency primitives:
// a per-plugin tick loop, a cancellable background-task spawner, and
// a cron-backed expiry timer. Where fc_server's coordinator.py runs a
// single asyncio event loop with one task per framework, this package
// gives every framework its own goroutine driven by a time.Ticker,
// synchronized only through the shared ownership table's mutex.
package runtime

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/streamspace-dev/fc-coordinator/internal/logger"
)

// TickLoop runs fn once immediately and then every interval, until
// ctx is canceled. It recovers panics from fn so one framework's bug
// cannot take down another's goroutine or the process, matching
// coordinator.py's per-task exception isolation (each framework task
// runs independently under asyncio).
func TickLoop(ctx context.Context, label string, interval time.Duration, fn func(context.Context) error) {
	log := logger.Component(label)

	runOnce := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("recovered panic in tick")
			}
		}()
		if err := fn(ctx); err != nil {
			log.Warn().Err(err).Msg("tick returned error")
		}
	}

	runOnce()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}

// Group supervises a set of background goroutines spawned with
// Spawn, so callers can wait for all of them to exit during shutdown
// (the Go analogue of awaiting every asyncio.Task the coordinator
// created).
type Group struct {
	wg sync.WaitGroup
}

// Spawn starts fn in its own goroutine, tracked by the group.
func (g *Group) Spawn(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// Wait blocks until every spawned goroutine has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

// ExpiryTimer runs a callback on a fixed cron schedule, backed by a
// single shared cron.Cron instance that maps caller-supplied IDs to
// entry IDs so callers can add and remove jobs independently without
// racing the scheduler's internal lock.
type ExpiryTimer struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// NewExpiryTimer starts the underlying cron scheduler and returns a
// timer ready to accept jobs.
func NewExpiryTimer() *ExpiryTimer {
	c := cron.New(cron.WithSeconds())
	c.Start()
	return &ExpiryTimer{cron: c, entries: make(map[string]cron.EntryID)}
}

// AddEvery schedules fn to run every interval under id. Replacing an
// existing id's job removes the old one first.
func (e *ExpiryTimer) AddEvery(id string, interval time.Duration, fn func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.entries[id]; ok {
		e.cron.Remove(existing)
		delete(e.entries, id)
	}

	log := logger.Component("expiry-timer")
	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("job", id).Msg("recovered panic in expiry job")
			}
		}()
		fn()
	}

	entryID, err := e.cron.AddFunc(cronSpecEvery(interval), wrapped)
	if err != nil {
		return err
	}
	e.entries[id] = entryID
	return nil
}

// Remove cancels a previously scheduled job.
func (e *ExpiryTimer) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entryID, ok := e.entries[id]; ok {
		e.cron.Remove(entryID)
		delete(e.entries, id)
	}
}

// Stop halts the underlying scheduler and waits for running jobs to
// finish.
func (e *ExpiryTimer) Stop() {
	ctx := e.cron.Stop()
	<-ctx.Done()
}

// cronSpecEvery builds a seconds-resolution cron spec that fires
// approximately every interval. robfig/cron has no native "every N
// seconds" helper outside of its non-standard descriptor package, so
// this mirrors the */N seconds field it documents for WithSeconds().
func cronSpecEvery(interval time.Duration) string {
	secs := int(interval.Seconds())
	if secs < 1 {
		secs = 1
	}
	if secs >= 60 {
		return "@every " + interval.String()
	}
	return "*/" + strconv.Itoa(secs) + " * * * * *"
}

