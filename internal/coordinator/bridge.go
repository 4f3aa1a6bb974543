package coordinator

import (
	"context"
	"sync"

	"github.com/streamspace-dev/fc-coordinator/internal/logger"
	"github.com/streamspace-dev/fc-coordinator/internal/metrics"
	"github.com/streamspace-dev/fc-coordinator/internal/plugin"
)

// bridgeQueue tracks resources that were disconnected from the default
// framework (by another framework's idle acquire or by a seize) and
// still owe it a DefaultFrameworkConnect call, retrying
// on every sweep until the connect succeeds. This mirrors
// coordinator.py's __managed_issue_resources_connect, which keeps
// retrying a disconnected resource's reconnect on every schedule tick
// rather than giving up after one failure.
type bridgeQueue struct {
	mu      sync.Mutex
	touched map[string]bool
	pending map[string]bool
}

func newBridgeQueue() *bridgeQueue {
	return &bridgeQueue{
		touched: make(map[string]bool),
		pending: make(map[string]bool),
	}
}

// markTouched records that disconnecting the default framework from
// resource actually changed its state, so a later return owes it a
// reconnect.
func (b *bridgeQueue) markTouched(resource string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touched[resource] = true
}

// wasTouched reports and clears whether resource was marked touched.
func (b *bridgeQueue) wasTouched(resource string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	touched := b.touched[resource]
	delete(b.touched, resource)
	return touched
}

// enqueue schedules resource for a default-framework reconnect retry.
func (b *bridgeQueue) enqueue(resource string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[resource] = true
}

// retry returns a tick function that attempts DefaultFrameworkConnect
// for every pending resource, removing it from the queue on success
// and leaving it queued (to retry next sweep) on failure.
func (b *bridgeQueue) retry(c *Coordinator) func(context.Context) error {
	return func(ctx context.Context) error {
		def, ok := c.registry.Default()
		if !ok {
			return nil
		}
		bridge, ok := def.Handler.(plugin.DefaultFrameworkBridge)
		if !ok {
			return nil
		}

		b.mu.Lock()
		resources := make([]string, 0, len(b.pending))
		for resource := range b.pending {
			resources = append(resources, resource)
		}
		b.mu.Unlock()

		log := logger.Component("bridge")
		for _, resource := range resources {
			if err := bridge.DefaultFrameworkConnect(ctx, resource); err != nil {
				log.Warn().Err(err).Str("resource", resource).Msg("default framework reconnect failed, will retry")
				continue
			}
			b.mu.Lock()
			delete(b.pending, resource)
			b.mu.Unlock()
			metrics.DefaultFrameworkReconnected.Inc()
			log.Info().Str("resource", resource).Msg("default framework reconnected")
		}
		return nil
	}
}
