// Package coordinator implements the seize protocol and the
// per-framework scheduling loop described by
// fc_server/core/coordinator.py's Coordinator class: one ownership
// table shared by every registered framework plugin, a priority
// scheduler that lets a higher-priority framework take a resource
// away from a lower-priority holder, and a default-framework bridge
// that keeps an idle resource parked on a fallback framework between
// jobs.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamspace-dev/fc-coordinator/internal/config"
	"github.com/streamspace-dev/fc-coordinator/internal/fcerrors"
	"github.com/streamspace-dev/fc-coordinator/internal/logger"
	"github.com/streamspace-dev/fc-coordinator/internal/metrics"
	"github.com/streamspace-dev/fc-coordinator/internal/ownership"
	"github.com/streamspace-dev/fc-coordinator/internal/plugin"
	"github.com/streamspace-dev/fc-coordinator/internal/runtime"
)

// SeizeTimeout bounds how long a Seizing/Seized claim can sit
// unaccepted before the coordinator reverts it to Free. coordinator.py
// hardcodes the same 90 second window in __seized_status_timeout.
const SeizeTimeout = 90 * time.Second

// expiryCheckInterval is how often the coordinator sweeps for expired
// seize claims.
const expiryCheckInterval = 5 * time.Second

// Coordinator owns the shared ownership table and drives every
// registered framework plugin's schedule loop.
type Coordinator struct {
	cfg      *config.Config
	table    *ownership.Table
	registry *plugin.Registry
	timer    *runtime.ExpiryTimer
	bridge   *bridgeQueue

	jobSeizesMu sync.Mutex
	jobSeizes   map[string]string // job_id -> resource, enforces invariant 5
}

// New builds a Coordinator over the given configuration and plugin
// registry. Registry must already contain every framework named in
// cfg.RegisteredFrameworks before Start is called.
func New(cfg *config.Config, registry *plugin.Registry) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		table:     ownership.NewTable(cfg.ManagedResources),
		registry:  registry,
		timer:     runtime.NewExpiryTimer(),
		bridge:    newBridgeQueue(),
		jobSeizes: make(map[string]string),
	}
}

// Table returns the shared ownership table, for internal/api to read
// from and for plugins constructed with this Coordinator to call
// into.
func (c *Coordinator) Table() *ownership.Table {
	return c.table
}

// Registry returns the plugin registry, for internal/api to read
// framework metadata from.
func (c *Coordinator) Registry() *plugin.Registry {
	return c.registry
}

// Start initializes every registered plugin, then spawns its
// schedule loop and the seize-expiry sweep. It returns once every
// plugin's Init has completed (or failed); the schedule loops and
// sweep keep running in background goroutines tracked by group until
// ctx is canceled.
func (c *Coordinator) Start(ctx context.Context, group *runtime.Group) error {
	log := logger.Component("coordinator")

	for _, reg := range c.registry.All() {
		if err := reg.Handler.Init(ctx); err != nil {
			return fmt.Errorf("init framework %s: %w", reg.Handler.Name(), err)
		}
		log.Info().Str("framework", reg.Handler.Name()).Int("priority", reg.Priority).Msg("framework initialized")
	}

	for _, reg := range c.registry.All() {
		reg := reg
		interval := time.Duration(reg.Handler.ScheduleInterval()) * time.Second
		if interval <= 0 {
			interval = time.Second
		}
		group.Spawn(func() {
			runtime.TickLoop(ctx, reg.Handler.Name(), interval, reg.Handler.Schedule)
		})
	}

	bridgeRetry := c.bridge.retry(c)
	if err := c.timer.AddEvery("seize-expiry", expiryCheckInterval, func() {
		c.sweepExpiredSeizes(ctx)
	}); err != nil {
		return fmt.Errorf("scheduling seize-expiry sweep: %w", err)
	}
	if err := c.timer.AddEvery("bridge-reconnect", expiryCheckInterval, func() {
		if err := bridgeRetry(ctx); err != nil {
			log.Warn().Err(err).Msg("bridge reconnect sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("scheduling bridge-reconnect sweep: %w", err)
	}

	return nil
}

// Stop halts the coordinator's cron-backed expiry/reconnect timers.
// Per-plugin schedule loops are owned by the caller's runtime.Group
// and stop when ctx is canceled.
func (c *Coordinator) Stop() {
	c.timer.Stop()
}

func (c *Coordinator) sweepExpiredSeizes(ctx context.Context) {
	expired := c.table.ClearExpiredSeizes(time.Now(), SeizeTimeout)
	log := logger.Component("coordinator")
	for _, resource := range expired {
		c.ClearSeizedJobRecords(resource)
		metrics.SeizeExpired.Inc()
		log.Warn().Str("resource", resource).Msg("seize claim expired unaccepted, resource reverted to free")
	}
}

// IsAvailable reports whether resource can be granted to framework
// right now. A resource already Seized onto framework is available to
// it (it has been granted, just not yet accepted); a Free resource is
// available to any framework, but if a default framework is
// configured and framework is not it, the default framework's bridge
// is synchronously asked to disconnect first (coordinator.py's
// is_resource_available): invariant 6 requires the default framework
// never be left observing Free while another framework is about to
// claim the device.
func (c *Coordinator) IsAvailable(ctx context.Context, framework, resource string) (bool, error) {
	state, ok := c.table.Get(resource)
	if !ok {
		return false, nil
	}
	if state.Status == ownership.Seized && state.Holder == framework {
		return true, nil
	}
	if state.Status != ownership.Free {
		return false, nil
	}

	def, hasDefault := c.registry.Default()
	if !hasDefault || def.Handler.Name() == framework {
		return true, nil
	}
	bridge, ok := def.Handler.(plugin.DefaultFrameworkBridge)
	if !ok {
		return true, nil
	}

	okDisconnect, touched, err := bridge.DefaultFrameworkDisconnect(ctx, resource)
	if err != nil {
		return false, err
	}
	if !okDisconnect {
		return false, nil
	}
	if touched {
		c.bridge.markTouched(resource)
	}
	return true, nil
}

// recordSeize remembers that jobID triggered the seize of resource.
// Invariant 5 (a job_id appears at most once in SeizeRecord) holds
// because this simply overwrites any prior entry for the same job.
func (c *Coordinator) recordSeize(jobID, resource string) {
	c.jobSeizesMu.Lock()
	defer c.jobSeizesMu.Unlock()
	c.jobSeizes[jobID] = resource
}

// IsSeizedJob reports whether jobID already has an outstanding seize
// in flight, so coordinate_resources does not launch a second one
// while the first is still awaiting acceptance.
func (c *Coordinator) IsSeizedJob(jobID string) bool {
	c.jobSeizesMu.Lock()
	defer c.jobSeizesMu.Unlock()
	_, ok := c.jobSeizes[jobID]
	return ok
}

// ClearSeizedJobRecords deletes every outstanding seize record that
// points at resource, called once the requesting framework observes
// and accepts the grant (or once it expires unaccepted).
func (c *Coordinator) ClearSeizedJobRecords(resource string) {
	c.jobSeizesMu.Lock()
	defer c.jobSeizesMu.Unlock()
	for jobID, r := range c.jobSeizes {
		if r == resource {
			delete(c.jobSeizes, jobID)
		}
	}
}

// IsSeizedResource reports whether resource has been seized onto
// framework and is still awaiting accept_resource. Gated by the
// global priority_scheduler flag, the same gating is_seized uses at
// the ownership-table level.
func (c *Coordinator) IsSeizedResource(framework, resource string) bool {
	if !c.cfg.PriorityScheduler {
		return false
	}
	return c.table.IsSeized(resource, framework)
}

// CoordinateResources implements the priority scheduler
// (coordinator.py's coordinate_resources, decorated
// @check_priority_scheduler): given a framework's candidate resources
// for one job, it returns the first resource, in sorted order, that
// IsAvailable reports as available to framework (Free, or already
// Seized onto framework). When none is, and priority scheduling is
// enabled, it seizes the first candidate, in the caller's order, held
// by a strictly lower-priority framework. A lower Priority number
// means a more important framework.
func (c *Coordinator) CoordinateResources(ctx context.Context, framework string, candidates []string, jobID string) (string, error) {
	reg, ok := c.registry.Get(framework)
	if !ok {
		return "", fcerrors.ErrUnknownFramework
	}

	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)

	log := logger.Component("coordinator")
	for _, resource := range sorted {
		avail, err := c.IsAvailable(ctx, framework, resource)
		if err != nil {
			log.Warn().Err(err).Str("resource", resource).Msg("availability check failed")
			continue
		}
		if avail {
			return resource, nil
		}
	}

	if !c.cfg.PriorityScheduler || !reg.Seize || c.IsSeizedJob(jobID) {
		return "", nil
	}

	for _, resource := range candidates {
		state, ok := c.table.Get(resource)
		if !ok || state.Status != ownership.Held {
			continue
		}
		holderReg, ok := c.registry.Get(state.Holder)
		if !ok || holderReg.Priority <= reg.Priority {
			continue
		}
		if err := c.seize(ctx, resource, state.Holder, framework, jobID, reg.Priority); err != nil {
			log.Warn().Err(err).Str("resource", resource).Msg("seize attempt failed")
			continue
		}
		return resource, nil
	}

	return "", nil
}

// seize begins displacing fromFramework's hold on resource in favor
// of toFramework. If fromFramework is the configured default
// framework, its DefaultFrameworkBridge is asked to disconnect first
// (coordinator.py's __managed_issue_resources_connect path run in
// reverse).
func (c *Coordinator) seize(ctx context.Context, resource, fromFramework, toFramework, jobID string, priority int) error {
	if def, ok := c.registry.Default(); ok && def.Handler.Name() == fromFramework {
		if bridge, ok := def.Handler.(plugin.DefaultFrameworkBridge); ok {
			okDisconnect, touched, err := bridge.DefaultFrameworkDisconnect(ctx, resource)
			if err != nil || !okDisconnect {
				return fmt.Errorf("default framework disconnect: %w", err)
			}
			if touched {
				c.bridge.markTouched(resource)
			}
		}
	}

	seizeID := uuid.NewString()
	if !c.table.BeginSeize(resource, ownership.SeizeRecord{
		SeizeID:     seizeID,
		JobID:       jobID,
		Framework:   toFramework,
		Priority:    priority,
		RequestedAt: time.Now(),
	}) {
		return fmt.Errorf("resource %s not in a seizable state", resource)
	}

	// force_kick_off fires on the framework being displaced, while the
	// resource is still Seizing{from=fromFramework}: it is the victim
	// that must release the device, not the new holder.
	if fromReg, ok := c.registry.Get(fromFramework); ok {
		if err := fromReg.Handler.ForceKickOff(ctx, resource); err != nil {
			logger.Component("coordinator").Warn().Err(err).Str("resource", resource).Msg("force kick off failed")
		}
	}

	if !c.table.CompleteSeize(resource) {
		return fmt.Errorf("resource %s failed to complete seize", resource)
	}
	c.recordSeize(jobID, resource)

	metrics.SeizeStarted.Inc()
	metrics.OwnershipTransitions.WithLabelValues(ownership.Seized.String()).Inc()
	logger.Component("coordinator").Info().
		Str("seize_id", seizeID).
		Str("resource", resource).
		Str("from", fromFramework).
		Str("to", toFramework).
		Str("job", jobID).
		Msg("resource seized")

	return nil
}

// AcceptResource grants resource to framework outright: a direct
// claim of a Free resource (e.g. a plugin observing its framework
// already using a device the table still thinks is idle) or the
// finalizing accept of a resource already Seized onto framework.
func (c *Coordinator) AcceptResource(framework, resource string) error {
	if !c.table.Accept(resource, framework) {
		if c.table.IsRetired(resource) {
			return fcerrors.ErrResourceRetired
		}
		return fcerrors.ErrUnknownResource
	}
	metrics.ResourceAccepted.Inc()
	metrics.OwnershipTransitions.WithLabelValues(ownership.Held.String()).Inc()
	return nil
}

// ReturnResource releases a resource framework currently holds. If
// disconnecting the default framework from the resource (on an idle
// acquire or a seize) changed that framework's state, a reconnect is
// queued for the coordinator's bridge-reconnect sweep.
func (c *Coordinator) ReturnResource(ctx context.Context, framework, resource string) error {
	state, ok := c.table.Get(resource)
	if !ok {
		return fcerrors.ErrUnknownResource
	}
	wasSeizedFromDefault := false
	if def, ok := c.registry.Default(); ok {
		if state.Status == ownership.Held && state.Holder == framework && c.bridge.wasTouched(resource) {
			wasSeizedFromDefault = def.Handler.Name() != framework
		}
	}

	if !c.table.Return(resource, framework) {
		return fmt.Errorf("resource %s not held by %s", resource, framework)
	}
	metrics.ResourceReturned.Inc()
	if newState, ok := c.table.Get(resource); ok {
		metrics.OwnershipTransitions.WithLabelValues(newState.Status.String()).Inc()
	}

	if wasSeizedFromDefault {
		c.bridge.enqueue(resource)
	}
	return nil
}

// RetireResource withdraws a resource from scheduling entirely.
func (c *Coordinator) RetireResource(resource string) error {
	if !c.table.Retire(resource) {
		return fcerrors.ErrUnknownResource
	}
	metrics.ResourceRetired.Inc()
	metrics.OwnershipTransitions.WithLabelValues(ownership.Retired.String()).Inc()
	return nil
}

// ResetResource forces a resource back to Free, used when a plugin
// observes the resource idle outside of the coordinator's own
// bookkeeping (coordinator.py's reset_resource).
func (c *Coordinator) ResetResource(resource string) error {
	if !c.table.Reset(resource) {
		return fcerrors.ErrUnknownResource
	}
	metrics.OwnershipTransitions.WithLabelValues(ownership.Free.String()).Inc()
	return nil
}
