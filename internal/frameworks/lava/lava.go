// Package lava implements the job-queue style framework plugin
// grounded on fc_server/plugins/lava.py: LAVA schedules jobs against
// device tags and device types, not specific boards, so the plugin's
// job is to watch LAVA's queue, match waiting jobs to idle managed
// devices, and hand matched devices to the coordinator.
package lava

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streamspace-dev/fc-coordinator/internal/coordinator"
	"github.com/streamspace-dev/fc-coordinator/internal/fcerrors"
	"github.com/streamspace-dev/fc-coordinator/internal/logger"
	"github.com/streamspace-dev/fc-coordinator/internal/ownership"
)

// scheduleInterval matches lava.py's class attribute: LAVA's own
// scheduler already runs every few seconds, so the plugin polls at a
// coarser interval.
const scheduleInterval = 30

// resetDelay is the grace period before an accepted-but-unconsumed
// device is force-maintenanced (lava.py's 90s cooldown).
const resetDelay = 90 * time.Second

// resetPollInterval is how often, past the grace period, the plugin
// polls a held device for idleness (lava.py's 60s poll loop).
const resetPollInterval = 60 * time.Second

// Job is one entry in LAVA's job queue, as returned by the scheduler's
// job listing. Device is only populated for jobs already Running.
type Job struct {
	ID         string
	DeviceType string
	Tags       []string
	Device     string
}

// Device is one LAVA device, as returned by the device inventory.
type Device struct {
	Hostname   string
	DeviceType string
	Tags       []string
	Health     string // "Good", "Maintenance", "Bad", ...
}

// Client is the subset of LAVA's REST API the plugin needs. The
// original shells out to lavacli; this plugin instead talks directly
// to LAVA's REST scheduler API over net/http, so no additional
// third-party client library is introduced here (see DESIGN.md).
type Client interface {
	WaitingJobs(ctx context.Context) ([]Job, error)
	RunningJobs(ctx context.Context) ([]Job, error)
	Devices(ctx context.Context) ([]Device, error)
	CancelRunningJob(ctx context.Context, hostname string) error
	SetDeviceHealth(ctx context.Context, hostname, health string) error
}

type resetState int

const (
	resetCoolingDown resetState = iota
	resetPolling
)

type pendingReset struct {
	acceptedAt time.Time
	lastPoll   time.Time
	state      resetState
}

// seizeAttempts is the per-job anti-busy cache (Design Notes: "caches
// keyed by string identifiers... ageing is by not seen in latest
// framework queue snapshot"): it remembers which candidate resources
// have already been offered to coordinate_resources for a job, so an
// unavailable candidate is not re-requested every tick.
type seizeAttempts struct {
	mu    sync.Mutex
	byJob map[string]map[string]bool
}

func newSeizeAttempts() *seizeAttempts {
	return &seizeAttempts{byJob: make(map[string]map[string]bool)}
}

func (s *seizeAttempts) tried(jobID, resource string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byJob[jobID][resource]
}

func (s *seizeAttempts) record(jobID, resource string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byJob[jobID] == nil {
		s.byJob[jobID] = make(map[string]bool)
	}
	s.byJob[jobID][resource] = true
}

// prune drops cache entries for jobs no longer present in the latest
// queue snapshot.
func (s *seizeAttempts) prune(liveJobs map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jobID := range s.byJob {
		if !liveJobs[jobID] {
			delete(s.byJob, jobID)
		}
	}
}

// Plugin implements plugin.Handler and plugin.DefaultFrameworkBridge
// for LAVA.
type Plugin struct {
	client Client
	coord  *coordinator.Coordinator

	mu           sync.Mutex
	resetPending map[string]pendingReset

	seizeCache *seizeAttempts
}

// New builds a lava Plugin. client must already be configured with
// the LAVA server URL and any credentials from frameworks_config.
func New(client Client, coord *coordinator.Coordinator) *Plugin {
	return &Plugin{
		client:       client,
		coord:        coord,
		resetPending: make(map[string]pendingReset),
		seizeCache:   newSeizeAttempts(),
	}
}

func (p *Plugin) Name() string          { return "lava" }
func (p *Plugin) ScheduleInterval() int { return scheduleInterval }

// isDefault reports whether this plugin is currently registered as
// the default framework, which flips the inventory sweep's polarity.
func (p *Plugin) isDefault() bool {
	reg, ok := p.coord.Registry().Get(p.Name())
	return ok && reg.IsDefault
}

// Init verifies the LAVA server is reachable before the schedule loop
// starts.
func (p *Plugin) Init(ctx context.Context) error {
	if _, err := p.client.Devices(ctx); err != nil {
		return fmt.Errorf("%w: %v", fcerrors.ErrFrameworkUnreachable, err)
	}
	return nil
}

// ForceKickOff is called while the device is Seizing{from=lava,...}:
// lava is the framework being displaced, so it must stop using the
// device itself rather than wait for its next scheduling pass.
func (p *Plugin) ForceKickOff(ctx context.Context, resource string) error {
	p.mu.Lock()
	delete(p.resetPending, resource)
	p.mu.Unlock()

	if err := p.client.CancelRunningJob(ctx, resource); err != nil {
		return fmt.Errorf("cancelling running job on %s: %w", resource, err)
	}
	return nil
}

// Schedule implements the job-queue plugin's per-tick algorithm:
// reconcile the inventory against the ownership table, guard against
// jobs running outside coordinator control, reclaim anything already
// seized onto lava, then match waiting jobs to idle devices.
func (p *Plugin) Schedule(ctx context.Context) error {
	devices, err := p.client.Devices(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}
	p.inventorySweep(ctx, devices)

	running, err := p.client.RunningJobs(ctx)
	if err != nil {
		return fmt.Errorf("listing running jobs: %w", err)
	}
	p.guardOutOfBandRunningJobs(running)

	p.reclaimSeizedResources(ctx)

	jobs, err := p.client.WaitingJobs(ctx)
	if err != nil {
		return fmt.Errorf("listing waiting jobs: %w", err)
	}

	log := logger.Component("lava")
	liveJobs := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		liveJobs[job.ID] = true

		candidates := matchingResources(devices, job)
		if len(candidates) == 0 {
			continue
		}

		var toSeize []string
		accepted := false
		for _, resource := range candidates {
			avail, err := p.coord.IsAvailable(ctx, p.Name(), resource)
			if err != nil {
				log.Warn().Err(err).Str("resource", resource).Msg("availability check failed")
				continue
			}
			if !avail {
				if !p.seizeCache.tried(job.ID, resource) {
					toSeize = append(toSeize, resource)
				}
				continue
			}
			if err := p.coord.AcceptResource(p.Name(), resource); err != nil {
				log.Warn().Err(err).Str("resource", resource).Msg("accept failed")
				continue
			}
			p.queueCleanup(resource)
			log.Info().Str("job", job.ID).Str("resource", resource).Msg("resource handed to lava for job")
			accepted = true
			break
		}
		if accepted || len(toSeize) == 0 {
			continue
		}

		resource, err := p.coord.CoordinateResources(ctx, p.Name(), toSeize, job.ID)
		for _, r := range toSeize {
			p.seizeCache.record(job.ID, r)
		}
		if err != nil {
			log.Warn().Err(err).Str("job", job.ID).Msg("coordinate resources failed")
			continue
		}
		if resource == "" {
			continue
		}
		if err := p.coord.AcceptResource(p.Name(), resource); err != nil {
			log.Warn().Err(err).Str("resource", resource).Msg("accept failed")
			continue
		}
		p.queueCleanup(resource)
		log.Info().Str("job", job.ID).Str("resource", resource).Msg("resource seized and handed to lava for job")
	}
	p.seizeCache.prune(liveJobs)

	p.processResetQueue(ctx)
	return nil
}

// inventorySweep reconciles every managed device's framework-native
// health against the ownership table: an idle (coordinator-Free)
// device must be offline in LAVA so nothing else dispatches to it; a
// device that vanished from the inventory is retired, one that
// reappears ready is reset back to Free. For the default framework the
// polarity inverts (its own "ready" state already is what
// coordinator-Free means for it), so it never force-maintenances idle
// devices itself.
func (p *Plugin) inventorySweep(ctx context.Context, devices []Device) {
	log := logger.Component("lava")
	table := p.coord.Table()
	isDefault := p.isDefault()

	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		seen[d.Hostname] = true
		state, managed := table.Get(d.Hostname)
		if !managed {
			continue // unknown device, not in config
		}
		ready := d.Health == "Good"

		if state.Status == ownership.Retired {
			if ready {
				if err := p.coord.ResetResource(d.Hostname); err != nil {
					log.Warn().Err(err).Str("resource", d.Hostname).Msg("reset of reappeared device failed")
					continue
				}
				log.Info().Str("resource", d.Hostname).Msg("device reappeared in inventory, reset to free")
			}
			continue
		}

		if isDefault {
			continue
		}

		if ready && state.Status == ownership.Free {
			if err := p.client.SetDeviceHealth(ctx, d.Hostname, "Maintenance"); err != nil {
				log.Warn().Err(err).Str("resource", d.Hostname).Msg("force-maintenance of idle device failed")
			}
		}
	}

	for resource, state := range table.All() {
		if seen[resource] || state.Status == ownership.Retired {
			continue
		}
		if err := p.coord.RetireResource(resource); err != nil {
			log.Warn().Err(err).Str("resource", resource).Msg("retire of vanished device failed")
			continue
		}
		log.Warn().Str("resource", resource).Msg("device vanished from inventory, retired")
	}
}

// guardOutOfBandRunningJobs claims any device LAVA reports as running
// a job while the coordinator still thinks it is Free, so the
// ownership table never falls out of sync with reality.
func (p *Plugin) guardOutOfBandRunningJobs(running []Job) {
	log := logger.Component("lava")
	for _, job := range running {
		if job.Device == "" {
			continue
		}
		state, managed := p.coord.Table().Get(job.Device)
		if !managed || state.Status != ownership.Free {
			continue
		}
		if err := p.coord.AcceptResource(p.Name(), job.Device); err != nil {
			log.Warn().Err(err).Str("resource", job.Device).Msg("claiming out-of-band running device failed")
			continue
		}
		p.queueCleanup(job.Device)
		log.Info().Str("resource", job.Device).Str("job", job.ID).Msg("claimed device already running a job outside coordinator control")
	}
}

// reclaimSeizedResources accepts anything the coordinator has seized
// onto lava that this plugin has not yet consumed, clearing the
// outstanding job seize record first (coordinator.py's scenario: a
// requester observes is_seized_resource(self) on a later tick and
// finalizes the grant itself).
func (p *Plugin) reclaimSeizedResources(ctx context.Context) {
	log := logger.Component("lava")
	for resource := range p.coord.Table().All() {
		if !p.coord.IsSeizedResource(p.Name(), resource) {
			continue
		}
		p.coord.ClearSeizedJobRecords(resource)
		if err := p.coord.AcceptResource(p.Name(), resource); err != nil {
			log.Warn().Err(err).Str("resource", resource).Msg("accept of seized resource failed")
			continue
		}
		p.queueCleanup(resource)
		log.Info().Str("resource", resource).Msg("seized resource accepted")
	}
}

// matchingResources returns every healthy device of job's device type
// whose tag set is a superset of the job's required tags (lava.py's
// tag-subset matching in __get_job_tags / __get_device_tags).
func matchingResources(devices []Device, job Job) []string {
	var out []string
	for _, d := range devices {
		if d.Health != "Good" {
			continue
		}
		if job.DeviceType != "" && d.DeviceType != job.DeviceType {
			continue
		}
		if hasAllTags(d.Tags, job.Tags) {
			out = append(out, d.Hostname)
		}
	}
	return out
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

func (p *Plugin) queueCleanup(resource string) {
	p.mu.Lock()
	p.resetPending[resource] = pendingReset{acceptedAt: time.Now(), state: resetCoolingDown}
	p.mu.Unlock()
}

// processResetQueue drives the cleanup task lava.py schedules on
// every accept: a 90s grace period, then a 60s poll until the
// framework reports the device idle, at which point it is returned to
// Free through the coordinator and dropped from the cache.
func (p *Plugin) processResetQueue(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	var due []string
	for resource, pr := range p.resetPending {
		switch pr.state {
		case resetCoolingDown:
			if now.Sub(pr.acceptedAt) >= resetDelay {
				pr.state = resetPolling
				pr.lastPoll = now
				p.resetPending[resource] = pr
				due = append(due, resource)
			}
		case resetPolling:
			if now.Sub(pr.lastPoll) >= resetPollInterval {
				pr.lastPoll = now
				p.resetPending[resource] = pr
				due = append(due, resource)
			}
		}
	}
	p.mu.Unlock()

	if len(due) == 0 {
		return
	}

	log := logger.Component("lava")
	devices, err := p.client.Devices(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("listing devices for reset queue failed")
		return
	}
	byHost := make(map[string]Device, len(devices))
	for _, d := range devices {
		byHost[d.Hostname] = d
	}

	for _, resource := range due {
		d, ok := byHost[resource]
		if !ok || d.Health == "Good" {
			if err := p.coord.ResetResource(resource); err != nil {
				log.Warn().Err(err).Str("resource", resource).Msg("reset of idle device failed")
				continue
			}
			p.mu.Lock()
			delete(p.resetPending, resource)
			p.mu.Unlock()
			log.Info().Str("resource", resource).Msg("device idle, returned to free")
			continue
		}
		// Still busy: keep it offline to LAVA and poll again next round.
		if err := p.client.SetDeviceHealth(ctx, resource, "Maintenance"); err != nil {
			log.Warn().Err(err).Str("resource", resource).Msg("force-maintenance during cooldown failed")
		}
	}
}

// DefaultFrameworkDisconnect marks resource under maintenance so LAVA
// stops scheduling jobs onto it, the way lava.py's
// default_framework_disconnect does, so the later reconnect can
// detect whether it made the change itself.
func (p *Plugin) DefaultFrameworkDisconnect(ctx context.Context, resource string) (ok bool, touched bool, err error) {
	devices, err := p.client.Devices(ctx)
	if err != nil {
		return false, false, err
	}
	for _, d := range devices {
		if d.Hostname != resource {
			continue
		}
		if d.Health == "Maintenance" {
			return true, false, nil
		}
		if err := p.client.SetDeviceHealth(ctx, resource, "Maintenance"); err != nil {
			return false, false, err
		}
		return true, true, nil
	}
	return false, false, fmt.Errorf("device %s not found in lava inventory", resource)
}

// DefaultFrameworkConnect restores resource to LAVA's schedulable
// pool by marking it Good again, then queues the same cooldown/poll
// cycle as any other accepted device.
func (p *Plugin) DefaultFrameworkConnect(ctx context.Context, resource string) error {
	if err := p.client.SetDeviceHealth(ctx, resource, "Good"); err != nil {
		return err
	}
	p.queueCleanup(resource)
	return nil
}
