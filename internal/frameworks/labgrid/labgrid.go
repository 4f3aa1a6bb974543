// Package labgrid implements the reservation style framework plugin
// grounded on fc_server/plugins/labgrid.py: labgrid users reserve a
// place (a named group of resources) through labgrid's coordinator,
// and this plugin watches the reservation queue, seizing a place's
// resources away from whatever framework holds them once a real
// reservation is waiting to be fulfilled, then handing the place back
// to labgrid's own scheduling for the duration of that reservation.
package labgrid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streamspace-dev/fc-coordinator/internal/coordinator"
	"github.com/streamspace-dev/fc-coordinator/internal/fcerrors"
	"github.com/streamspace-dev/fc-coordinator/internal/logger"
)

// scheduleInterval matches labgrid.py's class attribute: reservation
// state changes fast enough that a short poll interval is warranted.
const scheduleInterval = 2

// systemPriority is the reservation priority the plugin holds a place
// at while it is merely parked and unused by a real reservation
// (labgrid.py's take-over reservation). It outranks any real user's
// default priority so the place only ever moves on the plugin's terms.
const systemPriority = 100

// guardPriority is used for the short-lived reservation injected
// during switch-over to hold a place across the cancel/release window
// (and for reissuing such a guard once it goes stale), kept
// deliberately far below any real priority so it
// never wins against an actual reservation (labgrid.py's
// __labgrid_guard_reservation priority=-100).
const guardPriority = -100

// takeoverRetryInterval paces the async retry loop that waits for a
// real user to release a place before the plugin re-takes it.
const takeoverRetryInterval = 5 * time.Second

// Reservation states, as reported by labgrid's coordinator.
const (
	StateWaiting   = "waiting"
	StateAcquired  = "acquired"
	StateAllocated = "allocated"
)

// Reservation is one entry in labgrid's reservation queue.
type Reservation struct {
	Token    string
	Place    string
	Owner    string
	State    string
	Priority int
}

// Client is the subset of labgrid's coordinator RPC the plugin needs.
// The real coordinator protocol is a WAMP-style RPC carried on a
// websocket connection; this interface is implemented by an adapter
// over github.com/gorilla/websocket (see DESIGN.md).
type Client interface {
	Reservations(ctx context.Context) ([]Reservation, error)
	PlaceResources(ctx context.Context, place string) ([]string, error)
	AcquirePlace(ctx context.Context, place string) error
	ReleasePlace(ctx context.Context, place string) error
	CreateReservation(ctx context.Context, place string, priority int) (token string, err error)
	CancelReservation(ctx context.Context, token string) error
	Username() string
}

// seizeAttempts is the per-reservation anti-busy cache: it remembers
// which candidate resources have already been offered to
// coordinate_resources for a waiting reservation token, so an
// unavailable candidate is not re-requested every tick.
type seizeAttempts struct {
	mu      sync.Mutex
	byToken map[string]map[string]bool
}

func newSeizeAttempts() *seizeAttempts {
	return &seizeAttempts{byToken: make(map[string]map[string]bool)}
}

func (s *seizeAttempts) tried(token, resource string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byToken[token][resource]
}

func (s *seizeAttempts) record(token, resource string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byToken[token] == nil {
		s.byToken[token] = make(map[string]bool)
	}
	s.byToken[token][resource] = true
}

func (s *seizeAttempts) prune(liveTokens map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token := range s.byToken {
		if !liveTokens[token] {
			delete(s.byToken, token)
		}
	}
}

// Plugin implements plugin.Handler for labgrid. It does not implement
// plugin.DefaultFrameworkBridge: labgrid is never configured as the
// default framework (its reservation model has no notion of "idle
// pool maintenance"), matching the original's single default
// framework being LAVA.
type Plugin struct {
	client Client
	coord  *coordinator.Coordinator

	mu            sync.Mutex
	managedTokens map[string]string // resource (== place name) -> reservation token this coordinator currently holds on it

	seizeCache *seizeAttempts
}

// New builds a labgrid Plugin.
func New(client Client, coord *coordinator.Coordinator) *Plugin {
	return &Plugin{
		client:        client,
		coord:         coord,
		managedTokens: make(map[string]string),
		seizeCache:    newSeizeAttempts(),
	}
}

func (p *Plugin) Name() string          { return "labgrid" }
func (p *Plugin) ScheduleInterval() int { return scheduleInterval }

// Init performs the one-time take-over of every managed place: if the
// plugin already holds an acquired system reservation on it, nothing
// to do; otherwise it tries to reserve and acquire the place outright.
// A place already in use by a real labgrid user outside fc is instead
// accepted into the ownership table as held, and an async task keeps
// retrying the take-over until that user departs.
func (p *Plugin) Init(ctx context.Context) error {
	reservations, err := p.client.Reservations(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", fcerrors.ErrFrameworkUnreachable, err)
	}
	username := p.client.Username()
	byPlace := make(map[string][]Reservation, len(reservations))
	for _, r := range reservations {
		byPlace[r.Place] = append(byPlace[r.Place], r)
	}

	log := logger.Component("labgrid")
	for resource := range p.coord.Table().All() {
		if err := p.takeOver(ctx, resource, byPlace[resource], username); err != nil {
			log.Warn().Err(err).Str("resource", resource).Msg("initial take-over failed")
		}
	}
	return nil
}

// takeOver implements the "initial take-over (once per resource)"
// algorithm: reuse an already-acquired system reservation, or create
// one and attempt to acquire the place; if a real user beats it, fall
// back to tracking the place as held and retry in the background.
func (p *Plugin) takeOver(ctx context.Context, resource string, existing []Reservation, username string) error {
	for _, r := range existing {
		if r.Owner == username && r.State == StateAcquired {
			p.mu.Lock()
			p.managedTokens[resource] = r.Token
			p.mu.Unlock()
			return nil
		}
	}

	if p.tryTakeOver(ctx, resource) {
		return nil
	}

	if acceptErr := p.coord.AcceptResource(p.Name(), resource); acceptErr != nil {
		logger.Component("labgrid").Warn().Err(acceptErr).Str("resource", resource).Msg("marking held-by-real-user resource failed")
	}
	go p.awaitTakeOver(resource)
	return nil
}

// tryTakeOver makes one attempt at reserving and acquiring resource at
// system priority, recording the resulting token on success. It is the
// single-attempt building block both the initial take-over and its
// background retry loop share.
func (p *Plugin) tryTakeOver(ctx context.Context, resource string) bool {
	log := logger.Component("labgrid")

	token, err := p.client.CreateReservation(ctx, resource, systemPriority)
	if err != nil {
		log.Warn().Err(err).Str("resource", resource).Msg("system reservation failed")
		return false
	}
	if err := p.client.AcquirePlace(ctx, resource); err != nil {
		if cancelErr := p.client.CancelReservation(ctx, token); cancelErr != nil {
			log.Warn().Err(cancelErr).Str("resource", resource).Msg("cancelling losing system reservation failed")
		}
		return false
	}
	p.mu.Lock()
	p.managedTokens[resource] = token
	p.mu.Unlock()
	return true
}

// awaitTakeOver retries tryTakeOver at a fixed interval until it
// succeeds, i.e. until the real user who beat the initial take-over
// releases the place.
func (p *Plugin) awaitTakeOver(resource string) {
	ctx := context.Background()
	ticker := time.NewTicker(takeoverRetryInterval)
	defer ticker.Stop()

	for range ticker.C {
		if p.tryTakeOver(ctx, resource) {
			logger.Component("labgrid").Info().Str("resource", resource).Msg("take-over succeeded after real user departed")
			return
		}
	}
}

// ForceKickOff is called while the resource is Seizing{from=labgrid}:
// it looks up the place's current reservation token and, if still
// outstanding, cancels it before force-releasing the place.
func (p *Plugin) ForceKickOff(ctx context.Context, resource string) error {
	p.mu.Lock()
	token, held := p.managedTokens[resource]
	delete(p.managedTokens, resource)
	p.mu.Unlock()

	if held {
		reservations, err := p.client.Reservations(ctx)
		if err != nil {
			logger.Component("labgrid").Warn().Err(err).Str("resource", resource).Msg("listing reservations during kick-off failed")
		} else {
			for _, r := range reservations {
				if r.Token != token {
					continue
				}
				if err := p.client.CancelReservation(ctx, token); err != nil {
					logger.Component("labgrid").Warn().Err(err).Str("resource", resource).Msg("cancelling reservation during kick-off failed")
				}
				break
			}
		}
	}

	if err := p.client.ReleasePlace(ctx, resource); err != nil {
		return fmt.Errorf("force-releasing place %s: %w", resource, err)
	}
	return nil
}

// Schedule implements the reservation plugin's per-tick algorithm:
// reissue any stale guard, then walk every waiting reservation not
// owned by this coordinator and either finalize a grant already
// available to labgrid or attempt to seize it.
func (p *Plugin) Schedule(ctx context.Context) error {
	reservations, err := p.client.Reservations(ctx)
	if err != nil {
		return fmt.Errorf("listing reservations: %w", err)
	}
	username := p.client.Username()
	byToken := make(map[string]Reservation, len(reservations))
	for _, r := range reservations {
		byToken[r.Token] = r
	}

	p.reissueStaleGuards(ctx, byToken)

	log := logger.Component("labgrid")
	liveTokens := make(map[string]bool, len(reservations))

	for _, res := range reservations {
		if res.Owner == username || res.State != StateWaiting {
			continue
		}
		liveTokens[res.Token] = true

		resources, err := p.client.PlaceResources(ctx, res.Place)
		if err != nil {
			log.Warn().Err(err).Str("place", res.Place).Msg("failed to resolve place resources")
			continue
		}
		if len(resources) == 0 {
			continue
		}

		var toSeize []string
		for _, resource := range resources {
			avail, err := p.coord.IsAvailable(ctx, p.Name(), resource)
			if err != nil {
				log.Warn().Err(err).Str("resource", resource).Msg("availability check failed")
				continue
			}
			if !avail {
				if !p.seizeCache.tried(res.Token, resource) {
					toSeize = append(toSeize, resource)
				}
				continue
			}

			if p.coord.IsSeizedResource(p.Name(), resource) {
				p.coord.ClearSeizedJobRecords(resource)
			}
			if err := p.coord.AcceptResource(p.Name(), resource); err != nil {
				log.Warn().Err(err).Str("resource", resource).Msg("accept failed")
				continue
			}
			log.Info().Str("token", res.Token).Str("resource", resource).Msg("resource handed to labgrid for reservation")
			p.enqueueSwitchOver(resource, res.Place)
		}

		if len(toSeize) == 0 {
			continue
		}
		resource, err := p.coord.CoordinateResources(ctx, p.Name(), toSeize, res.Token)
		for _, r := range toSeize {
			p.seizeCache.record(res.Token, r)
		}
		if err != nil {
			log.Warn().Err(err).Str("token", res.Token).Msg("coordinate resources failed")
			continue
		}
		if resource == "" {
			continue
		}
		log.Info().Str("token", res.Token).Str("resource", resource).Msg("resource seized for waiting reservation")
	}

	p.seizeCache.prune(liveTokens)
	return nil
}

// reissueStaleGuards cancels and recreates any coordinator-owned
// reservation sitting in state allocated at guard priority: a guard
// that never got acquired could otherwise sit in labgrid's queue and
// block a later, higher-priority reservation from being considered.
func (p *Plugin) reissueStaleGuards(ctx context.Context, byToken map[string]Reservation) {
	log := logger.Component("labgrid")

	p.mu.Lock()
	tokens := make(map[string]string, len(p.managedTokens))
	for resource, token := range p.managedTokens {
		tokens[resource] = token
	}
	p.mu.Unlock()

	for resource, token := range tokens {
		res, ok := byToken[token]
		if !ok || res.Priority != guardPriority || res.State != StateAllocated {
			continue
		}
		if err := p.client.CancelReservation(ctx, token); err != nil {
			log.Warn().Err(err).Str("resource", resource).Msg("cancelling stale guard failed")
			continue
		}
		newToken, err := p.client.CreateReservation(ctx, resource, guardPriority)
		if err != nil {
			log.Warn().Err(err).Str("resource", resource).Msg("reissuing stale guard failed")
			continue
		}
		p.mu.Lock()
		p.managedTokens[resource] = newToken
		p.mu.Unlock()
		log.Info().Str("resource", resource).Msg("stale guard reissued")
	}
}

// enqueueSwitchOver starts the atomic switch-over task in the
// background so Schedule's tick is not blocked on the real user's
// eventual departure.
func (p *Plugin) enqueueSwitchOver(resource, place string) {
	go p.switchOver(resource, place)
}

// switchOver hands place over to labgrid's own scheduling for the
// duration of a real reservation: it injects a guard reservation to
// hold the place across the handoff window, cancels and releases the
// coordinator's own claim, then waits for the real user to finish and
// re-takes the place before returning the resource to Free.
func (p *Plugin) switchOver(resource, place string) {
	ctx := context.Background()
	log := logger.Component("labgrid")

	guardToken, err := p.client.CreateReservation(ctx, place, guardPriority)
	if err != nil {
		log.Warn().Err(err).Str("resource", resource).Msg("switch-over guard reservation failed")
		return
	}

	p.mu.Lock()
	systemToken := p.managedTokens[resource]
	p.mu.Unlock()
	if systemToken != "" {
		if err := p.client.CancelReservation(ctx, systemToken); err != nil {
			log.Warn().Err(err).Str("resource", resource).Msg("cancelling system reservation during switch-over failed")
		}
	}

	if err := p.client.ReleasePlace(ctx, place); err != nil {
		log.Warn().Err(err).Str("resource", resource).Msg("releasing place during switch-over failed")
		return
	}

	p.mu.Lock()
	p.managedTokens[resource] = guardToken
	p.mu.Unlock()

	if p.tryTakeOver(ctx, resource) {
		p.finishSwitchOver(ctx, resource)
		return
	}
	go p.awaitTakeOverThenReturn(resource)
}

// awaitTakeOverThenReturn is switchOver's fallback when the real user
// is still using the place at the end of the handoff window: it keeps
// retrying the take-over and, once it succeeds, returns the resource
// to Free.
func (p *Plugin) awaitTakeOverThenReturn(resource string) {
	ctx := context.Background()
	ticker := time.NewTicker(takeoverRetryInterval)
	defer ticker.Stop()

	for range ticker.C {
		if p.tryTakeOver(ctx, resource) {
			p.finishSwitchOver(ctx, resource)
			return
		}
	}
}

// finishSwitchOver returns resource to Free now that the plugin has
// re-taken the place from the real user who was using it.
func (p *Plugin) finishSwitchOver(ctx context.Context, resource string) {
	if err := p.coord.ReturnResource(ctx, p.Name(), resource); err != nil {
		logger.Component("labgrid").Warn().Err(err).Str("resource", resource).Msg("returning resource to free after switch-over failed")
	}
}
