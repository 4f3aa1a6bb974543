package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/fc-coordinator/internal/config"
	"github.com/streamspace-dev/fc-coordinator/internal/fcerrors"
	"github.com/streamspace-dev/fc-coordinator/internal/ownership"
	"github.com/streamspace-dev/fc-coordinator/internal/plugin"
)

type fakeHandler struct {
	name            string
	interval        int
	kickedOff       []string
	disconnectOK    bool
	disconnectTouch bool
	disconnectCalls []string
	connectErr      error
	connectCalls    []string
}

func (f *fakeHandler) Name() string                       { return f.name }
func (f *fakeHandler) Init(ctx context.Context) error     { return nil }
func (f *fakeHandler) Schedule(ctx context.Context) error { return nil }
func (f *fakeHandler) ScheduleInterval() int              { return f.interval }
func (f *fakeHandler) ForceKickOff(ctx context.Context, resource string) error {
	f.kickedOff = append(f.kickedOff, resource)
	return nil
}

func (f *fakeHandler) DefaultFrameworkDisconnect(ctx context.Context, resource string) (bool, bool, error) {
	f.disconnectCalls = append(f.disconnectCalls, resource)
	return f.disconnectOK, f.disconnectTouch, nil
}

func (f *fakeHandler) DefaultFrameworkConnect(ctx context.Context, resource string) error {
	f.connectCalls = append(f.connectCalls, resource)
	return f.connectErr
}

func newTestCoordinator(t *testing.T, priorityScheduler bool) (*Coordinator, *fakeHandler, *fakeHandler) {
	t.Helper()

	cfg := &config.Config{
		ManagedResources:  []string{"board-1", "board-2"},
		PriorityScheduler: priorityScheduler,
	}

	lava := &fakeHandler{name: "lava", interval: 30, disconnectOK: true, disconnectTouch: true}
	labgrid := &fakeHandler{name: "labgrid", interval: 2}

	registry := plugin.NewRegistry()
	require.NoError(t, registry.Register(plugin.Registration{Handler: lava, Priority: 10, Seize: true, IsDefault: true}))
	require.NoError(t, registry.Register(plugin.Registration{Handler: labgrid, Priority: 1, Seize: true}))

	return New(cfg, registry), lava, labgrid
}

func TestCoordinateResources_PicksFreeResource(t *testing.T) {
	c, _, _ := newTestCoordinator(t, false)

	resource, err := c.CoordinateResources(context.Background(), "labgrid", []string{"board-2", "board-1"}, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "board-1", resource)
}

func TestCoordinateResources_NoFreeResourceWithoutPriorityScheduler(t *testing.T) {
	c, _, _ := newTestCoordinator(t, false)
	c.Table().Hold("board-1", "lava")
	c.Table().Hold("board-2", "lava")

	resource, err := c.CoordinateResources(context.Background(), "labgrid", []string{"board-1", "board-2"}, "job-1")
	require.NoError(t, err)
	assert.Empty(t, resource)
}

func TestCoordinateResources_SeizesLowerPriorityHolder(t *testing.T) {
	c, lava, labgrid := newTestCoordinator(t, true)
	c.Table().Hold("board-1", "lava")

	resource, err := c.CoordinateResources(context.Background(), "labgrid", []string{"board-1"}, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "board-1", resource)

	state, ok := c.Table().Get("board-1")
	require.True(t, ok)
	assert.Equal(t, ownership.Seized, state.Status)
	assert.Equal(t, "labgrid", state.Holder)
	require.NotNil(t, state.Seize)
	assert.NotEmpty(t, state.Seize.SeizeID, "each seize gets its own correlation id")
	assert.Equal(t, []string{"board-1"}, lava.kickedOff, "the victim is kicked off, not the new holder")
	assert.Empty(t, labgrid.kickedOff)
}

func TestCoordinateResources_HigherPriorityHolderIsNotSeized(t *testing.T) {
	c, _, _ := newTestCoordinator(t, true)
	c.Table().Hold("board-1", "labgrid")

	resource, err := c.CoordinateResources(context.Background(), "lava", []string{"board-1"}, "job-1")
	require.NoError(t, err)
	assert.Empty(t, resource, "lava has lower priority than labgrid, so it must not seize")
}

func TestAcceptAndReturnResource(t *testing.T) {
	c, _, _ := newTestCoordinator(t, true)
	c.Table().Hold("board-1", "lava")

	resource, err := c.CoordinateResources(context.Background(), "labgrid", []string{"board-1"}, "job-1")
	require.NoError(t, err)
	require.Equal(t, "board-1", resource)

	require.NoError(t, c.AcceptResource("labgrid", "board-1"))
	state, _ := c.Table().Get("board-1")
	assert.Equal(t, ownership.Held, state.Status)
	assert.Equal(t, "labgrid", state.Holder)

	require.NoError(t, c.ReturnResource(context.Background(), "labgrid", "board-1"))
	state, _ = c.Table().Get("board-1")
	assert.Equal(t, ownership.Free, state.Status, "returning frees the resource at the table level; the default framework's own reconnect is tracked separately")
}

func TestReturnResource_QueuesDefaultFrameworkReconnect(t *testing.T) {
	c, lava, _ := newTestCoordinator(t, true)
	c.Table().Hold("board-1", "lava")

	resource, err := c.CoordinateResources(context.Background(), "labgrid", []string{"board-1"}, "job-1")
	require.NoError(t, err)
	require.Equal(t, "board-1", resource)
	require.NoError(t, c.AcceptResource("labgrid", "board-1"))

	require.NoError(t, c.ReturnResource(context.Background(), "labgrid", "board-1"))

	require.NoError(t, c.bridge.retry(c)(context.Background()))
	assert.Equal(t, []string{"board-1"}, lava.connectCalls)
}

func TestRetireAndResetResource(t *testing.T) {
	c, _, _ := newTestCoordinator(t, false)

	require.NoError(t, c.RetireResource("board-1"))
	state, _ := c.Table().Get("board-1")
	assert.Equal(t, ownership.Retired, state.Status)

	require.NoError(t, c.ResetResource("board-1"))
	state, _ = c.Table().Get("board-1")
	assert.Equal(t, ownership.Free, state.Status)
}

func TestAcceptResource_RetiredIsReported(t *testing.T) {
	c, _, _ := newTestCoordinator(t, false)
	require.NoError(t, c.RetireResource("board-1"))

	err := c.AcceptResource("lava", "board-1")
	assert.ErrorIs(t, err, fcerrors.ErrResourceRetired)
}

func TestCoordinateResources_UnknownFramework(t *testing.T) {
	c, _, _ := newTestCoordinator(t, false)
	_, err := c.CoordinateResources(context.Background(), "nope", []string{"board-1"}, "job-1")
	assert.Error(t, err)
}

func TestIsAvailable_RunsDefaultFrameworkHandshakeOnIdleAcquire(t *testing.T) {
	c, lava, _ := newTestCoordinator(t, false)

	avail, err := c.IsAvailable(context.Background(), "labgrid", "board-1")
	require.NoError(t, err)
	assert.True(t, avail)
	assert.Equal(t, []string{"board-1"}, lava.disconnectCalls, "a non-default framework acquiring an idle resource must run the disconnect handshake synchronously")
}

func TestIsAvailable_DefaultFrameworkNeverDisconnectsItself(t *testing.T) {
	c, lava, _ := newTestCoordinator(t, false)

	avail, err := c.IsAvailable(context.Background(), "lava", "board-1")
	require.NoError(t, err)
	assert.True(t, avail)
	assert.Empty(t, lava.disconnectCalls)
}

func TestIsAvailable_DisconnectFailureMakesResourceUnavailable(t *testing.T) {
	c, lava, _ := newTestCoordinator(t, false)
	lava.disconnectOK = false

	avail, err := c.IsAvailable(context.Background(), "labgrid", "board-1")
	require.NoError(t, err)
	assert.False(t, avail, "a failed disconnect (device busy in the default framework) must make the resource unavailable")
}

func TestIsSeizedJob_PreventsSecondSeizeForSameJob(t *testing.T) {
	c, _, _ := newTestCoordinator(t, true)
	c.Table().Hold("board-1", "lava")
	c.Table().Hold("board-2", "lava")

	resource, err := c.CoordinateResources(context.Background(), "labgrid", []string{"board-1"}, "job-1")
	require.NoError(t, err)
	require.Equal(t, "board-1", resource)
	assert.True(t, c.IsSeizedJob("job-1"))

	resource2, err := c.CoordinateResources(context.Background(), "labgrid", []string{"board-2"}, "job-1")
	require.NoError(t, err)
	assert.Empty(t, resource2, "a job with an outstanding seize must not trigger a second one")
}

func TestClearSeizedJobRecords_DropsEntriesForResource(t *testing.T) {
	c, _, _ := newTestCoordinator(t, true)
	c.Table().Hold("board-1", "lava")

	_, err := c.CoordinateResources(context.Background(), "labgrid", []string{"board-1"}, "job-1")
	require.NoError(t, err)
	require.True(t, c.IsSeizedJob("job-1"))

	c.ClearSeizedJobRecords("board-1")
	assert.False(t, c.IsSeizedJob("job-1"))
}

func TestIsSeizedResource_GatedByPriorityScheduler(t *testing.T) {
	c, _, _ := newTestCoordinator(t, true)
	c.Table().Hold("board-1", "lava")

	_, err := c.CoordinateResources(context.Background(), "labgrid", []string{"board-1"}, "job-1")
	require.NoError(t, err)
	assert.True(t, c.IsSeizedResource("labgrid", "board-1"))

	c2, _, _ := newTestCoordinator(t, false)
	c2.Table().Hold("board-1", "lava")
	assert.False(t, c2.IsSeizedResource("labgrid", "board-1"), "is_seized_resource must return false when priority scheduling is disabled")
}

func TestAcceptResource_DirectlyGrantsFreeResource(t *testing.T) {
	c, _, _ := newTestCoordinator(t, false)

	require.NoError(t, c.AcceptResource("lava", "board-1"))
	state, _ := c.Table().Get("board-1")
	assert.Equal(t, ownership.Held, state.Status)
	assert.Equal(t, "lava", state.Holder)
}
