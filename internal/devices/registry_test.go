package devices

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrace/raceflags/internal/race"
)

type plainHasher struct{}

func (plainHasher) Hash(p string) (string, error) { return "hash:" + p, nil }
func (plainHasher) Verify(p, h string) bool       { return "hash:"+p == h }

func newTestRegistry(t *testing.T) (*Registry, *race.Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := race.NewStore("node-test", []int{1, 2, 3}, plainHasher{}, plainHasher{}, clock)
	return New(DefaultConfig(), store, clock), store, clock
}

func TestQuietDeviceFlaggedStaleOnce(t *testing.T) {
	r, store, clock := newTestRegistry(t)

	sector := 2
	_, err := store.IdentifyDevice("10.0.0.41", race.DeviceSector, &sector)
	require.NoError(t, err)

	// Still within the window, nothing happens.
	clock.Advance(10 * time.Second)
	r.SweepOnce()
	snap := store.Snapshot()
	assert.False(t, snap.Session.Devices["10.0.0.41"].Stale)
	assert.Empty(t, snap.Session.Events)

	clock.Advance(6 * time.Second)
	r.SweepOnce()
	// Already flagged, a second sweep must not add another event.
	r.SweepOnce()

	snap = store.Snapshot()
	require.True(t, snap.Session.Devices["10.0.0.41"].Stale)
	require.Len(t, snap.Session.Events, 1)
	assert.Equal(t, race.EventDeviceStale, snap.Session.Events[0].Type)
	require.NotNil(t, snap.Session.Events[0].SectorID)
	assert.Equal(t, sector, *snap.Session.Events[0].SectorID)
}

func TestReidentifyClearsStaleFlag(t *testing.T) {
	r, store, clock := newTestRegistry(t)

	_, err := store.IdentifyDevice("10.0.0.40", race.DeviceSemaphore, nil)
	require.NoError(t, err)

	clock.Advance(16 * time.Second)
	r.SweepOnce()
	require.True(t, store.Snapshot().Session.Devices["10.0.0.40"].Stale)

	// The display comes back.
	_, err = store.IdentifyDevice("10.0.0.40", race.DeviceSemaphore, nil)
	require.NoError(t, err)
	assert.False(t, store.Snapshot().Session.Devices["10.0.0.40"].Stale)

	// And can go stale again, producing a fresh event.
	clock.Advance(16 * time.Second)
	r.SweepOnce()
	snap := store.Snapshot()
	assert.True(t, snap.Session.Devices["10.0.0.40"].Stale)
	assert.Len(t, snap.Session.Events, 2)
}

func TestFreshDevicesUntouched(t *testing.T) {
	r, store, clock := newTestRegistry(t)

	_, err := store.IdentifyDevice("10.0.0.40", race.DeviceSemaphore, nil)
	require.NoError(t, err)

	clock.Advance(12 * time.Second)
	_, err = store.IdentifyDevice("10.0.0.40", race.DeviceSemaphore, nil)
	require.NoError(t, err)

	clock.Advance(12 * time.Second)
	r.SweepOnce()
	assert.False(t, store.Snapshot().Session.Devices["10.0.0.40"].Stale)
}
