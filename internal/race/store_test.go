package race

import (
	"errors"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// plainHasher keeps store tests free of bcrypt cost; the real hasher has
// its own tests in the auth package.
type plainHasher struct{}

func (plainHasher) Hash(p string) (string, error) { return "hash:" + p, nil }
func (plainHasher) Verify(p, h string) bool       { return "hash:"+p == h }

func newTestStore(nodeID string) *Store {
	return NewStore(nodeID, []int{1, 2, 3}, plainHasher{}, plainHasher{}, clockwork.NewFakeClock())
}

func TestEveryAcceptedMutationBumpsRevisionByOne(t *testing.T) {
	s := newTestStore("node-a")

	var commits []Delta
	s.OnCommit(func(snap Snapshot, delta Delta) {
		commits = append(commits, delta)
	})

	snap, err := s.SetGlobalFlag(FlagYellow)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Revision)

	snap, err = s.SetSafetyCar(true, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Revision)

	snap, err = s.StartRace()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.Revision)

	// Exactly one notification per accepted mutation.
	assert.Len(t, commits, 3)
	assert.Equal(t, "flag_change", commits[0].Kind)
	assert.Equal(t, "safety_car", commits[1].Kind)
	assert.Equal(t, "race_start", commits[2].Kind)
}

func TestInvalidMutationLeavesStoreUntouched(t *testing.T) {
	s := newTestStore("node-a")

	notified := 0
	s.OnCommit(func(Snapshot, Delta) { notified++ })

	// Sector 99 does not exist on a 3-sector session, no matter how
	// often it is tried.
	for i := 0; i < 3; i++ {
		_, err := s.SetSectorFlag(99, FlagYellow, false)
		require.ErrorIs(t, err, ErrUnknownSector)
		require.ErrorIs(t, err, ErrInvalidMutation)
	}

	_, err := s.SetGlobalFlag(Flag("purple"))
	require.ErrorIs(t, err, ErrInvalidMutation)

	assert.Equal(t, uint64(0), s.Snapshot().Revision)
	assert.Zero(t, notified)
}

func TestRaceControlScenario(t *testing.T) {
	s := newTestStore("node-a")

	_, err := s.RegisterPilot("Ayrton", "Senna", "7")
	require.NoError(t, err)

	_, err = s.SetSectorFlag(2, FlagYellow, true)
	require.NoError(t, err)

	_, err = s.AssignBlueFlag("7", true)
	require.NoError(t, err)

	snap, err := s.AddPenalty(PenaltyInput{
		TargetNumber:  "7",
		Type:          PenaltyTime,
		AmountSeconds: 10,
		Reason:        "track limits",
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(4), snap.Revision)
	assert.Equal(t, FlagYellow, snap.Session.Sectors[2].Flag)
	assert.True(t, snap.Session.Sectors[2].MarshalIntervene)
	assert.True(t, snap.Session.Pilots["7"].BlueFlag)
	require.Len(t, snap.Session.Penalties, 1)
	assert.Equal(t, 10, snap.Session.Penalties[0].AmountSeconds)
	assert.Equal(t, "track limits", snap.Session.Penalties[0].Reason)
}

func TestStartThenResetClearsSessionButNotRevision(t *testing.T) {
	s := newTestStore("node-a")

	_, err := s.RegisterPilot("Michele", "Alboreto", "27")
	require.NoError(t, err)
	_, err = s.StartRace()
	require.NoError(t, err)
	_, err = s.AddPenalty(PenaltyInput{TargetNumber: "27", Type: PenaltyStopGo})
	require.NoError(t, err)
	_, err = s.AddEvent(EventInput{Type: EventOutWindowOpen})
	require.NoError(t, err)

	before := s.Snapshot().Revision
	snap, err := s.ResetRace()
	require.NoError(t, err)

	assert.Greater(t, snap.Revision, before)
	assert.Equal(t, StatusIdle, snap.Session.RaceStatus)
	assert.Empty(t, snap.Session.Penalties)
	assert.Empty(t, snap.Session.Events)
	assert.Empty(t, snap.Session.Pilots)
	assert.Equal(t, FlagNone, snap.Session.GlobalFlag)
	// Sector layout survives a reset.
	assert.Len(t, snap.Session.Sectors, 3)
}

func TestStopRaceKeepsRecordsForReview(t *testing.T) {
	s := newTestStore("node-a")

	_, err := s.RegisterPilot("Ayrton", "Senna", "7")
	require.NoError(t, err)
	_, err = s.StartRace()
	require.NoError(t, err)
	_, err = s.AddPenalty(PenaltyInput{TargetNumber: "7", Type: PenaltyDriveThrough})
	require.NoError(t, err)

	snap, err := s.StopRace()
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, snap.Session.RaceStatus)
	assert.Len(t, snap.Session.Penalties, 1)
	assert.Contains(t, snap.Session.Pilots, "7")

	// Registration reopens once the race is no longer running.
	_, err = s.RegisterPilot("Alain", "Prost", "1")
	require.NoError(t, err)
}

func TestResetKeepsPitBoxesAndDevices(t *testing.T) {
	s := newTestStore("node-a")

	_, err := s.CreatePitBox("box-5", "secret")
	require.NoError(t, err)
	sector := 1
	_, err = s.IdentifyDevice("display-1", DeviceSector, &sector)
	require.NoError(t, err)

	snap, err := s.ResetRace()
	require.NoError(t, err)
	assert.Contains(t, snap.Session.PitBoxes, "box-5")
	assert.Contains(t, snap.Session.Devices, "display-1")
}

func TestPilotRegistrationClosedWhileRunning(t *testing.T) {
	s := newTestStore("node-a")

	_, err := s.StartRace()
	require.NoError(t, err)

	_, err = s.RegisterPilot("Jim", "Clark", "1")
	require.ErrorIs(t, err, ErrRaceStarted)
}

func TestDuplicateRaceNumberRejected(t *testing.T) {
	s := newTestStore("node-a")

	_, err := s.RegisterPilot("Gilles", "Villeneuve", "27")
	require.NoError(t, err)
	_, err = s.RegisterPilot("Jacques", "Villeneuve", "27")
	require.ErrorIs(t, err, ErrDuplicateNumber)
}

func TestPitBoxSendWrongPasswordChangesNothing(t *testing.T) {
	s := newTestStore("node-a")

	_, err := s.CreatePitBox("box-9", "secret")
	require.NoError(t, err)
	before := s.Snapshot()

	_, err = s.PitBoxSend("box-9", "wrong", "BOX NOW", "")
	require.ErrorIs(t, err, ErrAuthFailed)

	after := s.Snapshot()
	assert.Equal(t, before.Revision, after.Revision)
	assert.Empty(t, after.Session.PitBoxes["box-9"].LastAction)

	// Unknown box is an auth failure too, not a different signal.
	_, err = s.PitBoxSend("box-0", "secret", "BOX NOW", "")
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestPitBoxSendCorrectPassword(t *testing.T) {
	s := newTestStore("node-a")

	_, err := s.CreatePitBox("box-9", "secret")
	require.NoError(t, err)

	snap, err := s.PitBoxSend("box-9", "secret", "BOX NOW", "fuel only")
	require.NoError(t, err)
	assert.Equal(t, "BOX NOW", snap.Session.PitBoxes["box-9"].LastAction)
	assert.Equal(t, "fuel only", snap.Session.PitBoxes["box-9"].LastNote)
}

func TestPenaltyValidation(t *testing.T) {
	s := newTestStore("node-a")

	_, err := s.AddPenalty(PenaltyInput{TargetNumber: "7", Type: PenaltyTime})
	require.ErrorIs(t, err, ErrInvalidMutation, "time penalty without amount")

	_, err = s.AddPenalty(PenaltyInput{TargetNumber: "7", Type: PenaltyTime, AmountSeconds: -5})
	require.ErrorIs(t, err, ErrInvalidMutation, "negative amount")

	_, err = s.AddPenalty(PenaltyInput{TargetNumber: "7", Type: PenaltyDriveThrough, AmountSeconds: 10})
	require.ErrorIs(t, err, ErrInvalidMutation, "amount on non-time penalty")

	_, err = s.AddPenalty(PenaltyInput{TargetNumber: "7", Type: PenaltyType("ban")})
	require.ErrorIs(t, err, ErrInvalidMutation, "unknown type")

	snap, err := s.AddPenalty(PenaltyInput{TargetNumber: "7", Type: PenaltyDriveThrough})
	require.NoError(t, err)
	require.Len(t, snap.Session.Penalties, 1)
	assert.Equal(t, int64(1), snap.Session.Penalties[0].ID)

	snap, err = s.AddPenalty(PenaltyInput{TargetNumber: "8", Type: PenaltyTime, AmountSeconds: 30})
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Session.Penalties[1].ID)
}

func TestEventSectorValidation(t *testing.T) {
	s := newTestStore("node-a")

	bad := 42
	_, err := s.AddEvent(EventInput{Type: EventOpenInThisLap, SectorID: &bad})
	require.ErrorIs(t, err, ErrUnknownSector)

	good := 2
	snap, err := s.AddEvent(EventInput{Type: EventType("gt_contact"), SectorID: &good, Number: "7"})
	require.NoError(t, err)
	require.Len(t, snap.Session.Events, 1)
	assert.Equal(t, EventType("gt_contact"), snap.Session.Events[0].Type)
	assert.False(t, snap.Session.Events[0].Type.Known())
}

func TestIdentifyDeviceValidation(t *testing.T) {
	s := newTestStore("node-a")

	_, err := s.IdentifyDevice("d1", DeviceSector, nil)
	require.ErrorIs(t, err, ErrInvalidMutation, "sector device without sector id")

	bad := 9
	_, err = s.IdentifyDevice("d1", DeviceSector, &bad)
	require.ErrorIs(t, err, ErrUnknownSector)

	_, err = s.IdentifyDevice("d1", DeviceKind("teapot"), nil)
	require.ErrorIs(t, err, ErrInvalidMutation)

	snap, err := s.IdentifyDevice("d1", DeviceSemaphore, &bad)
	require.NoError(t, err, "semaphore ignores sector id")
	assert.Nil(t, snap.Session.Devices["d1"].SectorID)
}

func TestMarkDeviceStaleEmitsOneEvent(t *testing.T) {
	s := newTestStore("node-a")

	_, err := s.IdentifyDevice("d1", DeviceSemaphore, nil)
	require.NoError(t, err)

	snap, err := s.MarkDeviceStale("d1")
	require.NoError(t, err)
	require.Len(t, snap.Session.Events, 1)
	assert.Equal(t, EventDeviceStale, snap.Session.Events[0].Type)
	assert.True(t, snap.Session.Devices["d1"].Stale)

	// Marking again is a no-op: no new event, no revision bump.
	again, err := s.MarkDeviceStale("d1")
	require.NoError(t, err)
	assert.Equal(t, snap.Revision, again.Revision)
	assert.Len(t, again.Session.Events, 1)

	// Re-identification clears the flag.
	snap, err = s.IdentifyDevice("d1", DeviceSemaphore, nil)
	require.NoError(t, err)
	assert.False(t, snap.Session.Devices["d1"].Stale)
}

func TestReconcileHigherRevisionWins(t *testing.T) {
	a := newTestStore("node-a")
	b := newTestStore("node-b")

	// A commits 5 mutations, B commits 8.
	for i := 0; i < 5; i++ {
		_, err := a.SetGlobalFlag(FlagYellow)
		require.NoError(t, err)
	}
	for i := 0; i < 8; i++ {
		_, err := b.SetGlobalFlag(FlagRed)
		require.NoError(t, err)
	}

	// Sync A <- B: B wins.
	applied, snap := a.ReconcileSnapshot(b.Snapshot())
	assert.True(t, applied)
	assert.Equal(t, uint64(8), snap.Revision)
	assert.Equal(t, FlagRed, snap.Session.GlobalFlag)

	// Sync B <- A's (now identical, same revision) state: nothing moves.
	applied, snap = b.ReconcileSnapshot(a.Snapshot())
	assert.False(t, applied)
	assert.Equal(t, uint64(8), snap.Revision)
	assert.Equal(t, FlagRed, snap.Session.GlobalFlag)
}

func TestReconcileLowerRevisionIgnored(t *testing.T) {
	a := newTestStore("node-a")
	b := newTestStore("node-b")

	for i := 0; i < 3; i++ {
		_, err := a.SetGlobalFlag(FlagYellow)
		require.NoError(t, err)
	}
	_, err := b.SetGlobalFlag(FlagRed)
	require.NoError(t, err)

	applied, snap := a.ReconcileSnapshot(b.Snapshot())
	assert.False(t, applied)
	assert.Equal(t, uint64(3), snap.Revision)
	assert.Equal(t, FlagYellow, snap.Session.GlobalFlag)
}

func TestReconcileEqualRevisionTieBreakIsCommutative(t *testing.T) {
	// Same revision, divergent content: the smaller node id must win on
	// both sides, whichever direction syncs first.
	newPair := func() (*Store, *Store) {
		a := newTestStore("node-a")
		b := newTestStore("node-b")
		_, err := a.SetGlobalFlag(FlagYellow)
		require.NoError(t, err)
		_, err = b.SetGlobalFlag(FlagRed)
		require.NoError(t, err)
		return a, b
	}

	// Direction 1: A receives B's snapshot first.
	a, b := newPair()
	applied, _ := a.ReconcileSnapshot(b.Snapshot())
	assert.False(t, applied, "node-b must not beat node-a on a tie")
	applied, _ = b.ReconcileSnapshot(a.Snapshot())
	assert.True(t, applied)
	assert.Equal(t, FlagYellow, b.Snapshot().Session.GlobalFlag)
	assert.Equal(t, FlagYellow, a.Snapshot().Session.GlobalFlag)

	// Direction 2: B receives A's snapshot first.
	a, b = newPair()
	applied, _ = b.ReconcileSnapshot(a.Snapshot())
	assert.True(t, applied)
	applied, _ = a.ReconcileSnapshot(b.Snapshot())
	assert.False(t, applied, "identical content must not reapply")

	assert.Equal(t, FlagYellow, a.Snapshot().Session.GlobalFlag)
	assert.Equal(t, FlagYellow, b.Snapshot().Session.GlobalFlag)
}

func TestRevisionNeverDecreasesAcrossLoad(t *testing.T) {
	s := newTestStore("node-a")
	for i := 0; i < 6; i++ {
		_, err := s.SetGlobalFlag(FlagYellow)
		require.NoError(t, err)
	}

	// A boot-time load with a lower revision must not move the counter
	// backward.
	old := Snapshot{NodeID: "node-a", Revision: 2, Session: NewSession([]int{1, 2, 3})}
	snap := s.LoadSnapshot(old, "")
	assert.Equal(t, uint64(6), snap.Revision)
}

func TestLoadSnapshotNotifiesListeners(t *testing.T) {
	s := newTestStore("node-a")
	var deltas []Delta
	s.OnCommit(func(_ Snapshot, d Delta) { deltas = append(deltas, d) })

	other := NewSession([]int{1, 2, 3})
	other.GlobalFlag = FlagRed
	s.LoadSnapshot(Snapshot{NodeID: "node-b", Revision: 9, Session: other}, "node-b")

	require.Len(t, deltas, 1)
	assert.Equal(t, "state_update", deltas[0].Kind)
	assert.Equal(t, "node-b", deltas[0].Origin)
	assert.Equal(t, uint64(9), s.Snapshot().Revision)
}

func TestSnapshotIsolation(t *testing.T) {
	s := newTestStore("node-a")
	_, err := s.RegisterPilot("Niki", "Lauda", "12")
	require.NoError(t, err)

	snap := s.Snapshot()
	snap.Session.Pilots["12"].FirstName = "changed"
	snap.Session.Sectors[1].Flag = FlagRed

	fresh := s.Snapshot()
	assert.Equal(t, "Niki", fresh.Session.Pilots["12"].FirstName)
	assert.Equal(t, FlagNone, fresh.Session.Sectors[1].Flag)
}

func TestPublicRedactsPitBoxHashes(t *testing.T) {
	s := newTestStore("node-a")
	_, err := s.CreatePitBox("box-1", "secret")
	require.NoError(t, err)

	snap := s.Snapshot()
	require.NotEmpty(t, snap.Session.PitBoxes["box-1"].PasswordHash)
	assert.Empty(t, snap.Session.Public().PitBoxes["box-1"].PasswordHash)
}

func TestAssignBlueFlagUnknownPilot(t *testing.T) {
	s := newTestStore("node-a")
	_, err := s.AssignBlueFlag("99", true)
	require.ErrorIs(t, err, ErrUnknownPilot)
	assert.True(t, errors.Is(err, ErrInvalidMutation))
}
