package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory("store-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createToken(t *testing.T, s *Store, agentID string) *AgentToken {
	t.Helper()
	tok := &AgentToken{AgentID: agentID, AgentName: agentID, IsActive: true}
	require.NoError(t, s.CreateToken(context.Background(), tok))
	return tok
}

func TestCreateTokenGeneratesValueAndRejectsDuplicateAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok := createToken(t, s, "agent-1")
	require.NotEmpty(t, tok.Token)
	require.False(t, tok.Bound())

	err := s.CreateToken(ctx, &AgentToken{AgentID: "agent-1", AgentName: "dup", IsActive: true})
	require.ErrorIs(t, err, ErrDuplicate)

	loaded, err := s.TokenByValue(ctx, tok.Token)
	require.NoError(t, err)
	require.Equal(t, "agent-1", loaded.AgentID)

	_, err = s.TokenByValue(ctx, "agt_missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBindFingerprintFirstBindWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tok := createToken(t, s, "agent-1")
	now := time.Now().UTC()

	won, err := s.BindFingerprint(ctx, tok.ID, "fp-first", "host-a", now)
	require.NoError(t, err)
	require.True(t, won)

	won, err = s.BindFingerprint(ctx, tok.ID, "fp-second", "host-b", now)
	require.NoError(t, err)
	require.False(t, won)

	loaded, err := s.TokenByID(ctx, tok.ID)
	require.NoError(t, err)
	require.Equal(t, "fp-first", loaded.Fingerprint())
	require.Equal(t, "host-a", loaded.BoundHostname)
	require.NotNil(t, loaded.BoundAt)

	bound, err := s.FingerprintBound(ctx, "fp-first")
	require.NoError(t, err)
	require.True(t, bound)
}

func TestBindFingerprintConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tok := createToken(t, s, "agent-1")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			won, err := s.BindFingerprint(ctx, tok.ID, string(rune('a'+i)), "host", time.Now().UTC())
			assert.NoError(t, err)
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestRecordMismatchDeactivatesAtThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tok := createToken(t, s, "agent-1")

	for i := 1; i <= 4; i++ {
		res, err := s.RecordMismatch(ctx, tok.ID, 5, time.Now().UTC())
		require.NoError(t, err)
		require.Equal(t, i, res.Count)
		require.False(t, res.Deactivated)
	}

	res, err := s.RecordMismatch(ctx, tok.ID, 5, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 5, res.Count)
	require.True(t, res.Deactivated)

	loaded, err := s.TokenByID(ctx, tok.ID)
	require.NoError(t, err)
	require.False(t, loaded.IsActive)
	require.NotNil(t, loaded.LastFingerprintMismatch)
}

func TestRecordMismatchConcurrentIncrementsAreNotLost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tok := createToken(t, s, "agent-1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordMismatch(ctx, tok.ID, 0, time.Now().UTC())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	loaded, err := s.TokenByID(ctx, tok.ID)
	require.NoError(t, err)
	require.Equal(t, 20, loaded.FingerprintMismatchCount)
	require.True(t, loaded.IsActive)
}

func TestSetTokenActiveResetsCounter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tok := createToken(t, s, "agent-1")

	for i := 0; i < 5; i++ {
		_, err := s.RecordMismatch(ctx, tok.ID, 5, time.Now().UTC())
		require.NoError(t, err)
	}
	require.NoError(t, s.SetTokenActive(ctx, tok.ID, true))

	loaded, err := s.TokenByID(ctx, tok.ID)
	require.NoError(t, err)
	require.True(t, loaded.IsActive)
	require.Zero(t, loaded.FingerprintMismatchCount)

	require.ErrorIs(t, s.SetTokenActive(ctx, 999, false), ErrNotFound)
}

func TestTransitionRegistrationOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	reg := &PendingRegistration{AgentID: "agent-1", AgentName: "Agent", Hostname: "h", OSType: "linux", OSVersion: "6", DeviceFingerprint: "fp"}
	require.NoError(t, s.CreateRegistration(ctx, reg))
	require.Equal(t, StatusPending, reg.Status)

	ok, err := s.TransitionRegistration(ctx, reg.ID, StatusApproved, map[string]interface{}{"approved_by": "root"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TransitionRegistration(ctx, reg.ID, StatusRejected, nil)
	require.NoError(t, err)
	require.False(t, ok)

	loaded, err := s.RegistrationByID(ctx, reg.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, loaded.Status)
	require.Equal(t, "root", loaded.ApprovedBy)
}

func TestPendingIDsFiltersNonPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	var ids []uint
	for _, agent := range []string{"a", "b", "c"} {
		reg := &PendingRegistration{AgentID: agent, DeviceFingerprint: "fp-" + agent}
		require.NoError(t, s.CreateRegistration(ctx, reg))
		ids = append(ids, reg.ID)
	}
	_, err := s.TransitionRegistration(ctx, ids[1], StatusRejected, nil)
	require.NoError(t, err)

	pending, err := s.PendingIDs(ctx, append(ids, 42))
	require.NoError(t, err)
	require.Equal(t, []uint{ids[0], ids[2]}, pending)
}

func TestUpsertDeviceKeepsFirstSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tok := createToken(t, s, "agent-1")

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d, err := s.UpsertDevice(ctx, &Device{AgentTokenID: tok.ID, Hostname: "old", IsOnline: true, LastHeartbeat: first, MemoryTotal: 100, MemoryAvailable: 25})
	require.NoError(t, err)
	require.Equal(t, "agent-1", d.AgentToken.AgentID)

	second := first.Add(time.Hour)
	d2, err := s.UpsertDevice(ctx, &Device{AgentTokenID: tok.ID, Hostname: "new", IsOnline: true, LastHeartbeat: second, IPAddresses: map[string][]string{"10.0.0.2": {"fe80::1"}}})
	require.NoError(t, err)
	require.Equal(t, d.ID, d2.ID)
	require.Equal(t, "new", d2.Hostname)
	require.True(t, d2.FirstSeen.Equal(first))
	require.True(t, d2.LastHeartbeat.Equal(second))
	require.Equal(t, []string{"fe80::1"}, d2.IPAddresses["10.0.0.2"])
}

func TestMemoryUsagePercent(t *testing.T) {
	d := Device{MemoryTotal: 3000, MemoryAvailable: 1000}
	require.Equal(t, int64(2000), d.MemoryUsed())
	require.Equal(t, 66.67, d.MemoryUsagePercent())
	require.Zero(t, (&Device{}).MemoryUsagePercent())
}

func TestReconcileServicesDiff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tok := createToken(t, s, "agent-1")
	d, err := s.UpsertDevice(ctx, &Device{AgentTokenID: tok.ID, IsOnline: true, LastHeartbeat: time.Now().UTC()})
	require.NoError(t, err)

	t0 := time.Now().UTC()
	counts, err := s.ReconcileServices(ctx, d.ID, []string{"A", "B", "C"}, t0)
	require.NoError(t, err)
	require.Equal(t, ReconcileCounts{Present: 3}, counts)

	t1 := t0.Add(time.Minute)
	counts, err = s.ReconcileServices(ctx, d.ID, []string{"B", "C", "D"}, t1)
	require.NoError(t, err)
	require.Equal(t, ReconcileCounts{Present: 3, Deactivated: 1}, counts)

	services, err := s.ServicesForDevice(ctx, d.ID)
	require.NoError(t, err)
	state := map[string]bool{}
	for _, svc := range services {
		state[svc.ServiceName] = svc.IsActive
		if svc.ServiceName == "B" {
			require.True(t, svc.FirstSeen.Equal(t0))
			require.True(t, svc.LastSeen.Equal(t1))
		}
	}
	require.Equal(t, map[string]bool{"A": false, "B": true, "C": true, "D": true}, state)

	// identical payload is a no-op for presence
	counts, err = s.ReconcileServices(ctx, d.ID, []string{"B", "C", "D"}, t1.Add(time.Minute))
	require.NoError(t, err)
	require.Zero(t, counts.Deactivated)

	active, installed, err := s.InventoryCounts(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), active)
	require.Zero(t, installed)
}

func TestReconcileSoftwareEmptyPayloadMarksAllAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tok := createToken(t, s, "agent-1")
	d, err := s.UpsertDevice(ctx, &Device{AgentTokenID: tok.ID, IsOnline: true, LastHeartbeat: time.Now().UTC()})
	require.NoError(t, err)

	_, err = s.ReconcileSoftware(ctx, d.ID, []string{"curl", "git"}, time.Now().UTC())
	require.NoError(t, err)

	counts, err := s.ReconcileSoftware(ctx, d.ID, nil, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, int64(2), counts.Deactivated)

	software, err := s.SoftwareForDevice(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, software, 2)
	for _, sw := range software {
		require.False(t, sw.IsInstalled)
	}
}

func TestMarkOfflineAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := createToken(t, s, "stale")
	fresh := createToken(t, s, "fresh")
	_, err := s.UpsertDevice(ctx, &Device{AgentTokenID: stale.ID, IsOnline: true, LastHeartbeat: now.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = s.UpsertDevice(ctx, &Device{AgentTokenID: fresh.ID, IsOnline: true, LastHeartbeat: now})
	require.NoError(t, err)
	require.NoError(t, s.CreateRegistration(ctx, &PendingRegistration{AgentID: "new", DeviceFingerprint: "fp"}))

	changed, err := s.MarkOffline(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, changed, 1)
	require.Equal(t, "stale", changed[0].AgentToken.AgentID)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{TotalDevices: 2, OnlineDevices: 1, OfflineDevices: 1, PendingRegistrations: 1}, st)

	changed, err = s.MarkOffline(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Empty(t, changed)
}
