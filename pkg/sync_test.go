package tdcstream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncIDDiff(t *testing.T) {
	assert.Equal(t, int64(0), SyncIDDiff(42, 42, 24))
	assert.Equal(t, int64(1), SyncIDDiff(43, 42, 24))
	assert.Equal(t, int64(-1), SyncIDDiff(42, 43, 24))
	assert.Equal(t, int64(1), SyncIDDiff(0, 0xFFFFFF, 24))
	assert.Equal(t, int64(-1), SyncIDDiff(0xFFFFFF, 0, 24))
	assert.Equal(t, int64(3), SyncIDDiff(1, 254, 8))

	for a := uint32(0); a < 256; a += 17 {
		for b := uint32(0); b < 256; b += 13 {
			d := SyncIDDiff(a, b, 8)
			assert.GreaterOrEqual(t, d, int64(-128))
			assert.Less(t, d, int64(128))
			if d != -128 {
				assert.Equal(t, -d, SyncIDDiff(b, a, 8))
			}
		}
	}
}

func addMarkers(t *testing.T, list *SyncList, ids []uint32, offset float64, scale float64) {
	t.Helper()
	for _, id := range ids {
		err := list.AddSyncMarker(&SyncMarker{UniqueID: id, LocalTime: offset + scale*float64(id)})
		require.NoError(t, err)
	}
}

func newTwoBoardEngine(config Configuration) (*SyncEngine, *SyncList, *SyncList) {
	engine := NewSyncEngine(config, nil, nil)
	a := NewSyncList(0xA, config)
	b := NewSyncList(0xB, config)
	engine.Register(a, Capabilities{SyncRequired: true, TriggerEligible: true})
	engine.Register(b, Capabilities{SyncRequired: true})
	engine.Elect()
	return engine, a, b
}

func TestSyncGapHaltsUntilMasterMovesOn(t *testing.T) {
	engine, a, b := newTwoBoardEngine(testConfiguration())
	require.Equal(t, 0, engine.Master())

	addMarkers(t, a, []uint32{100, 101, 102}, 0, 1e-3)
	addMarkers(t, b, []uint32{100, 101, 103}, 0.5, 1e-3)

	matched, errs := engine.Match()
	assert.Equal(t, 2, matched)
	assert.Empty(t, errs)
	assert.Equal(t, []uint32{102}, a.Pending())
	assert.Equal(t, []uint32{103}, b.Pending())

	// nothing changes without new markers
	matched, _ = engine.Match()
	assert.Equal(t, 0, matched)

	addMarkers(t, a, []uint32{103}, 0, 1e-3)
	matched, errs = engine.Match()
	assert.Equal(t, 1, matched)
	require.Len(t, errs, 1)
	var syncErr *SyncError
	require.True(t, errors.As(errs[0], &syncErr))
	assert.Equal(t, OutOfOrderID, syncErr.Kind)
	assert.Equal(t, uint32(102), syncErr.UniqueID)
	assert.Equal(t, 3, a.TotalMatched())
	assert.Equal(t, 3, b.TotalMatched())
	assert.Empty(t, a.Pending())
	assert.Empty(t, b.Pending())
}

func TestSyncGapFilledBySlave(t *testing.T) {
	engine, a, b := newTwoBoardEngine(testConfiguration())
	addMarkers(t, a, []uint32{100, 101, 102}, 0, 1e-3)
	addMarkers(t, b, []uint32{100, 101, 103}, 0.5, 1e-3)
	engine.Match()

	addMarkers(t, b, []uint32{102}, 0.5, 1e-3)
	assert.Equal(t, []uint32{102, 103}, b.Pending())

	matched, errs := engine.Match()
	assert.Equal(t, 1, matched)
	assert.Empty(t, errs)
	assert.Equal(t, []uint32{103}, b.Pending())
}

func TestSyncStaleMarkers(t *testing.T) {
	engine, a, b := newTwoBoardEngine(testConfiguration())
	addMarkers(t, a, []uint32{5, 6}, 0, 1)
	addMarkers(t, b, []uint32{3, 5, 6}, 0, 1)

	matched, errs := engine.Match()
	assert.Equal(t, 2, matched)
	require.Len(t, errs, 1)
	var syncErr *SyncError
	require.True(t, errors.As(errs[0], &syncErr))
	assert.Equal(t, StaleMarker, syncErr.Kind)
	assert.Equal(t, uint32(3), syncErr.UniqueID)
	assert.Equal(t, uint32(0xB), syncErr.Board)
}

func TestSyncMatchedIDsAreSubsequence(t *testing.T) {
	engine, a, b := newTwoBoardEngine(testConfiguration())
	masterIDs := []uint32{1, 2, 4, 5, 7, 8, 9}
	slaveIDs := []uint32{1, 3, 4, 5, 6, 8, 9}
	addMarkers(t, a, masterIDs, 0, 1)
	addMarkers(t, b, slaveIDs, 0, 1)
	engine.Match()

	matched := make([]uint32, 0)
	for i := 0; i < a.NumMatched(); i++ {
		assert.Equal(t, a.Marker(i).UniqueID, b.Marker(i).UniqueID)
		matched = append(matched, a.Marker(i).UniqueID)
	}
	assert.Equal(t, []uint32{1, 4, 5, 8, 9}, matched)
	for i := 1; i < len(matched); i++ {
		assert.Greater(t, SyncIDDiff(matched[i], matched[i-1], 24), int64(0))
	}
}

func TestAddSyncMarkerOrdering(t *testing.T) {
	config := testConfiguration()
	config.SyncIDBits = 8
	list := NewSyncList(1, config)
	addMarkers(t, list, []uint32{0, 254, 1, 255}, 0, 1)
	assert.Equal(t, []uint32{254, 255, 0, 1}, list.Pending())

	err := list.AddSyncMarker(&SyncMarker{UniqueID: 255})
	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, OutOfOrderID, syncErr.Kind)
}

func TestAddSyncMarkerRefusesMatchedIDs(t *testing.T) {
	engine, a, b := newTwoBoardEngine(testConfiguration())
	addMarkers(t, a, []uint32{10, 11}, 0, 1)
	addMarkers(t, b, []uint32{10, 11}, 0, 1)
	engine.Match()

	assert.Error(t, b.AddSyncMarker(&SyncMarker{UniqueID: 11}))
	assert.Error(t, b.AddSyncMarker(&SyncMarker{UniqueID: 9}))
	assert.NoError(t, b.AddSyncMarker(&SyncMarker{UniqueID: 12}))
}

func TestMasterElection(t *testing.T) {
	config := testConfiguration()
	tests := []struct {
		name string
		caps []Capabilities
		want int
	}{
		{"sync and trigger first", []Capabilities{{}, {SyncRequired: true}, {SyncRequired: true, TriggerEligible: true}}, 2},
		{"raw only skipped", []Capabilities{{SyncRequired: true, TriggerEligible: true, RawScanOnly: true}, {SyncRequired: true, TriggerEligible: true}}, 1},
		{"first sync required", []Capabilities{{TriggerEligible: true}, {SyncRequired: true}}, 1},
		{"no sync", []Capabilities{{TriggerEligible: true}, {}}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewSyncEngine(config, nil, nil)
			lists := make([]*SyncList, len(tt.caps))
			for i, c := range tt.caps {
				lists[i] = NewSyncList(uint32(i), config)
				engine.Register(lists[i], c)
			}
			assert.Equal(t, tt.want, engine.Elect())
			for i, list := range lists {
				identity := tt.want < 0 || i == tt.want || !tt.caps[i].SyncRequired
				g, ok := list.LocalToGlobal(1.25)
				assert.Equal(t, identity, ok, "list %d", i)
				if identity {
					assert.Equal(t, 1.25, g)
				}
			}
		})
	}
}

// slave clock runs at twice the master rate, 8 s ahead at zero
func newDriftingPair(t *testing.T, kind SyncKind) (*SyncEngine, *SyncList) {
	t.Helper()
	config := testConfiguration()
	config.SyncKind = kind
	engine, a, b := newTwoBoardEngine(config)
	addMarkers(t, a, []uint32{1, 2, 3}, 0, 1)
	addMarkers(t, b, []uint32{1, 2, 3}, 8, 2)
	matched, _ := engine.Match()
	require.Equal(t, 3, matched)
	return engine, b
}

func TestLocalToGlobalInterpolate(t *testing.T) {
	engine, b := newDriftingPair(t, SyncInterpolate)

	g, ok := b.LocalToGlobal(11)
	require.True(t, ok)
	assert.InDelta(t, 1.5, g, 1e-12)

	g, ok = b.LocalToGlobal(8)
	require.True(t, ok)
	assert.InDelta(t, 0, g, 1e-12)

	_, ok = b.LocalToGlobal(14.5)
	assert.False(t, ok)

	engine.Finish()
	g, ok = b.LocalToGlobal(14.5)
	require.True(t, ok)
	assert.InDelta(t, 3.25, g, 1e-12)
}

func TestLocalToGlobalLeft(t *testing.T) {
	_, b := newDriftingPair(t, SyncLeft)

	g, ok := b.LocalToGlobal(13)
	require.True(t, ok)
	assert.InDelta(t, 2.5, g, 1e-12)

	g, ok = b.LocalToGlobal(20)
	require.True(t, ok)
	assert.InDelta(t, 6, g, 1e-12)
}

func TestLocalToGlobalMonotonic(t *testing.T) {
	engine, b := newDriftingPair(t, SyncInterpolate)
	engine.Finish()
	prev, _ := b.LocalToGlobal(5)
	for x := 5.0; x < 20; x += 0.25 {
		g, ok := b.LocalToGlobal(x)
		require.True(t, ok)
		assert.GreaterOrEqual(t, g, prev)
		prev = g
	}
}

func TestSyncNeedsMinimumMatches(t *testing.T) {
	engine, a, b := newTwoBoardEngine(testConfiguration())
	addMarkers(t, a, []uint32{1}, 0, 1)
	addMarkers(t, b, []uint32{1}, 0, 1)
	engine.Match()
	assert.False(t, b.Usable())
	_, ok := b.LocalToGlobal(0.5)
	assert.False(t, ok)
}

func TestPruneKeepsTwoMarkers(t *testing.T) {
	_, b := newDriftingPair(t, SyncInterpolate)
	assert.Equal(t, 0, b.Prune(13))
	assert.Equal(t, 1, b.Prune(14.5))
	assert.Equal(t, 2, b.NumMatched())
	g, ok := b.LocalToGlobal(13)
	require.True(t, ok)
	assert.InDelta(t, 2.5, g, 1e-12)
}

func TestSyncMarkersHoldBuffers(t *testing.T) {
	engine, a, b := newTwoBoardEngine(testConfiguration())
	buf := NewRawBuffer(0xB, 0, FormatBigEndian, 0, []byte{0, 0, 0, 0})
	addMarkers(t, a, []uint32{5}, 0, 1)
	require.NoError(t, b.AddSyncMarker(&SyncMarker{UniqueID: 3, Buffer: buf.Retain()}))
	require.NoError(t, b.AddSyncMarker(&SyncMarker{UniqueID: 5}))
	assert.Equal(t, int32(2), buf.Refs())

	engine.Match()
	assert.Equal(t, int32(1), buf.Refs())
	assert.True(t, buf.Release())
	assert.Equal(t, BufferReleased, buf.State())
}

func TestListsOutsideMatchingDropMarkers(t *testing.T) {
	config := testConfiguration()
	engine := NewSyncEngine(config, nil, nil)
	master := NewSyncList(0xA, config)
	free := NewSyncList(0xC, config)
	engine.Register(master, Capabilities{SyncRequired: true, TriggerEligible: true})
	engine.Register(free, Capabilities{})

	early := NewRawBuffer(0xC, 0, FormatBigEndian, 0, []byte{0, 0, 0, 0})
	require.NoError(t, free.AddSyncMarker(&SyncMarker{UniqueID: 1, Buffer: early.Retain()}))
	assert.Equal(t, int32(2), early.Refs())

	require.Equal(t, 0, engine.Elect())
	assert.Equal(t, 0, free.Len())
	assert.Equal(t, int32(1), early.Refs())

	buf := NewRawBuffer(0xC, 0, FormatBigEndian, 0, []byte{0, 0, 0, 0})
	require.NoError(t, free.AddSyncMarker(&SyncMarker{UniqueID: 2, Buffer: buf.Retain()}))
	assert.Equal(t, 0, free.Len())
	assert.Equal(t, int32(1), buf.Refs())

	// the master keeps its markers for matching
	held := NewRawBuffer(0xA, 0, FormatBigEndian, 0, []byte{0, 0, 0, 0})
	require.NoError(t, master.AddSyncMarker(&SyncMarker{UniqueID: 2, Buffer: held.Retain()}))
	assert.Equal(t, 1, master.Len())
	assert.Equal(t, int32(2), held.Refs())

	assert.Equal(t, 1, engine.Close())
	assert.Equal(t, 0, master.Len())
	assert.Equal(t, int32(1), held.Refs())
}

func TestNoSyncRunDropsEveryMarker(t *testing.T) {
	config := testConfiguration()
	engine := NewSyncEngine(config, nil, nil)
	lists := []*SyncList{NewSyncList(1, config), NewSyncList(2, config)}
	engine.Register(lists[0], Capabilities{TriggerEligible: true})
	engine.Register(lists[1], Capabilities{})
	require.Equal(t, -1, engine.Elect())

	for _, list := range lists {
		buf := NewRawBuffer(list.Board(), 0, FormatBigEndian, 0, []byte{0, 0, 0, 0})
		require.NoError(t, list.AddSyncMarker(&SyncMarker{UniqueID: 7, Buffer: buf.Retain()}))
		assert.Equal(t, 0, list.Len())
		assert.True(t, buf.Release())
	}
}
