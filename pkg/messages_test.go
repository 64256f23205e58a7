package tdcstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeWordTypes(t *testing.T) {
	tests := []struct {
		name string
		word uint32
		want MessageType
	}{
		{"trailer", 0x00000000, MsgUnknown},
		{"header", headerWord(HeaderDoubleEdge), MsgHeader},
		{"debug", debugWord(DebugTemperature, 400), MsgDebug},
		{"epoch", epochWord(0x1234567), MsgEpoch},
		{"hit", hitWord(3, 100, Rising, 5), MsgHit},
		{"hit1", hit1Word(3, 100, Rising, 5), MsgHit},
		{"hit2", KindHit2 | 0x1234, MsgHit},
		{"calibr", calibrWord(1, 2), MsgCalibr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeWord(tt.word).Type)
		})
	}
}

func TestHitFields(t *testing.T) {
	msg := DecodeWord(hitWord(127, 0x155, Rising, 0x7FF))
	assert.Equal(t, uint32(127), msg.Channel())
	assert.Equal(t, uint32(0x155), msg.Fine())
	assert.Equal(t, Rising, msg.Edge())
	assert.Equal(t, uint32(0x7FF), msg.Coarse())
	assert.False(t, msg.IsMissingHit())
	assert.False(t, msg.IsCalibratedHit())

	msg = DecodeWord(hitWord(0, 0, Falling, 1))
	assert.Equal(t, Falling, msg.Edge())
	assert.Equal(t, uint32(1), msg.Coarse())
}

func TestMissingHitSentinel(t *testing.T) {
	assert.True(t, DecodeWord(hitWord(2, FineMissing, Rising, 0)).IsMissingHit())
	// calibrated hits never carry the sentinel
	assert.False(t, DecodeWord(hit1Word(2, FineMissing, Rising, 0)).IsMissingHit())
	assert.True(t, DecodeWord(hit1Word(2, 500, Rising, 0)).IsCalibratedHit())
}

func TestDebugFields(t *testing.T) {
	msg := DecodeWord(debugWord(DebugTemperature, 25*16+8))
	assert.Equal(t, DebugTemperature, msg.DebugKind())
	assert.InDelta(t, 25.5, msg.Temperature(), 1e-9)

	msg = DecodeWord(debugWord(DebugSyncID, 0xABCDEF))
	assert.Equal(t, DebugSyncID, msg.DebugKind())
	assert.Equal(t, uint32(0xABCDEF), msg.SyncID())
}

func TestCalibrFields(t *testing.T) {
	msg := DecodeWord(calibrWord(0x1FFF, 0x0123))
	assert.Equal(t, uint32(0x1FFF), msg.CalibrFine(0))
	assert.Equal(t, uint32(0x0123), msg.CalibrFine(1))
}

func TestStamp(t *testing.T) {
	assert.Equal(t, uint64(5<<11|7), Stamp(5, 7))
	assert.Equal(t, uint64(1<<39), Stamp(1<<28, 0))
	// coarse bits above the counter are ignored
	assert.Equal(t, uint64(0), Stamp(0, CoarseModulus))
}

func TestMessageIterator(t *testing.T) {
	words := []uint32{headerWord(0), epochWord(10), hitWord(1, 20, Rising, 30)}
	for _, format := range []WireFormat{FormatBigEndian, FormatLittleEndian} {
		it := NewMessageIterator(EncodeWords(words, format), format)
		require.True(t, it.Aligned())
		require.Equal(t, 3, it.NumWords())

		got := make([]uint32, 0, 3)
		for it.Next() {
			assert.Equal(t, len(got), it.Index())
			got = append(got, it.Message().Word)
		}
		assert.Equal(t, words, got)

		it.Reset()
		require.True(t, it.Next())
		assert.Equal(t, MsgHeader, it.Message().Type)
	}
}

func TestWordAtBounds(t *testing.T) {
	data := EncodeWords([]uint32{1, 2}, FormatLittleEndian)
	_, ok := WordAt(data, 2, FormatLittleEndian)
	assert.False(t, ok)
	_, ok = WordAt(data, -1, FormatLittleEndian)
	assert.False(t, ok)
	w, ok := WordAt(data, 1, FormatLittleEndian)
	assert.True(t, ok)
	assert.Equal(t, uint32(2), w)

	it := NewMessageIterator(data[:7], FormatLittleEndian)
	assert.False(t, it.Aligned())
	n := 0
	for it.Next() {
		n++
	}
	assert.Equal(t, 1, n)
}
