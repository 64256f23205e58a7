package tdcstream

import (
	"math"
	"sync/atomic"
)

type BufferState int32

const (
	BufferQueued BufferState = iota
	BufferFirstScanned
	BufferSecondScanned
	BufferReleased
)

func (s BufferState) String() string {
	switch s {
	case BufferQueued:
		return "queued"
	case BufferFirstScanned:
		return "first-scanned"
	case BufferSecondScanned:
		return "second-scanned"
	case BufferReleased:
		return "released"
	default:
		return "unknown"
	}
}

// RawBuffer is an immutable payload shared between the processor queue and
// the sync markers that point into it. The payload is dropped when the last
// reference is released.
type RawBuffer struct {
	Board   uint32
	Kind    uint32
	Format  WireFormat
	UserTag uint32

	data  []byte
	refs  atomic.Int32
	state atomic.Int32

	erred     bool
	localHead float64
	localMin  float64
	localMax  float64

	globalHead float64
	globalMin  float64
	globalMax  float64
	globalOK   bool

	// epoch state at the start of the buffer so the second scan
	// reproduces the first scan's unwrapping
	startEpoch      uint64
	startEpochValid bool
	startLastEpoch  uint32
	startDoubleEdge bool

	triggers []LocalTriggerMarker
}

func NewRawBuffer(board uint32, kind uint32, format WireFormat, userTag uint32, data []byte) *RawBuffer {
	buf := &RawBuffer{
		Board:     board,
		Kind:      kind,
		Format:    format,
		UserTag:   userTag,
		data:      data,
		localHead: math.NaN(),
		localMin:  math.Inf(1),
		localMax:  math.Inf(-1),
	}
	buf.refs.Store(1)
	return buf
}

func (b *RawBuffer) Data() []byte {
	return b.data
}

func (b *RawBuffer) Len() int {
	return len(b.data)
}

func (b *RawBuffer) Retain() *RawBuffer {
	b.refs.Add(1)
	return b
}

// Release drops one reference and reports whether it was the last one.
func (b *RawBuffer) Release() bool {
	if b.refs.Add(-1) == 0 {
		b.data = nil
		b.state.Store(int32(BufferReleased))
		return true
	}
	return false
}

func (b *RawBuffer) Refs() int32 {
	return b.refs.Load()
}

func (b *RawBuffer) State() BufferState {
	return BufferState(b.state.Load())
}

func (b *RawBuffer) setState(s BufferState) {
	b.state.Store(int32(s))
}

func (b *RawBuffer) Erred() bool {
	return b.erred
}

// LocalHead is the local time of the first non-epoch message, NaN when the
// buffer had none.
func (b *RawBuffer) LocalHead() float64 {
	return b.localHead
}

// LocalExtent returns the local time range covered by the buffer.
func (b *RawBuffer) LocalExtent() (float64, float64, bool) {
	return b.localMin, b.localMax, b.localMin <= b.localMax
}

func (b *RawBuffer) GlobalHead() (float64, bool) {
	return b.globalHead, b.globalOK
}

func (b *RawBuffer) GlobalExtent() (float64, float64, bool) {
	return b.globalMin, b.globalMax, b.globalOK
}

func (b *RawBuffer) hasHits() bool {
	return b.localMin <= b.localMax
}

// extend grows the local extent by one stamp time.
func (b *RawBuffer) extend(t float64, unit float64) {
	if t-unit < b.localMin {
		b.localMin = t - unit
	}
	if t > b.localMax {
		b.localMax = t
	}
}
