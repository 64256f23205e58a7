package tdcstream

import (
	"encoding/binary"
	"fmt"
)

// Message kinds live in the top three bits of every word.
const (
	KindMask    uint32 = 0xE0000000
	KindTrailer uint32 = 0x00000000
	KindHeader  uint32 = 0x20000000
	KindDebug   uint32 = 0x40000000
	KindEpoch   uint32 = 0x60000000
	KindHit     uint32 = 0x80000000
	KindHit1    uint32 = 0xA0000000
	KindHit2    uint32 = 0xC0000000
	KindCalibr  uint32 = 0xE0000000
)

const (
	CoarseBits    = 11
	CoarseModulus = 1 << CoarseBits
	EpochBits     = 28
	EpochMask     = 1<<EpochBits - 1
	MaxChannels   = 128

	// FineMissing is the fine counter sentinel of a missing hit.
	FineMissing uint32 = 0x3FF

	// Hit1 messages carry a calibrated fine value in units of coarse/1000.
	Hit1FineScale = 1000

	// Calibr messages carry 14-bit corrections, full scale is one coarse unit.
	CalibrFineScale = 0x3FFE
)

// Debug message kinds.
const (
	DebugTemperature uint32 = 0x0E
	DebugSyncID      uint32 = 0x10
)

// Header formats.
const (
	HeaderSingleEdge uint32 = 0
	HeaderDoubleEdge uint32 = 1
)

type MessageType int

const (
	MsgUnknown MessageType = iota
	MsgHeader
	MsgDebug
	MsgEpoch
	MsgHit
	MsgCalibr
)

func (m MessageType) String() string {
	switch m {
	case MsgHeader:
		return "header"
	case MsgDebug:
		return "debug"
	case MsgEpoch:
		return "epoch"
	case MsgHit:
		return "hit"
	case MsgCalibr:
		return "calibr"
	default:
		return "unknown"
	}
}

type Edge uint8

const (
	Falling Edge = 0
	Rising  Edge = 1
)

func (e Edge) String() string {
	if e == Rising {
		return "rising"
	}
	return "falling"
}

type WireFormat uint32

const (
	FormatBigEndian    WireFormat = 0
	FormatLittleEndian WireFormat = 1
)

func (f WireFormat) byteOrder() binary.ByteOrder {
	if f == FormatLittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Message is one decoded 32-bit word. Field accessors are only meaningful
// for the matching Type.
type Message struct {
	Word uint32
	Type MessageType
}

func DecodeWord(word uint32) Message {
	msg := Message{Word: word}
	switch word & KindMask {
	case KindHeader:
		msg.Type = MsgHeader
	case KindDebug:
		msg.Type = MsgDebug
	case KindEpoch:
		msg.Type = MsgEpoch
	case KindHit, KindHit1, KindHit2:
		msg.Type = MsgHit
	case KindCalibr:
		msg.Type = MsgCalibr
	default:
		msg.Type = MsgUnknown
	}
	return msg
}

func (m Message) Kind() uint32 {
	return m.Word & KindMask
}

func (m Message) Channel() uint32 {
	return (m.Word & 0x1FC00000) >> 22
}

func (m Message) Fine() uint32 {
	return (m.Word & 0x003FF000) >> 12
}

func (m Message) Edge() Edge {
	return Edge((m.Word & 0x00000800) >> 11)
}

func (m Message) Coarse() uint32 {
	return m.Word & 0x000007FF
}

// IsMissingHit reports the fine counter sentinel. It is a soft condition,
// not a decode error.
func (m Message) IsMissingHit() bool {
	return m.Type == MsgHit && m.Kind() != KindHit1 && m.Fine() == FineMissing
}

// IsCalibratedHit reports a Hit1 word whose fine field is already a time.
func (m Message) IsCalibratedHit() bool {
	return m.Type == MsgHit && m.Kind() == KindHit1
}

func (m Message) Epoch() uint32 {
	return m.Word & EpochMask
}

func (m Message) HeaderFormat() uint32 {
	return (m.Word & 0x0F000000) >> 24
}

func (m Message) HeaderErrors() uint32 {
	return m.Word & 0x0000FFFF
}

func (m Message) DebugKind() uint32 {
	return (m.Word & 0x1F000000) >> 24
}

func (m Message) DebugValue() uint32 {
	return m.Word & 0x00FFFFFF
}

// Temperature in degrees, 12 bits in units of 1/16.
func (m Message) Temperature() float64 {
	return float64(m.Word&0x00000FFF) / 16
}

func (m Message) SyncID() uint32 {
	return m.DebugValue()
}

// CalibrFine returns one of the two packed 14-bit corrections.
func (m Message) CalibrFine(n int) uint32 {
	return (m.Word >> (14 * uint(n))) & 0x3FFF
}

// Stamp combines an unwrapped epoch with the coarse counter.
func Stamp(epoch uint64, coarse uint32) uint64 {
	return epoch<<CoarseBits | uint64(coarse&(CoarseModulus-1))
}

func (m Message) String() string {
	switch m.Type {
	case MsgHit:
		return fmt.Sprintf("hit ch:%d %s fine:0x%03x coarse:0x%03x", m.Channel(), m.Edge(), m.Fine(), m.Coarse())
	case MsgEpoch:
		return fmt.Sprintf("epoch 0x%07x", m.Epoch())
	case MsgHeader:
		return fmt.Sprintf("header fmt:%d err:0x%04x", m.HeaderFormat(), m.HeaderErrors())
	case MsgDebug:
		return fmt.Sprintf("debug kind:0x%02x value:0x%06x", m.DebugKind(), m.DebugValue())
	case MsgCalibr:
		return fmt.Sprintf("calibr 0x%04x 0x%04x", m.CalibrFine(0), m.CalibrFine(1))
	default:
		return fmt.Sprintf("unknown 0x%08x", m.Word)
	}
}

// WordAt reads the index-th word of data. It never reads past the slice.
func WordAt(data []byte, index int, format WireFormat) (uint32, bool) {
	start := index * 4
	if index < 0 || start+4 > len(data) {
		return 0, false
	}
	return format.byteOrder().Uint32(data[start : start+4]), true
}

// MessageIterator walks a payload word by word without allocating.
type MessageIterator struct {
	data   []byte
	format WireFormat
	index  int
	msg    Message
}

func NewMessageIterator(data []byte, format WireFormat) *MessageIterator {
	return &MessageIterator{data: data, format: format, index: -1}
}

// Aligned reports whether the payload is a whole number of words.
func (it *MessageIterator) Aligned() bool {
	return len(it.data)%4 == 0
}

func (it *MessageIterator) NumWords() int {
	return len(it.data) / 4
}

func (it *MessageIterator) Next() bool {
	word, ok := WordAt(it.data, it.index+1, it.format)
	if !ok {
		return false
	}
	it.index++
	it.msg = DecodeWord(word)
	return true
}

func (it *MessageIterator) Message() Message {
	return it.msg
}

// Index of the current word.
func (it *MessageIterator) Index() int {
	return it.index
}

func (it *MessageIterator) Reset() {
	it.index = -1
	it.msg = Message{}
}
