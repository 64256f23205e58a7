package tdcstream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unsafe"
)

const FrameMagic uint32 = 0x54444346

// FrameHeader precedes every payload in a frame file, little endian.
// FrameSize counts the header.
type FrameHeader struct {
	FrameSize  uint32
	FrameMagic uint32
	BoardID    uint32
	Kind       uint32
	Format     uint32
	UserTag    uint32
}

var FrameHeaderSize = int(unsafe.Sizeof(FrameHeader{}))

func (h FrameHeader) PayloadSize() int {
	return int(h.FrameSize) - FrameHeaderSize
}

func (h FrameHeader) check(available int) error {
	if h.FrameMagic != FrameMagic {
		return &FatalError{Kind: CorruptFrameLength, Board: h.BoardID,
			Err: fmt.Errorf("bad frame magic 0x%08x", h.FrameMagic)}
	}
	if int(h.FrameSize) < FrameHeaderSize {
		return &FatalError{Kind: CorruptFrameLength, Board: h.BoardID,
			Err: fmt.Errorf("frame size %d below header size %d", h.FrameSize, FrameHeaderSize)}
	}
	if h.PayloadSize()%4 != 0 {
		return &FatalError{Kind: CorruptFrameLength, Board: h.BoardID,
			Err: fmt.Errorf("payload of %d bytes is not word aligned", h.PayloadSize())}
	}
	if available >= 0 && h.PayloadSize() > available {
		return &FatalError{Kind: CorruptFrameLength, Board: h.BoardID,
			Err: fmt.Errorf("payload of %d bytes exceeds the %d available", h.PayloadSize(), available)}
	}
	if h.BoardID > 0xFFFF {
		return &FatalError{Kind: BoardIDOverflow, Board: h.BoardID}
	}
	return nil
}

// ReadFrame reads one frame. io.EOF is returned only on a clean frame
// boundary, every other short read is a fatal framing error.
func ReadFrame(r io.Reader) (FrameHeader, []byte, error) {
	var header FrameHeader
	headerBinary := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, headerBinary); err != nil {
		if err == io.EOF {
			return header, nil, io.EOF
		}
		return header, nil, &FatalError{Kind: CorruptFrameLength, Err: err}
	}

	headerReader := bytes.NewReader(headerBinary)
	if err := binary.Read(headerReader, binary.LittleEndian, &header); err != nil {
		return header, nil, &FatalError{Kind: CorruptFrameLength, Err: err}
	}
	if err := header.check(-1); err != nil {
		return header, nil, err
	}

	payload, err := readPayload(r, header.PayloadSize())
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return header, nil, &FatalError{Kind: CorruptFrameLength, Board: header.BoardID, Err: err}
	}
	return header, payload, nil
}

// framePrealloc bounds the memory committed to a payload before its bytes
// have actually been read.
const framePrealloc = 1 << 20

func readPayload(r io.Reader, size int) ([]byte, error) {
	if size <= framePrealloc {
		payload := make([]byte, size)
		_, err := io.ReadFull(r, payload)
		return payload, err
	}
	var payload bytes.Buffer
	payload.Grow(framePrealloc)
	if _, err := io.CopyN(&payload, r, int64(size)); err != nil {
		return nil, err
	}
	return payload.Bytes(), nil
}

// ParseFrame splits one frame off the front of data and returns the rest.
func ParseFrame(data []byte) (FrameHeader, []byte, []byte, error) {
	var header FrameHeader
	if len(data) < FrameHeaderSize {
		return header, nil, nil, &FatalError{Kind: CorruptFrameLength,
			Err: fmt.Errorf("data is too short: %d bytes", len(data))}
	}
	headerReader := bytes.NewReader(data[:FrameHeaderSize])
	binary.Read(headerReader, binary.LittleEndian, &header)
	if err := header.check(len(data) - FrameHeaderSize); err != nil {
		return header, nil, nil, err
	}
	end := int(header.FrameSize)
	return header, data[FrameHeaderSize:end], data[end:], nil
}

// WriteFrame fills FrameSize and FrameMagic from the payload.
func WriteFrame(w io.Writer, header FrameHeader, payload []byte) error {
	header.FrameSize = uint32(FrameHeaderSize + len(payload))
	header.FrameMagic = FrameMagic
	if err := header.check(len(payload)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// EncodeWords packs words in the given wire format.
func EncodeWords(words []uint32, format WireFormat) []byte {
	data := make([]byte, 4*len(words))
	order := format.byteOrder()
	for i, word := range words {
		order.PutUint32(data[4*i:], word)
	}
	return data
}

// NewBufferFromFrame wraps a frame payload as a raw buffer.
func NewBufferFromFrame(header FrameHeader, payload []byte) *RawBuffer {
	return NewRawBuffer(header.BoardID, header.Kind, WireFormat(header.Format), header.UserTag, payload)
}
