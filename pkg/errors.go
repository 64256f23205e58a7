package tdcstream

import (
	"errors"
	"fmt"
)

type DecodeErrorKind int

const (
	BadChannel DecodeErrorKind = iota
	FineOutOfRange
	MissingEpoch
	MismatchedDoubleEdge
	UnknownHeader
	numDecodeErrorKinds
)

var decodeErrorStrings = []string{
	"bad-channel",
	"fine-out-of-range",
	"missing-epoch",
	"mismatched-double-edge",
	"unknown-header",
}

func (k DecodeErrorKind) String() string {
	if k < 0 || k >= numDecodeErrorKinds {
		return "UNKNOWN"
	}
	return decodeErrorStrings[k]
}

// DecodeError reports one malformed word. The owning buffer is marked erred
// and the scan continues with the next word.
type DecodeError struct {
	Kind  DecodeErrorKind
	Board uint32
	Word  uint32
	Index int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("board 0x%04x: %s at word %d (0x%08x)", e.Board, e.Kind, e.Index, e.Word)
}

type SyncErrorKind int

const (
	StaleMarker SyncErrorKind = iota
	OutOfOrderID
	numSyncErrorKinds
)

var syncErrorStrings = []string{
	"stale-marker",
	"out-of-order-id",
}

func (k SyncErrorKind) String() string {
	if k < 0 || k >= numSyncErrorKinds {
		return "UNKNOWN"
	}
	return syncErrorStrings[k]
}

// SyncError reports a sync marker that was erased instead of matched.
type SyncError struct {
	Kind     SyncErrorKind
	Board    uint32
	UniqueID uint32
	Against  uint32
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("board 0x%04x: %s, sync id %d (reference %d)", e.Board, e.Kind, e.UniqueID, e.Against)
}

type CalibrationErrorKind int

const (
	LowStatistic CalibrationErrorKind = iota
	BadFineRange
	NonLinearCurve
	ToTOutOfTolerance
	numCalibrationErrorKinds
)

var calibrationErrorStrings = []string{
	"low-statistic",
	"bad-fine-range",
	"non-linear",
	"tot-out-of-tolerance",
}

func (k CalibrationErrorKind) String() string {
	if k < 0 || k >= numCalibrationErrorKinds {
		return "UNKNOWN"
	}
	return calibrationErrorStrings[k]
}

// CalibrationError reports a rejected calibration attempt. The channel keeps
// its previous curve.
type CalibrationError struct {
	Kind    CalibrationErrorKind
	Board   uint32
	Channel int
	Edge    Edge
	Value   float64
}

func (e *CalibrationError) Error() string {
	return fmt.Sprintf("board 0x%04x ch %d %s: %s (%g)", e.Board, e.Channel, e.Edge, e.Kind, e.Value)
}

type FatalErrorKind int

const (
	BoardIDOverflow FatalErrorKind = iota
	CorruptFrameLength
)

func (k FatalErrorKind) String() string {
	switch k {
	case BoardIDOverflow:
		return "board-id-overflow"
	case CorruptFrameLength:
		return "corrupt-frame-length"
	default:
		return "UNKNOWN"
	}
}

// FatalError aborts the run. These are the only errors returned by the
// manager entry points.
type FatalError struct {
	Kind  FatalErrorKind
	Board uint32
	Err   error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal %s (board 0x%04x): %v", e.Kind, e.Board, e.Err)
	}
	return fmt.Sprintf("fatal %s (board 0x%04x)", e.Kind, e.Board)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// ErrOpenFile represents an error when opening a file.
type ErrOpenFile struct {
	Filename string
	Err      error
}

func (e *ErrOpenFile) Error() string {
	return fmt.Sprintf("error opening file %q: %v", e.Filename, e.Err)
}

func (e *ErrOpenFile) Unwrap() error {
	return e.Err
}

// ErrCreateGroup represents an error when creating a group.
type ErrCreateGroup struct {
	GroupName string
	Err       error
}

func (e *ErrCreateGroup) Error() string {
	return fmt.Sprintf("error creating group %q: %v", e.GroupName, e.Err)
}

func (e *ErrCreateGroup) Unwrap() error {
	return e.Err
}

// ErrCreateTable represents an error when creating a table.
type ErrCreateTable struct {
	TableName string
	Err       error
}

func (e *ErrCreateTable) Error() string {
	return fmt.Sprintf("error creating table %q: %v", e.TableName, e.Err)
}

func (e *ErrCreateTable) Unwrap() error {
	return e.Err
}
