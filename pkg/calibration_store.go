package tdcstream

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CalibrationStore persists calibrations keyed by board id.
type CalibrationStore interface {
	Save(c *Calibrator) error
	Load(c *Calibrator) error
}

type FileCalibrationStore struct {
	Dir string
}

func NewFileCalibrationStore(dir string) *FileCalibrationStore {
	return &FileCalibrationStore{Dir: dir}
}

func (s *FileCalibrationStore) Filename(board uint32) string {
	return filepath.Join(s.Dir, fmt.Sprintf("calib_%04x.bin", board))
}

func (s *FileCalibrationStore) Save(c *Calibrator) error {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return err
	}
	filename := s.Filename(c.board)
	file, err := os.Create(filename)
	if err != nil {
		return &ErrOpenFile{Filename: filename, Err: err}
	}
	w := bufio.NewWriter(file)
	err = WriteCalibration(w, c)
	return errors.Join(err, w.Flush(), file.Close())
}

func (s *FileCalibrationStore) Load(c *Calibrator) error {
	filename := s.Filename(c.board)
	file, err := os.Open(filename)
	if err != nil {
		return &ErrOpenFile{Filename: filename, Err: err}
	}
	defer file.Close()
	return ReadCalibration(bufio.NewReader(file), c)
}

type edgeRecord struct {
	Status     uint32
	Confidence float32
}

type channelRecord struct {
	ExtraShift float32
	Edges      [2]edgeRecord
}

// apply installs curve on edge. Only a Ready curve becomes the last good one.
func (r edgeRecord) apply(edge *EdgeCalibration, curve []float32) {
	status := CalibrationStatus(r.Status)
	if status >= numCalibrationStatus {
		status = Accumulating
	}
	edge.setCurve(curve, status == Ready)
	edge.Status = status
	edge.Confidence = float64(r.Confidence)
}

// WriteCalibration writes the flat record: channel count, the rising and
// falling curves of every channel, the ToT shifts, calibration temperature
// and coefficient, then per channel the extra shift followed by status and
// confidence of the rising and the falling edge.
func WriteCalibration(w io.Writer, c *Calibrator) error {
	le := binary.LittleEndian
	if err := binary.Write(w, le, uint32(len(c.channels))); err != nil {
		return err
	}
	for ch := range c.channels {
		if err := binary.Write(w, le, c.channels[ch].Rising.Curve); err != nil {
			return err
		}
		if err := binary.Write(w, le, c.channels[ch].Falling.Curve); err != nil {
			return err
		}
	}
	for ch := range c.channels {
		if err := binary.Write(w, le, c.channels[ch].ToTShift); err != nil {
			return err
		}
	}
	if err := binary.Write(w, le, [2]float32{c.CalibTemp, c.TempCoef}); err != nil {
		return err
	}
	for ch := range c.channels {
		cal := &c.channels[ch]
		record := channelRecord{
			ExtraShift: cal.ExtraShift,
			Edges: [2]edgeRecord{
				{uint32(cal.Rising.Status), float32(cal.Rising.Confidence)},
				{uint32(cal.Falling.Status), float32(cal.Falling.Confidence)},
			},
		}
		if err := binary.Write(w, le, record); err != nil {
			return err
		}
	}
	return nil
}

// ReadCalibration replaces the curves of c. The channel count must match,
// the record carries no version.
func ReadCalibration(r io.Reader, c *Calibrator) error {
	le := binary.LittleEndian
	var numChannels uint32
	if err := binary.Read(r, le, &numChannels); err != nil {
		return err
	}
	if int(numChannels) != len(c.channels) {
		return fmt.Errorf("calibration for board 0x%04x has %d channels, expected %d", c.board, numChannels, len(c.channels))
	}

	rising := make([][]float32, numChannels)
	falling := make([][]float32, numChannels)
	for ch := range rising {
		rising[ch] = make([]float32, c.params.Bins)
		falling[ch] = make([]float32, c.params.Bins)
		if err := binary.Read(r, le, rising[ch]); err != nil {
			return fmt.Errorf("reading rising curve of channel %d: %w", ch, err)
		}
		if err := binary.Read(r, le, falling[ch]); err != nil {
			return fmt.Errorf("reading falling curve of channel %d: %w", ch, err)
		}
	}
	shifts := make([]float32, numChannels)
	if err := binary.Read(r, le, shifts); err != nil {
		return fmt.Errorf("reading ToT shifts: %w", err)
	}
	var temp [2]float32
	if err := binary.Read(r, le, &temp); err != nil {
		return fmt.Errorf("reading temperature: %w", err)
	}
	records := make([]channelRecord, numChannels)
	if err := binary.Read(r, le, records); err != nil {
		return fmt.Errorf("reading channel records: %w", err)
	}

	for ch := range c.channels {
		cal := &c.channels[ch]
		records[ch].Edges[0].apply(&cal.Rising, rising[ch])
		records[ch].Edges[1].apply(&cal.Falling, falling[ch])
		cal.ToTShift = shifts[ch]
		cal.ExtraShift = records[ch].ExtraShift
	}
	c.CalibTemp = temp[0]
	c.TempCoef = temp[1]
	// zero means the calibration run never saw a temperature
	c.calibTempOK = temp[0] != 0
	return nil
}
