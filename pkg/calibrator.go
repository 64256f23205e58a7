package tdcstream

import (
	"fmt"
	"math"
)

// ChannelCalibration holds both edges of one channel plus its time over
// threshold correction.
type ChannelCalibration struct {
	Rising     EdgeCalibration
	Falling    EdgeCalibration
	ToTShift   float32
	ExtraShift float32
	ToTStatus  CalibrationStatus

	tots []float64
}

func (c *ChannelCalibration) edge(e Edge) *EdgeCalibration {
	if e == Rising {
		return &c.Rising
	}
	return &c.Falling
}

// Calibrator is the per board calibration state. It is owned by one
// processor and is never touched from another one.
type Calibrator struct {
	board    uint32
	params   CurveParams
	channels []ChannelCalibration

	mask         uint32
	totKind      uint32
	totNominal   float64
	totTolerance float64
	totTrim      float64
	totMinCount  int
	totMaxCount  int
	totRange     float64

	tempEnabled bool
	tempSanity  float64
	CalibTemp   float32
	TempCoef    float32
	calibTempOK bool
	currentTemp float64
	currentOK   bool

	autoTarget int
	oneShot    bool
	autoArmed  bool

	logger    Logger
	verbosity int
	metrics   *Metrics
	hists     HistogramSink
}

func NewCalibrator(board uint32, numChannels int, config Configuration) *Calibrator {
	c := &Calibrator{
		board:        board,
		params:       curveParams(config),
		channels:     make([]ChannelCalibration, numChannels),
		mask:         config.CalibrationMask,
		totKind:      config.ToTKind,
		totNominal:   config.ToTNominal,
		totTolerance: config.ToTTolerance,
		totTrim:      config.ToTTrim,
		totMinCount:  config.ToTMinCount,
		totMaxCount:  config.ToTMaxCount,
		totRange:     config.ToTRange,
		tempEnabled:  config.TempCompensation,
		tempSanity:   config.TempSanity,
		TempCoef:     float32(config.TempCoefficient),
		autoTarget:   config.AutoCalibration,
		oneShot:      config.OneShot,
		autoArmed:    config.AutoCalibration > 0,
		logger:       discardLogger{},
		verbosity:    config.Verbosity,
		hists:        discardHistograms{},
	}
	for ch := range c.channels {
		c.channels[ch].Rising = newEdgeCalibration(c.params)
		c.channels[ch].Falling = newEdgeCalibration(c.params)
	}
	return c
}

func (c *Calibrator) setObservers(logger Logger, metrics *Metrics, hists HistogramSink) {
	if logger != nil {
		c.logger = logger
	}
	c.metrics = metrics
	if hists != nil {
		c.hists = hists
		for ch := range c.channels {
			hists.Create(c.histName(ch, Rising), c.params.Bins, 0, float64(c.params.Bins))
			hists.Create(c.histName(ch, Falling), c.params.Bins, 0, float64(c.params.Bins))
			hists.Create(c.totName(ch), 200, 0, c.totRange*1e9)
		}
	}
}

func (c *Calibrator) histName(ch int, e Edge) string {
	return fmt.Sprintf("board_%04x/ch%03d_%s_fine", c.board, ch, e)
}

func (c *Calibrator) totName(ch int) string {
	return fmt.Sprintf("board_%04x/ch%03d_tot_ns", c.board, ch)
}

func (c *Calibrator) Board() uint32 {
	return c.board
}

func (c *Calibrator) NumChannels() int {
	return len(c.channels)
}

func (c *Calibrator) Channel(ch int) *ChannelCalibration {
	return &c.channels[ch]
}

func (c *Calibrator) Channels() []ChannelCalibration {
	return c.channels
}

// Accepts reports whether statistics from a buffer of this kind are used.
func (c *Calibrator) Accepts(kind uint32) bool {
	if kind >= 32 {
		return false
	}
	return c.mask&(1<<kind) != 0
}

// IsToTKind reports the self pulser trigger kind used for ToT calibration.
func (c *Calibrator) IsToTKind(kind uint32) bool {
	return kind == c.totKind
}

func (c *Calibrator) Ready(ch int, e Edge) bool {
	return c.channels[ch].edge(e).Status == Ready
}

func (c *Calibrator) SetTemperature(temp float64) {
	c.currentTemp = temp
	c.currentOK = true
	if !c.calibTempOK {
		c.CalibTemp = float32(temp)
		c.calibTempOK = true
	}
}

// compensation returns the temperature delta and whether the curve should
// be scaled at all.
func (c *Calibrator) compensation() (float64, bool) {
	if !c.tempEnabled || !c.currentOK || !c.calibTempOK {
		return 0, false
	}
	delta := c.currentTemp - float64(c.CalibTemp)
	if math.Abs(delta) > c.tempSanity {
		return 0, false
	}
	return delta, true
}

// RawCorrection is the fine time correction without the ToT shift.
func (c *Calibrator) RawCorrection(ch int, e Edge, fine int) float64 {
	cal := &c.channels[ch]
	delta, ok := c.compensation()
	return cal.edge(e).value(fine, delta, float64(c.TempCoef), ok) + float64(cal.ExtraShift)
}

// Correction is subtracted from the coarse time of a hit.
func (c *Calibrator) Correction(ch int, e Edge, fine int) float64 {
	corr := c.RawCorrection(ch, e, fine)
	if e == Falling {
		corr += float64(c.channels[ch].ToTShift)
	}
	return corr
}

func (c *Calibrator) ToTShift(ch int) float64 {
	return float64(c.channels[ch].ToTShift)
}

// Accumulate adds one fine counter sample.
func (c *Calibrator) Accumulate(ch int, e Edge, fine int) {
	c.channels[ch].edge(e).Histogram[fine]++
	c.hists.Fill(c.histName(ch, e), float64(fine))
}

// AddToT adds one raw time over threshold sample, in seconds. Once the
// channel holds totMaxCount samples the older half is dropped.
func (c *Calibrator) AddToT(ch int, tot float64) {
	if tot <= 0 || tot > c.totRange {
		return
	}
	cal := &c.channels[ch]
	if c.totMaxCount > 0 && len(cal.tots) >= c.totMaxCount {
		n := copy(cal.tots, cal.tots[len(cal.tots)/2:])
		cal.tots = cal.tots[:n]
	}
	cal.tots = append(cal.tots, tot)
	c.hists.Fill(c.totName(ch), tot*1e9)
}

// Progress is the smallest fraction of the auto calibration target reached
// by any channel edge that has statistics.
func (c *Calibrator) Progress() float64 {
	if c.autoTarget <= 0 {
		return 0
	}
	progress := math.Inf(1)
	for ch := range c.channels {
		for _, e := range []Edge{Rising, Falling} {
			stat := c.channels[ch].edge(e).Statistic()
			if stat == 0 {
				continue
			}
			progress = math.Min(progress, float64(stat)/float64(c.autoTarget))
		}
	}
	if math.IsInf(progress, 1) {
		return 0
	}
	return progress
}

// Calibrate rebuilds every curve with statistics and the ToT shifts. The
// returned errors are informational, every channel keeps a usable curve.
func (c *Calibrator) Calibrate() []error {
	errs := make([]error, 0)
	for ch := range c.channels {
		cal := &c.channels[ch]
		for _, e := range []Edge{Rising, Falling} {
			edge := cal.edge(e)
			if edge.Statistic() == 0 {
				continue
			}
			status, value := edge.recalibrate(c.params)
			c.metrics.Calibration(c.board, status)
			if kind, failed := status.errorKind(); failed {
				err := &CalibrationError{Kind: kind, Board: c.board, Channel: ch, Edge: e, Value: value}
				c.metrics.CalibrationError(c.board, kind)
				errs = append(errs, err)
				if c.verbosity > 1 {
					c.logger.Info(fmt.Sprintf("%s, status %s, keeping previous curve", err.Error(), status), "calibrator")
				}
			}
		}
		if err := c.calibrateToT(ch); err != nil {
			c.metrics.CalibrationError(c.board, ToTOutOfTolerance)
			errs = append(errs, err)
		}
	}
	if c.currentOK {
		c.CalibTemp = float32(c.currentTemp)
		c.calibTempOK = true
	}
	if c.verbosity > 0 {
		message := fmt.Sprintf("Board 0x%04x calibrated, %d channels with problems", c.board, len(errs))
		c.logger.Info(message, "calibrator")
	}
	return errs
}

func (c *Calibrator) calibrateToT(ch int) error {
	cal := &c.channels[ch]
	if len(cal.tots) < c.totMinCount {
		return nil
	}
	mean, std, _ := TrimmedStats(cal.tots, c.totTrim)
	cal.tots = cal.tots[:0]
	if std > c.totTolerance {
		cal.ToTStatus = BadStat
		return &CalibrationError{Kind: ToTOutOfTolerance, Board: c.board, Channel: ch, Edge: Falling, Value: std}
	}
	cal.ToTShift = float32(mean - c.totNominal)
	cal.ToTStatus = Ready
	if c.verbosity > 1 {
		message := fmt.Sprintf("Board 0x%04x ch %d ToT mean %.3f ns rms %.3f ns shift %.3f ns",
			c.board, ch, mean*1e9, std*1e9, float64(cal.ToTShift)*1e9)
		c.logger.Info(message, "calibrator")
	}
	return nil
}

// Reset clears the accumulated statistics and keeps the curves.
func (c *Calibrator) Reset() {
	for ch := range c.channels {
		cal := &c.channels[ch]
		clear(cal.Rising.Histogram)
		clear(cal.Falling.Histogram)
		cal.tots = cal.tots[:0]
		c.hists.Clear(c.histName(ch, Rising))
		c.hists.Clear(c.histName(ch, Falling))
		c.hists.Clear(c.totName(ch))
	}
}

// AutoArmed reports whether automatic recalibration can still fire.
func (c *Calibrator) AutoArmed() bool {
	return c.autoArmed
}

// MaybeAutoCalibrate recalibrates once every channel reached the target
// statistic. It reports whether a recalibration happened.
func (c *Calibrator) MaybeAutoCalibrate() (bool, []error) {
	if !c.autoArmed {
		return false, nil
	}
	progress := c.Progress()
	c.metrics.CalibrationProgress(c.board, progress)
	if progress < 1 {
		return false, nil
	}
	errs := c.Calibrate()
	c.Reset()
	if c.oneShot {
		c.autoArmed = false
	}
	return true, errs
}
