package tdcstream

import (
	"fmt"
	"math"
)

// Capabilities replace per board type behaviour. A raw scan only producer
// feeds its calibration and never takes part in events.
type Capabilities struct {
	SyncRequired    bool
	TriggerEligible bool
	RawScanOnly     bool
}

// StreamSource is one producer as seen by the manager. Every call makes
// progress with the buffers at hand and returns without blocking.
type StreamSource interface {
	Board() uint32
	Name() string
	Capabilities() Capabilities
	Push(buf *RawBuffer) error
	ScanNewData() (bool, error)
	ResolveTimes()
	ResolvedUpTo() float64
	TakeTriggers() []float64
	AddWindow(trig *GlobalTrigger)
	ScanForNewTriggers(safe float64) int
	NumReadySubevents() int
	PopWindow() (*SubEvent, *GlobalTrigger, bool)
	SyncList() *SyncList
	Calibrator() *Calibrator
	Finish()
	Stats() ProcessorStats
}

type ChannelStats struct {
	Rising   uint64
	Falling  uint64
	FirstHit float64
	LastHit  float64
}

type ProcessorStats struct {
	Buffers        uint64
	ErredBuffers   uint64
	DroppedBuffers uint64
	Words          uint64
	MissingHits    uint64
	DecodeErrors   [numDecodeErrorKinds]uint64
	SyncErrors     uint64
	Unresolved     uint64
	Channels       []ChannelStats
}

type statEntry struct {
	channel int
	edge    Edge
	fine    int
}

type totEntry struct {
	channel int
	tot     float64
}

type window struct {
	trig *GlobalTrigger
	sub  *SubEvent
}

// TdcSource processes the stream of one TDC board.
type TdcSource struct {
	setup BoardSetup
	caps  Capabilities

	unit     float64
	bins     int
	left     float64
	right    float64
	disorder float64
	totRange float64
	external bool
	syncMask uint32

	calib *Calibrator
	sync  *SyncList

	queue    []*RawBuffer
	scanned  int
	resolved int

	// decoder state carried from buffer to buffer
	epoch      uint64
	epochValid bool
	lastEpoch  uint32
	doubleEdge bool

	triggers     []float64
	resolvedUpTo float64

	windows    []window
	readyCount int
	progress   float64
	finished   bool

	scratchStats []statEntry
	scratchToT   []totEntry
	scratchSync  []*SyncMarker

	stats     ProcessorStats
	logger    Logger
	verbosity int
	metrics   *Metrics
}

func NewTdcSource(setup BoardSetup, config Configuration) *TdcSource {
	p := &TdcSource{
		setup:        setup,
		caps:         setup.Capabilities(),
		unit:         config.CoarseUnit,
		bins:         config.FineBins,
		left:         config.TriggerLeft,
		right:        config.TriggerRight,
		disorder:     config.DisorderBound,
		totRange:     config.ToTRange,
		external:     config.TriggerMode == TriggerExternal,
		syncMask:     uint32(uint64(1)<<uint(config.SyncIDBits) - 1),
		calib:        NewCalibrator(setup.BoardID, setup.NumChannels, config),
		sync:         NewSyncList(setup.BoardID, config),
		resolvedUpTo: math.Inf(-1),
		progress:     math.Inf(-1),
		logger:       discardLogger{},
		verbosity:    config.Verbosity,
	}
	p.stats.Channels = make([]ChannelStats, setup.NumChannels)
	for ch := range p.stats.Channels {
		p.stats.Channels[ch].FirstHit = math.NaN()
		p.stats.Channels[ch].LastHit = math.NaN()
	}
	return p
}

func (p *TdcSource) setObservers(logger Logger, metrics *Metrics, hists HistogramSink) {
	if logger != nil {
		p.logger = logger
	}
	p.metrics = metrics
	p.calib.setObservers(logger, metrics, hists)
}

func (p *TdcSource) Board() uint32 {
	return p.setup.BoardID
}

func (p *TdcSource) Name() string {
	if p.setup.Name != "" {
		return p.setup.Name
	}
	return fmt.Sprintf("board_%04x", p.setup.BoardID)
}

func (p *TdcSource) Capabilities() Capabilities {
	return p.caps
}

func (p *TdcSource) SyncList() *SyncList {
	return p.sync
}

func (p *TdcSource) Calibrator() *Calibrator {
	return p.calib
}

func (p *TdcSource) Stats() ProcessorStats {
	stats := p.stats
	stats.Channels = append([]ChannelStats(nil), p.stats.Channels...)
	return stats
}

func (p *TdcSource) QueueLen() int {
	return len(p.queue)
}

func (p *TdcSource) Push(buf *RawBuffer) error {
	if buf.Board > 0xFFFF {
		return &FatalError{Kind: BoardIDOverflow, Board: buf.Board}
	}
	buf.setState(BufferQueued)
	p.queue = append(p.queue, buf)
	p.metrics.QueueDepth(p.Board(), len(p.queue))
	return nil
}

func (p *TdcSource) popFront() *RawBuffer {
	buf := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	if p.scanned > 0 {
		p.scanned--
	}
	if p.resolved > 0 {
		p.resolved--
	}
	return buf
}

// scanState is the decoder state inside one pass over one buffer.
type scanState struct {
	epoch      uint64
	epochValid bool
	lastEpoch  uint32
	bufEpoch   bool
	doubleEdge bool

	calibr  [2]float64
	calibrN int

	rising   []bool
	lastRise []float64
}

func (p *TdcSource) newScanState(buf *RawBuffer) *scanState {
	st := &scanState{
		epoch:      buf.startEpoch,
		epochValid: buf.startEpochValid,
		lastEpoch:  buf.startLastEpoch,
		doubleEdge: buf.startDoubleEdge,
		rising:     make([]bool, p.setup.NumChannels),
		lastRise:   make([]float64, p.setup.NumChannels),
	}
	for ch := range st.lastRise {
		st.lastRise[ch] = math.NaN()
	}
	return st
}

// setEpoch unwraps the 28 bit epoch counter. Only a large backwards jump
// counts as a wrap.
func (st *scanState) setEpoch(e uint32) {
	if st.epochValid {
		high := st.epoch &^ uint64(EpochMask)
		if e < st.lastEpoch && st.lastEpoch-e > EpochMask/2 {
			high += 1 << EpochBits
		}
		st.epoch = high | uint64(e)
	} else {
		st.epoch = uint64(e)
	}
	st.lastEpoch = e
	st.epochValid = true
	st.bufEpoch = true
}

func (st *scanState) epochTime(unit float64) float64 {
	return float64(Stamp(st.epoch, 0)) * unit
}

func (st *scanState) setHeader(msg Message) bool {
	switch msg.HeaderFormat() {
	case HeaderSingleEdge:
		st.doubleEdge = false
	case HeaderDoubleEdge:
		st.doubleEdge = true
	default:
		return false
	}
	return true
}

func (st *scanState) setCalibr(msg Message, unit float64) {
	st.calibr[0] = float64(msg.CalibrFine(0)) / CalibrFineScale * unit
	st.calibr[1] = float64(msg.CalibrFine(1)) / CalibrFineScale * unit
	st.calibrN = 2
}

type hitOutcome int

const (
	hitOK hitOutcome = iota
	hitMissing
	hitError
)

type decodedHit struct {
	channel    int
	edge       Edge
	fine       int
	stamp      uint64
	time       float64
	raw        float64
	calibrated bool
}

// decodeHit validates a hit word and computes its local time. raw leaves
// out the ToT shift so ToT calibration does not feed on itself.
func (p *TdcSource) decodeHit(msg Message, st *scanState) (decodedHit, DecodeErrorKind, hitOutcome) {
	var h decodedHit
	h.channel = int(msg.Channel())
	if h.channel >= p.setup.NumChannels {
		return h, BadChannel, hitError
	}
	if !st.bufEpoch {
		return h, MissingEpoch, hitError
	}
	if msg.IsMissingHit() {
		return h, 0, hitMissing
	}
	h.fine = int(msg.Fine())
	h.calibrated = msg.IsCalibratedHit()
	if h.calibrated && h.fine >= Hit1FineScale {
		return h, FineOutOfRange, hitError
	}
	if !h.calibrated && h.fine >= p.bins {
		return h, FineOutOfRange, hitError
	}
	h.edge = msg.Edge()
	if st.doubleEdge && h.edge == Falling && !st.rising[h.channel] {
		return h, MismatchedDoubleEdge, hitError
	}
	st.rising[h.channel] = h.edge == Rising

	h.stamp = Stamp(st.epoch, msg.Coarse())
	coarse := float64(h.stamp) * p.unit

	var corr, raw float64
	override := math.NaN()
	if st.calibrN > 0 {
		override = st.calibr[2-st.calibrN]
		st.calibrN--
	}
	switch {
	case h.calibrated:
		corr = float64(h.fine) / Hit1FineScale * p.unit
		raw = corr
	case !math.IsNaN(override) && !p.calib.Ready(h.channel, h.edge):
		corr = override
		raw = override
	default:
		raw = p.calib.RawCorrection(h.channel, h.edge, h.fine)
		corr = p.calib.Correction(h.channel, h.edge, h.fine)
	}
	h.time = coarse - corr
	h.raw = coarse - raw
	return h, 0, hitOK
}

func (p *TdcSource) decodeError(buf *RawBuffer, kind DecodeErrorKind, msg Message, index int) {
	buf.erred = true
	p.stats.DecodeErrors[kind]++
	p.metrics.DecodeError(p.Board(), kind)
	if p.verbosity > 2 {
		err := &DecodeError{Kind: kind, Board: p.Board(), Word: msg.Word, Index: index}
		p.logger.Info(err.Error(), "processor")
	}
}

// ScanNewData runs the first scan over every queued buffer. It reports
// whether an automatic recalibration happened.
func (p *TdcSource) ScanNewData() (bool, error) {
	for p.scanned < len(p.queue) {
		buf := p.queue[p.scanned]
		if err := p.firstScan(buf); err != nil {
			return false, err
		}
		buf.setState(BufferFirstScanned)
		p.metrics.Buffer(p.Board(), BufferFirstScanned)
		if p.caps.RawScanOnly {
			p.popFront().Release()
			continue
		}
		p.scanned++
	}
	p.metrics.QueueDepth(p.Board(), len(p.queue))
	recalibrated, _ := p.calib.MaybeAutoCalibrate()
	return recalibrated, nil
}

func (p *TdcSource) firstScan(buf *RawBuffer) error {
	it := NewMessageIterator(buf.Data(), buf.Format)
	if !it.Aligned() {
		return &FatalError{Kind: CorruptFrameLength, Board: p.Board(),
			Err: fmt.Errorf("payload of %d bytes is not word aligned", buf.Len())}
	}

	buf.startEpoch = p.epoch
	buf.startEpochValid = p.epochValid
	buf.startLastEpoch = p.lastEpoch
	buf.startDoubleEdge = p.doubleEdge
	st := p.newScanState(buf)

	stats := p.scratchStats[:0]
	tots := p.scratchToT[:0]
	markers := p.scratchSync[:0]
	lastSync := math.NaN()
	var lastSyncStamp uint64
	hasTrigger := false

	for it.Next() {
		msg := it.Message()
		switch msg.Type {
		case MsgHeader:
			if !st.setHeader(msg) {
				p.decodeError(buf, UnknownHeader, msg, it.Index())
			} else if msg.HeaderErrors() != 0 && p.verbosity > 1 {
				message := fmt.Sprintf("Board 0x%04x header error bits 0x%04x", p.Board(), msg.HeaderErrors())
				p.logger.Info(message, "processor")
			}
		case MsgEpoch:
			st.setEpoch(msg.Epoch())
			buf.extend(st.epochTime(p.unit), p.unit)
		case MsgCalibr:
			st.setCalibr(msg, p.unit)
		case MsgDebug:
			if math.IsNaN(buf.localHead) && st.epochValid {
				buf.localHead = st.epochTime(p.unit)
			}
			switch msg.DebugKind() {
			case DebugTemperature:
				p.calib.SetTemperature(msg.Temperature())
			case DebugSyncID:
				if !st.bufEpoch {
					p.decodeError(buf, MissingEpoch, msg, it.Index())
					continue
				}
				marker := &SyncMarker{UniqueID: msg.SyncID() & p.syncMask}
				if math.IsNaN(lastSync) {
					marker.LocalStamp = Stamp(st.epoch, 0)
					marker.LocalTime = st.epochTime(p.unit)
				} else {
					marker.LocalStamp = lastSyncStamp
					marker.LocalTime = lastSync
				}
				markers = append(markers, marker)
			}
		case MsgHit:
			h, kind, outcome := p.decodeHit(msg, st)
			if outcome == hitError {
				p.decodeError(buf, kind, msg, it.Index())
				continue
			}
			if outcome == hitMissing {
				p.stats.MissingHits++
				p.metrics.MissingHit(p.Board())
				continue
			}
			buf.extend(float64(h.stamp)*p.unit, p.unit)
			if math.IsNaN(buf.localHead) {
				buf.localHead = h.time
			}
			p.countHit(h)

			if !h.calibrated {
				stats = append(stats, statEntry{channel: h.channel, edge: h.edge, fine: h.fine})
			}
			if h.edge == Rising {
				st.lastRise[h.channel] = h.raw
			} else if !math.IsNaN(st.lastRise[h.channel]) {
				tots = append(tots, totEntry{channel: h.channel, tot: h.raw - st.lastRise[h.channel]})
				st.lastRise[h.channel] = math.NaN()
			}
			if h.edge == Rising && h.channel == p.setup.SyncChannel {
				lastSync = h.time
				lastSyncStamp = h.stamp
			}
			if p.caps.TriggerEligible && h.edge == Rising && h.channel == p.setup.TriggerChannel {
				if !p.external || !hasTrigger {
					buf.triggers = append(buf.triggers, LocalTriggerMarker{LocalTime: h.time, LocalID: len(buf.triggers)})
					hasTrigger = true
				}
			}
		default:
			p.decodeError(buf, UnknownHeader, msg, it.Index())
		}
	}

	p.epoch = st.epoch
	p.epochValid = st.epochValid
	p.lastEpoch = st.lastEpoch
	p.doubleEdge = st.doubleEdge

	if p.caps.TriggerEligible && p.external && !hasTrigger && !math.IsNaN(buf.localHead) {
		buf.triggers = append(buf.triggers, LocalTriggerMarker{LocalTime: buf.localHead})
	}

	p.stats.Buffers++
	p.stats.Words += uint64(it.NumWords())
	if buf.erred {
		p.stats.ErredBuffers++
		if p.verbosity > 1 {
			message := fmt.Sprintf("Board 0x%04x buffer %d erred, statistics and sync markers skipped", p.Board(), p.stats.Buffers)
			p.logger.Info(message, "processor")
		}
	} else {
		if p.calib.Accepts(buf.Kind) {
			for _, s := range stats {
				p.calib.Accumulate(s.channel, s.edge, s.fine)
			}
		}
		if p.calib.IsToTKind(buf.Kind) {
			for _, t := range tots {
				p.calib.AddToT(t.channel, t.tot)
			}
		}
		for _, m := range markers {
			m.Buffer = buf.Retain()
			if err := p.sync.AddSyncMarker(m); err != nil {
				m.release()
				p.stats.SyncErrors++
				p.metrics.SyncError(p.Board(), OutOfOrderID)
				if p.verbosity > 1 {
					p.logger.Info(err.Error(), "processor")
				}
			}
		}
	}
	p.scratchStats = stats[:0]
	p.scratchToT = tots[:0]
	clear(markers)
	p.scratchSync = markers[:0]

	if p.verbosity > 2 {
		message := fmt.Sprintf("Board 0x%04x first scan: %d words, local head %.9f s", p.Board(), it.NumWords(), buf.localHead)
		p.logger.Info(message, "processor")
	}
	return nil
}

func (p *TdcSource) countHit(h decodedHit) {
	cs := &p.stats.Channels[h.channel]
	if h.edge == Rising {
		cs.Rising++
	} else {
		cs.Falling++
	}
	if math.IsNaN(cs.FirstHit) {
		cs.FirstHit = h.time
	}
	cs.LastHit = h.time
}

// ResolveTimes maps the local extent of first scanned buffers onto the
// global axis, in queue order. The first buffer that cannot be mapped yet
// stops the walk.
func (p *TdcSource) ResolveTimes() {
	for p.resolved < p.scanned {
		buf := p.queue[p.resolved]
		if !p.resolveBuffer(buf) {
			return
		}
		for _, lt := range buf.triggers {
			g, ok := p.sync.LocalToGlobal(lt.LocalTime)
			if !ok {
				p.stats.Unresolved++
				continue
			}
			p.triggers = append(p.triggers, g)
		}
		buf.triggers = nil
		p.resolved++
	}
}

func (p *TdcSource) resolveBuffer(buf *RawBuffer) bool {
	if !buf.hasHits() {
		buf.globalMin, buf.globalMax = p.resolvedUpTo, p.resolvedUpTo
		buf.globalHead = math.NaN()
		buf.globalOK = true
		return true
	}
	gmin, ok := p.sync.LocalToGlobal(buf.localMin)
	if !ok {
		return false
	}
	gmax, ok := p.sync.LocalToGlobal(buf.localMax)
	if !ok {
		return false
	}
	buf.globalHead = math.NaN()
	if !math.IsNaN(buf.localHead) {
		if g, ok := p.sync.LocalToGlobal(buf.localHead); ok {
			buf.globalHead = g
		}
	}
	buf.globalMin, buf.globalMax = gmin, gmax
	buf.globalOK = true
	if gmax > p.resolvedUpTo {
		p.resolvedUpTo = gmax
	}
	return true
}

// ResolvedUpTo is the largest global time covered by a resolved buffer.
func (p *TdcSource) ResolvedUpTo() float64 {
	return p.resolvedUpTo
}

// TakeTriggers returns and forgets the resolved trigger candidates.
func (p *TdcSource) TakeTriggers() []float64 {
	triggers := p.triggers
	p.triggers = nil
	return triggers
}

// Finish marks the end of the run. Buffers that still cannot be placed on
// the global axis are dropped so the queue can drain.
func (p *TdcSource) Finish() {
	p.finished = true
	p.ResolveTimes()
	dropped := 0
	for len(p.queue) > p.resolved {
		last := len(p.queue) - 1
		p.queue[last].Release()
		p.queue[last] = nil
		p.queue = p.queue[:last]
		dropped++
	}
	if p.scanned > len(p.queue) {
		p.scanned = len(p.queue)
	}
	p.stats.DroppedBuffers += uint64(dropped)
	if dropped > 0 {
		errMessage := fmt.Sprintf("board 0x%04x: %d buffers could not be synchronized and were dropped", p.Board(), dropped)
		p.logger.Error(errMessage)
	}
}
