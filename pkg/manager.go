package tdcstream

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

type Option func(*Manager)

func WithLogger(logger Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

func WithHistograms(hists HistogramSink) Option {
	return func(m *Manager) {
		m.hists = hists
	}
}

func WithCalibrationStore(store CalibrationStore) Option {
	return func(m *Manager) {
		m.store = store
	}
}

func WithRunID(id uuid.UUID) Option {
	return func(m *Manager) {
		m.runID = id
	}
}

// Manager owns every producer of one run and drives them through the
// fixed call sequence. It is the only shared context, there is no package
// level state.
type Manager struct {
	config    Configuration
	sources   []StreamSource
	byBoard   map[uint32]StreamSource
	refs      map[uint32][]ChannelRef
	sync      *SyncEngine
	assembler *TriggerAssembler

	logger  Logger
	metrics *Metrics
	hists   HistogramSink
	store   CalibrationStore
	runID   uuid.UUID

	elected     bool
	finished    bool
	eventNumber uint64
	progress    float64
	unknown     uint64
}

func NewManager(config Configuration, opts ...Option) *Manager {
	m := &Manager{
		config:   config,
		byBoard:  make(map[uint32]StreamSource),
		refs:     make(map[uint32][]ChannelRef),
		logger:   discardLogger{},
		runID:    uuid.New(),
		progress: math.Inf(-1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sync = NewSyncEngine(config, m.logger, m.metrics)
	m.assembler = NewTriggerAssembler(config, m.logger, m.metrics)
	if config.Verbosity > 0 {
		m.logger.Info(fmt.Sprintf("Run id %s", m.runID), "manager")
	}
	return m
}

func (m *Manager) RunID() uuid.UUID {
	return m.runID
}

func (m *Manager) Sources() []StreamSource {
	return m.sources
}

func (m *Manager) Source(board uint32) (StreamSource, bool) {
	src, ok := m.byBoard[board]
	return src, ok
}

func (m *Manager) Assembler() *TriggerAssembler {
	return m.assembler
}

// AddBoard creates the TDC processor of one board. Boards must be added
// before the first buffer is pushed.
func (m *Manager) AddBoard(setup BoardSetup) (*TdcSource, error) {
	if setup.BoardID > 0xFFFF {
		return nil, &FatalError{Kind: BoardIDOverflow, Board: setup.BoardID}
	}
	if setup.NumChannels <= 0 || setup.NumChannels > MaxChannels {
		return nil, fmt.Errorf("board 0x%04x: %d channels out of range (1..%d)", setup.BoardID, setup.NumChannels, MaxChannels)
	}
	src := NewTdcSource(setup, m.config)
	src.setObservers(m.logger, m.metrics, m.hists)
	if m.store != nil && m.config.LoadCalibration {
		if err := m.store.Load(src.Calibrator()); err != nil {
			errMessage := fmt.Errorf("board 0x%04x: no calibration loaded: %w", setup.BoardID, err)
			m.logger.Error(errMessage.Error())
		} else if m.config.Verbosity > 0 {
			m.logger.Info(fmt.Sprintf("Board 0x%04x calibration loaded", setup.BoardID), "manager")
		}
	}
	if err := m.AddSource(src); err != nil {
		return nil, err
	}
	if len(setup.References) > 0 {
		m.refs[setup.BoardID] = setup.References
	}
	return src, nil
}

func (m *Manager) AddSource(src StreamSource) error {
	if m.elected {
		return fmt.Errorf("board 0x%04x added after the run started", src.Board())
	}
	if _, ok := m.byBoard[src.Board()]; ok {
		return fmt.Errorf("board 0x%04x added twice", src.Board())
	}
	m.sources = append(m.sources, src)
	m.byBoard[src.Board()] = src
	m.sync.Register(src.SyncList(), src.Capabilities())
	if m.config.Verbosity > 0 {
		caps := src.Capabilities()
		message := fmt.Sprintf("Board 0x%04x (%s): sync %t, trigger %t, raw only %t",
			src.Board(), src.Name(), caps.SyncRequired, caps.TriggerEligible, caps.RawScanOnly)
		m.logger.Info(message, "manager")
	}
	return nil
}

func (m *Manager) elect() {
	if m.elected {
		return
	}
	m.sync.Elect()
	m.elected = true
}

func (m *Manager) master() StreamSource {
	if i := m.sync.Master(); i >= 0 {
		return m.sources[i]
	}
	for _, src := range m.sources {
		if !src.Capabilities().RawScanOnly {
			return src
		}
	}
	return nil
}

// Push hands a buffer to its producer. Buffers of unknown boards are
// counted and dropped.
func (m *Manager) Push(buf *RawBuffer) error {
	m.elect()
	if buf.Board > 0xFFFF {
		return &FatalError{Kind: BoardIDOverflow, Board: buf.Board}
	}
	src, ok := m.byBoard[buf.Board]
	if !ok {
		m.unknown++
		if m.config.Verbosity > 1 {
			m.logger.Info(fmt.Sprintf("Dropping buffer of unknown board 0x%04x", buf.Board), "manager")
		}
		buf.Release()
		return nil
	}
	return src.Push(buf)
}

// ScanNewData runs the first scan on every producer and persists any
// automatic recalibration.
func (m *Manager) ScanNewData() error {
	m.elect()
	for _, src := range m.sources {
		recalibrated, err := src.ScanNewData()
		if err != nil {
			return err
		}
		if recalibrated {
			m.persist(src)
		}
	}
	return nil
}

func (m *Manager) persist(src StreamSource) {
	if m.config.Verbosity > 0 {
		m.logger.Info(fmt.Sprintf("Board 0x%04x recalibrated", src.Board()), "manager")
	}
	if m.store == nil {
		return
	}
	if err := m.store.Save(src.Calibrator()); err != nil {
		errMessage := fmt.Errorf("board 0x%04x: saving calibration: %w", src.Board(), err)
		m.logger.Error(errMessage.Error())
	}
}

// ResolveSync matches sync markers and places newly resolvable buffers on
// the global axis.
func (m *Manager) ResolveSync() {
	m.elect()
	m.sync.Match()
	for _, src := range m.sources {
		src.ResolveTimes()
	}
}

func (m *Manager) CollectTriggers() {
	m.elect()
	m.assembler.Collect(m.sources)
	m.assembler.Distribute(m.sources, m.master(), m.finished)
}

func (m *Manager) ScanForNewTriggers() {
	safe := m.assembler.SafeTime()
	for _, src := range m.sources {
		src.ScanForNewTriggers(safe)
	}
}

// ProduceNextEvent pops the front trigger once every producer closed its
// window. A flush trigger consumes its slot and yields no event. The bool
// reports whether a slot was consumed.
func (m *Manager) ProduceNextEvent() (*Event, bool) {
	trig := m.assembler.Front()
	if trig == nil {
		return nil, false
	}
	for _, src := range m.sources {
		if src.Capabilities().RawScanOnly {
			continue
		}
		if src.NumReadySubevents() < 1 {
			return nil, false
		}
	}
	m.assembler.Pop()
	m.progress = trig.Time

	byBoard := make(map[uint32]*SubEvent)
	subEvents := make(map[string]*SubEvent)
	for _, src := range m.sources {
		if src.Capabilities().RawScanOnly {
			continue
		}
		sub, _, _ := src.PopWindow()
		if sub == nil {
			continue
		}
		byBoard[src.Board()] = sub
		subEvents[src.Name()] = sub
	}
	if trig.Flush {
		return nil, true
	}

	m.eventNumber++
	ev := &Event{
		Number:      m.eventNumber,
		TriggerTime: trig.Time,
		Sources:     trig.Sources,
		SubEvents:   subEvents,
	}
	applyReferences(ev, byBoard, m.refs)
	m.metrics.Event()
	if m.config.Verbosity > 2 {
		message := fmt.Sprintf("Event %d at %.9f s with %d hits", ev.Number, ev.TriggerTime, ev.NumHits())
		m.logger.Info(message, "manager")
	}
	return ev, true
}

// Progress is the trigger time of the last consumed queue slot.
func (m *Manager) Progress() float64 {
	return m.progress
}

func (m *Manager) drain(store EventStore) (int, error) {
	n := 0
	for {
		ev, ok := m.ProduceNextEvent()
		if !ok {
			return n, nil
		}
		if ev == nil {
			continue
		}
		n++
		if store == nil {
			continue
		}
		if err := store.WriteEvent(ev); err != nil {
			return n, err
		}
	}
}

// Cycle runs the call sequence once and writes every ready event.
func (m *Manager) Cycle(store EventStore) (int, error) {
	if err := m.ScanNewData(); err != nil {
		return 0, err
	}
	m.ResolveSync()
	m.CollectTriggers()
	m.ScanForNewTriggers()
	return m.drain(store)
}

// Finish ends the run: every pending window is closed and the queue
// drains.
func (m *Manager) Finish(store EventStore) (int, error) {
	m.elect()
	if err := m.ScanNewData(); err != nil {
		return 0, err
	}
	m.ResolveSync()
	m.finished = true
	m.sync.Finish()
	m.ResolveSync()
	for _, src := range m.sources {
		src.Finish()
	}
	m.CollectTriggers()
	m.ScanForNewTriggers()
	n, err := m.drain(store)
	released := m.sync.Close()
	if m.config.Verbosity > 1 {
		m.logger.Info(fmt.Sprintf("Released %d sync markers", released), "manager")
	}
	if m.config.Verbosity > 0 {
		late, merged := m.assembler.Dropped()
		message := fmt.Sprintf("Run %s finished: %d events, %d late and %d merged triggers, %d buffers of unknown boards",
			m.runID, m.eventNumber, late, merged, m.unknown)
		m.logger.Info(message, "manager")
	}
	return n, err
}

// Calibrate recalibrates every board from its accumulated statistics and
// saves the result when a store is set.
func (m *Manager) Calibrate() error {
	var errs error
	for _, src := range m.sources {
		calib := src.Calibrator()
		problems := calib.Calibrate()
		for _, problem := range problems {
			m.logger.Error(problem.Error())
		}
		if m.store != nil {
			errs = errors.Join(errs, m.store.Save(calib))
		}
	}
	return errs
}
