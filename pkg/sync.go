package tdcstream

import (
	"fmt"
)

// SyncIDDiff is the signed distance a-b in a cyclic id space of the given
// number of bits.
func SyncIDDiff(a, b uint32, bits int) int64 {
	modulus := uint64(1) << uint(bits)
	d := (uint64(a) - uint64(b)) & (modulus - 1)
	if d >= modulus/2 {
		return int64(d) - int64(modulus)
	}
	return int64(d)
}

// SyncMarker is one sync message seen by one producer.
type SyncMarker struct {
	UniqueID   uint32
	LocalID    int
	LocalStamp uint64
	LocalTime  float64
	GlobalTime float64
	Resolved   bool
	Buffer     *RawBuffer
}

// release drops the marker's reference on its buffer.
func (m *SyncMarker) release() {
	if m.Buffer != nil {
		m.Buffer.Release()
		m.Buffer = nil
	}
}

// SyncList is the per producer marker list. Markers [0, numMatched) are
// resolved and only kept for time conversion, the rest wait for matching.
type SyncList struct {
	board        uint32
	bits         int
	markers      []*SyncMarker
	numMatched   int
	totalMatched int
	lastMatched  uint32
	hasMatched   bool
	nextLocalID  int

	identity bool
	passive  bool
	kind     SyncKind
	minCount int
	final    bool
}

func NewSyncList(board uint32, config Configuration) *SyncList {
	return &SyncList{
		board:    board,
		bits:     config.SyncIDBits,
		kind:     config.SyncKind,
		minCount: config.MinSyncCount,
		identity: config.SyncKind == SyncNone,
	}
}

func (s *SyncList) Board() uint32 {
	return s.board
}

func (s *SyncList) Len() int {
	return len(s.markers)
}

func (s *SyncList) NumMatched() int {
	return s.numMatched
}

func (s *SyncList) TotalMatched() int {
	return s.totalMatched
}

func (s *SyncList) Marker(i int) *SyncMarker {
	return s.markers[i]
}

// Pending returns the unique ids still waiting to be matched.
func (s *SyncList) Pending() []uint32 {
	ids := make([]uint32, 0, len(s.markers)-s.numMatched)
	for _, m := range s.markers[s.numMatched:] {
		ids = append(ids, m.UniqueID)
	}
	return ids
}

func (s *SyncList) current() *SyncMarker {
	if s.numMatched >= len(s.markers) {
		return nil
	}
	return s.markers[s.numMatched]
}

func (s *SyncList) hasNext() bool {
	return s.numMatched+1 < len(s.markers)
}

func (s *SyncList) eraseCurrent() *SyncMarker {
	m := s.markers[s.numMatched]
	s.markers = append(s.markers[:s.numMatched], s.markers[s.numMatched+1:]...)
	m.release()
	return m
}

func (s *SyncList) commitCurrent(global float64) {
	m := s.markers[s.numMatched]
	m.GlobalTime = global
	m.Resolved = true
	s.lastMatched = m.UniqueID
	s.hasMatched = true
	s.numMatched++
	s.totalMatched++
}

// AddSyncMarker inserts m among the unmatched markers in cyclic id order.
// Ids not newer than the last matched one and duplicates are refused. A
// list outside matching drops the marker and its buffer reference.
func (s *SyncList) AddSyncMarker(m *SyncMarker) error {
	if s.passive {
		m.release()
		return nil
	}
	if s.hasMatched && SyncIDDiff(m.UniqueID, s.lastMatched, s.bits) <= 0 {
		return &SyncError{Kind: OutOfOrderID, Board: s.board, UniqueID: m.UniqueID, Against: s.lastMatched}
	}
	pos := len(s.markers)
	for pos > s.numMatched {
		d := SyncIDDiff(m.UniqueID, s.markers[pos-1].UniqueID, s.bits)
		if d == 0 {
			return &SyncError{Kind: OutOfOrderID, Board: s.board, UniqueID: m.UniqueID, Against: s.markers[pos-1].UniqueID}
		}
		if d > 0 {
			break
		}
		pos--
	}
	m.LocalID = s.nextLocalID
	s.nextLocalID++
	s.markers = append(s.markers, nil)
	copy(s.markers[pos+1:], s.markers[pos:])
	s.markers[pos] = m
	return nil
}

// releaseAll drops every marker, matched or not.
func (s *SyncList) releaseAll() int {
	n := len(s.markers)
	for _, m := range s.markers {
		m.release()
	}
	clear(s.markers)
	s.markers = s.markers[:0]
	s.numMatched = 0
	return n
}

// Usable reports whether enough markers were confirmed to convert times.
func (s *SyncList) Usable() bool {
	return s.identity || s.totalMatched >= s.minCount
}

func ratio(a, b *SyncMarker) float64 {
	dl := b.LocalTime - a.LocalTime
	if dl == 0 {
		return 1
	}
	return (b.GlobalTime - a.GlobalTime) / dl
}

// LocalToGlobal converts a local time. It fails while the time cannot be
// resolved yet; in interpolate mode that is any time at or after the last
// resolved marker until the run is finished.
func (s *SyncList) LocalToGlobal(t float64) (float64, bool) {
	if s.identity {
		return t, true
	}
	if !s.Usable() || s.numMatched == 0 {
		return 0, false
	}
	resolved := s.markers[:s.numMatched]
	if len(resolved) == 1 {
		m := resolved[0]
		return m.GlobalTime + (t - m.LocalTime), true
	}

	// index of the last marker at or before t
	j := -1
	for i := len(resolved) - 1; i >= 0; i-- {
		if resolved[i].LocalTime <= t {
			j = i
			break
		}
	}

	switch s.kind {
	case SyncLeft:
		if j < 0 {
			a, b := resolved[0], resolved[1]
			return a.GlobalTime + (t-a.LocalTime)*ratio(a, b), true
		}
		var r float64
		if j == 0 {
			r = ratio(resolved[0], resolved[1])
		} else {
			r = ratio(resolved[j-1], resolved[j])
		}
		m := resolved[j]
		return m.GlobalTime + (t-m.LocalTime)*r, true
	default:
		if j < 0 {
			a, b := resolved[0], resolved[1]
			return a.GlobalTime + (t-a.LocalTime)*ratio(a, b), true
		}
		if j == len(resolved)-1 {
			if !s.final {
				return 0, false
			}
			a, b := resolved[j-1], resolved[j]
			return b.GlobalTime + (t-b.LocalTime)*ratio(a, b), true
		}
		a, b := resolved[j], resolved[j+1]
		return a.GlobalTime + (t-a.LocalTime)*ratio(a, b), true
	}
}

// Prune drops resolved markers that no time at or after t can need. Two
// markers at or before t are kept for the drift.
func (s *SyncList) Prune(t float64) int {
	keepFrom := 0
	for i := 0; i < s.numMatched; i++ {
		if s.markers[i].LocalTime <= t {
			keepFrom = i
		}
	}
	keepFrom -= 1
	if keepFrom <= 0 {
		return 0
	}
	for _, m := range s.markers[:keepFrom] {
		m.release()
	}
	s.markers = append(s.markers[:0], s.markers[keepFrom:]...)
	s.numMatched -= keepFrom
	return keepFrom
}

// SyncEngine matches the sync markers of every producer that needs them
// against an elected master.
type SyncEngine struct {
	bits   int
	lists  []*SyncList
	caps   []Capabilities
	master int

	logger    Logger
	verbosity int
	metrics   *Metrics
}

func NewSyncEngine(config Configuration, logger Logger, metrics *Metrics) *SyncEngine {
	if logger == nil {
		logger = discardLogger{}
	}
	return &SyncEngine{
		bits:      config.SyncIDBits,
		master:    -1,
		logger:    logger,
		verbosity: config.Verbosity,
		metrics:   metrics,
	}
}

// Register adds a producer. Election happens in Elect once all producers
// are known.
func (e *SyncEngine) Register(list *SyncList, caps Capabilities) {
	e.lists = append(e.lists, list)
	e.caps = append(e.caps, caps)
}

// Elect picks the master: the first producer that needs sync and can
// trigger, else the first that needs sync. Without any, every list maps
// local time to global time unchanged.
func (e *SyncEngine) Elect() int {
	e.master = -1
	for i, c := range e.caps {
		if c.SyncRequired && c.TriggerEligible && !c.RawScanOnly {
			e.master = i
			break
		}
	}
	if e.master < 0 {
		for i, c := range e.caps {
			if c.SyncRequired {
				e.master = i
				break
			}
		}
	}
	for i, list := range e.lists {
		if e.master < 0 || i == e.master || !e.caps[i].SyncRequired {
			list.identity = true
		}
		if i != e.master && (e.master < 0 || !e.caps[i].SyncRequired) {
			list.passive = true
			list.releaseAll()
		}
	}
	if e.verbosity > 0 {
		if e.master < 0 {
			e.logger.Info("No producer requires sync, global time is local time", "sync")
		} else {
			e.logger.Info(fmt.Sprintf("Sync master is board 0x%04x", e.lists[e.master].board), "sync")
		}
	}
	return e.master
}

func (e *SyncEngine) Master() int {
	return e.master
}

// Finish lets interpolating lists extrapolate past their last marker.
func (e *SyncEngine) Finish() {
	for _, list := range e.lists {
		list.final = true
	}
}

// Close drops the markers left on every list together with their buffer
// references. Times can no longer be converted afterwards.
func (e *SyncEngine) Close() int {
	n := 0
	for _, list := range e.lists {
		n += list.releaseAll()
	}
	return n
}

func (e *SyncEngine) reportErr(err *SyncError) {
	e.metrics.SyncError(err.Board, err.Kind)
	if e.verbosity > 1 {
		e.logger.Info(err.Error(), "sync")
	}
}

// Match walks the master markers in order and confirms each one on every
// active slave. It returns the number of ids matched and the markers
// erased on the way.
func (e *SyncEngine) Match() (int, []error) {
	errs := make([]error, 0)
	if e.master < 0 {
		return 0, errs
	}
	master := e.lists[e.master]
	matched := 0
	for {
		mm := master.current()
		if mm == nil {
			return matched, errs
		}

		gap, missing := false, false
		for i, slave := range e.lists {
			if i == e.master || !e.caps[i].SyncRequired {
				continue
			}
			for {
				cur := slave.current()
				if cur == nil {
					missing = true
					break
				}
				d := SyncIDDiff(cur.UniqueID, mm.UniqueID, e.bits)
				if d < 0 {
					slave.eraseCurrent()
					err := &SyncError{Kind: StaleMarker, Board: slave.board, UniqueID: cur.UniqueID, Against: mm.UniqueID}
					e.reportErr(err)
					errs = append(errs, err)
					continue
				}
				if d > 0 {
					gap = true
				}
				break
			}
		}

		if gap && master.hasNext() {
			master.eraseCurrent()
			// the id is also gone from any slave still holding it
			for i, slave := range e.lists {
				if i == e.master || !e.caps[i].SyncRequired {
					continue
				}
				if cur := slave.current(); cur != nil && cur.UniqueID == mm.UniqueID {
					slave.eraseCurrent()
				}
			}
			err := &SyncError{Kind: OutOfOrderID, Board: master.board, UniqueID: mm.UniqueID, Against: mm.UniqueID}
			e.reportErr(err)
			errs = append(errs, err)
			continue
		}
		if gap || missing {
			return matched, errs
		}

		global := mm.LocalTime
		master.commitCurrent(global)
		for i, slave := range e.lists {
			if i == e.master || !e.caps[i].SyncRequired {
				continue
			}
			slave.commitCurrent(global)
		}
		e.metrics.SyncMatched()
		matched++
		if e.verbosity > 2 {
			e.logger.Info(fmt.Sprintf("Sync id %d matched at %.9f s", mm.UniqueID, global), "sync")
		}
	}
}
