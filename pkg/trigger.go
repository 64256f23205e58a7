package tdcstream

import (
	"fmt"
	"math"
	"slices"
	"sort"
)

// LocalTriggerMarker is a trigger candidate on one producer's clock.
type LocalTriggerMarker struct {
	LocalTime float64
	LocalID   int
}

// GlobalTrigger is one entry of the ordered trigger queue. Hits in
// [Time+Left, Time+Right) belong to it. Flush triggers never collect hits.
type GlobalTrigger struct {
	Time    float64
	Left    float64
	Right   float64
	Flush   bool
	Sources []uint32
}

func (g *GlobalTrigger) Contains(t float64) bool {
	return t >= g.Time+g.Left && t < g.Time+g.Right
}

type triggerCandidate struct {
	time    float64
	sources []uint32
}

// TriggerAssembler merges the candidates of every trigger eligible producer
// into one queue ordered by global time.
type TriggerAssembler struct {
	mode          TriggerMode
	left          float64
	right         float64
	merge         float64
	flushInterval float64
	disorder      float64

	candidates      []triggerCandidate
	queue           []*GlobalTrigger
	lastDistributed float64
	lastReal        float64
	lastQueued      float64
	horizon         float64
	late            int
	merged          int

	logger    Logger
	verbosity int
	metrics   *Metrics
}

func NewTriggerAssembler(config Configuration, logger Logger, metrics *Metrics) *TriggerAssembler {
	if logger == nil {
		logger = discardLogger{}
	}
	return &TriggerAssembler{
		mode:            config.TriggerMode,
		left:            config.TriggerLeft,
		right:           config.TriggerRight,
		merge:           config.MergeDistance(),
		flushInterval:   config.FlushInterval,
		disorder:        config.DisorderBound,
		lastDistributed: math.Inf(-1),
		lastReal:        math.Inf(-1),
		lastQueued:      math.Inf(-1),
		horizon:         math.Inf(-1),
		logger:          logger,
		verbosity:       config.Verbosity,
		metrics:         metrics,
	}
}

// AddCandidate queues a resolved trigger time. Candidates closer than the
// merge distance to a pending or already queued trigger are folded into it.
func (a *TriggerAssembler) AddCandidate(t float64, board uint32) {
	if math.Abs(t-a.lastReal) < a.merge {
		a.merged++
		return
	}
	if t <= a.lastDistributed {
		a.late++
		if a.verbosity > 1 {
			message := fmt.Sprintf("Dropping late trigger at %.9f s from board 0x%04x, queue is at %.9f s", t, board, a.lastDistributed)
			a.logger.Info(message, "trigger")
		}
		return
	}
	for i := range a.candidates {
		c := &a.candidates[i]
		if math.Abs(c.time-t) < a.merge {
			c.time = math.Min(c.time, t)
			if !slices.Contains(c.sources, board) {
				c.sources = append(c.sources, board)
			}
			a.merged++
			return
		}
	}
	pos := sort.Search(len(a.candidates), func(i int) bool {
		return a.candidates[i].time > t
	})
	a.candidates = append(a.candidates, triggerCandidate{})
	copy(a.candidates[pos+1:], a.candidates[pos:])
	a.candidates[pos] = triggerCandidate{time: t, sources: []uint32{board}}
}

// Collect takes the resolved candidates of every trigger eligible source.
func (a *TriggerAssembler) Collect(sources []StreamSource) {
	for _, src := range sources {
		caps := src.Capabilities()
		if !caps.TriggerEligible || caps.RawScanOnly {
			continue
		}
		for _, t := range src.TakeTriggers() {
			a.AddCandidate(t, src.Board())
		}
	}
}

func (a *TriggerAssembler) enqueue(trig *GlobalTrigger, sources []StreamSource) {
	a.queue = append(a.queue, trig)
	a.lastDistributed = trig.Time
	a.lastQueued = trig.Time
	if !trig.Flush {
		a.lastReal = trig.Time
	}
	a.metrics.Trigger(trig.Flush)
	for _, src := range sources {
		if src.Capabilities().RawScanOnly {
			continue
		}
		src.AddWindow(trig)
	}
	if a.verbosity > 2 {
		message := fmt.Sprintf("Trigger at %.9f s queued (flush %t), %d pending", trig.Time, trig.Flush, len(a.queue))
		a.logger.Info(message, "trigger")
	}
}

// Distribute hands every candidate no producer can precede any more to all
// producers. In free running mode it may also queue a flush trigger taken
// from master. With final set every candidate goes out.
func (a *TriggerAssembler) Distribute(sources []StreamSource, master StreamSource, final bool) int {
	horizon := math.Inf(1)
	if !final {
		for _, src := range sources {
			caps := src.Capabilities()
			if !caps.TriggerEligible || caps.RawScanOnly {
				continue
			}
			horizon = math.Min(horizon, src.ResolvedUpTo()-a.disorder)
		}
	}
	if horizon > a.horizon {
		a.horizon = horizon
	}

	n := 0
	for len(a.candidates) > 0 && a.candidates[0].time <= a.horizon {
		c := a.candidates[0]
		a.candidates = a.candidates[1:]
		a.enqueue(&GlobalTrigger{Time: c.time, Left: a.left, Right: a.right, Sources: c.sources}, sources)
		n++
	}

	if a.mode == TriggerFree && !final && a.maybeFlush(sources, master) {
		n++
	}
	return n
}

func (a *TriggerAssembler) maybeFlush(sources []StreamSource, master StreamSource) bool {
	if master == nil {
		return false
	}
	cand := math.Min(master.ResolvedUpTo(), a.horizon)
	if math.IsInf(cand, 0) || cand <= a.lastDistributed {
		return false
	}
	gap := math.Max(a.flushInterval, a.right-a.left+a.disorder)
	if cand < a.lastQueued+gap {
		return false
	}
	for _, src := range sources {
		if src.Capabilities().RawScanOnly {
			continue
		}
		if src.ResolvedUpTo() < cand {
			return false
		}
	}
	a.enqueue(&GlobalTrigger{Time: cand, Left: a.left, Right: a.right, Flush: true}, sources)
	return true
}

// SafeTime is the global time up to which no further trigger can be
// queued.
func (a *TriggerAssembler) SafeTime() float64 {
	return math.Max(a.lastDistributed, a.horizon)
}

func (a *TriggerAssembler) Front() *GlobalTrigger {
	if len(a.queue) == 0 {
		return nil
	}
	return a.queue[0]
}

func (a *TriggerAssembler) Pop() *GlobalTrigger {
	if len(a.queue) == 0 {
		return nil
	}
	trig := a.queue[0]
	a.queue[0] = nil
	a.queue = a.queue[1:]
	return trig
}

func (a *TriggerAssembler) QueueLen() int {
	return len(a.queue)
}

func (a *TriggerAssembler) PendingCandidates() int {
	return len(a.candidates)
}

func (a *TriggerAssembler) Dropped() (late int, merged int) {
	return a.late, a.merged
}
