package tdcstream

import (
	"sort"

	"golang.org/x/exp/maps"
)

// Hit is one calibrated hit on the global time axis, in seconds.
type Hit struct {
	Channel uint16
	Edge    Edge
	Time    float64
	ToT     float64
	HasToT  bool
	RefTime float64
	HasRef  bool
}

// SubEvent holds the hits one producer assigned to one trigger window.
type SubEvent struct {
	Board       uint32
	Name        string
	TriggerTime float64
	Hits        []Hit
	Erred       bool
}

func (s *SubEvent) FirstHit(channel int, edge Edge) (Hit, bool) {
	for _, h := range s.Hits {
		if int(h.Channel) == channel && h.Edge == edge {
			return h, true
		}
	}
	return Hit{}, false
}

// Event is one correlated trigger across every producer.
type Event struct {
	Number      uint64
	TriggerTime float64
	Sources     []uint32
	SubEvents   map[string]*SubEvent
}

func (e *Event) NumHits() int {
	n := 0
	for _, sub := range e.SubEvents {
		n += len(sub.Hits)
	}
	return n
}

// Producers returns the producer names in a stable order.
func (e *Event) Producers() []string {
	names := maps.Keys(e.SubEvents)
	sort.Strings(names)
	return names
}

// EventStore receives finished events keyed by producer name.
type EventStore interface {
	WriteEvent(event *Event) error
	Close() error
}

// applyReferences makes every referenced channel relative to the first
// rising hit of its reference channel in the same event. Sub-events are
// only read here.
func applyReferences(ev *Event, byBoard map[uint32]*SubEvent, refs map[uint32][]ChannelRef) {
	for board, list := range refs {
		sub, ok := byBoard[board]
		if !ok {
			continue
		}
		for _, ref := range list {
			refSub, ok := byBoard[ref.RefBoard]
			if !ok {
				continue
			}
			refHit, ok := refSub.FirstHit(ref.RefChannel, Rising)
			if !ok {
				continue
			}
			for i := range sub.Hits {
				if int(sub.Hits[i].Channel) != ref.Channel {
					continue
				}
				sub.Hits[i].RefTime = sub.Hits[i].Time - refHit.Time
				sub.Hits[i].HasRef = true
			}
		}
	}
}
