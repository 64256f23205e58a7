package tdcstream

import (
	"fmt"
	"math"
)

// AddWindow appends a trigger window. Windows arrive in trigger order.
func (p *TdcSource) AddWindow(trig *GlobalTrigger) {
	w := window{trig: trig}
	if !trig.Flush {
		w.sub = &SubEvent{Board: p.Board(), Name: p.Name(), TriggerTime: trig.Time}
	}
	p.windows = append(p.windows, w)
}

// NumReadySubevents counts the closed windows at the front of the queue.
func (p *TdcSource) NumReadySubevents() int {
	return p.readyCount
}

// PopWindow removes the front window once it is closed. Flush windows come
// back with a nil sub-event.
func (p *TdcSource) PopWindow() (*SubEvent, *GlobalTrigger, bool) {
	if p.readyCount == 0 {
		return nil, nil, false
	}
	w := p.windows[0]
	p.windows[0] = window{}
	p.windows = p.windows[1:]
	p.readyCount--
	return w.sub, w.trig, true
}

// ScanForNewTriggers runs the second scan over resolved buffers whose hits
// can no longer fall into a trigger that is not queued yet. safe is the
// global time up to which the trigger queue is complete.
func (p *TdcSource) ScanForNewTriggers(safe float64) int {
	if p.caps.RawScanOnly {
		return 0
	}
	n := 0
	for p.resolved > 0 {
		buf := p.queue[0]
		gmin, gmax, _ := buf.GlobalExtent()
		if !p.finished && gmax-p.left > safe {
			break
		}
		p.secondScan(buf)
		p.popFront()
		buf.setState(BufferSecondScanned)
		p.metrics.Buffer(p.Board(), BufferSecondScanned)
		if gmax-p.disorder > p.progress {
			p.progress = gmax - p.disorder
		}
		if buf.hasHits() && !math.IsInf(gmin, 0) {
			p.sync.Prune(buf.localMin - p.disorder)
		}
		buf.Release()
		n++
	}
	if p.finished && len(p.queue) == 0 {
		p.progress = math.Inf(1)
	}
	p.closeWindows()
	if n > 0 && p.verbosity > 2 {
		message := fmt.Sprintf("Board 0x%04x second scan: %d buffers, progress %.9f s, %d windows ready", p.Board(), n, p.progress, p.readyCount)
		p.logger.Info(message, "processor")
	}
	return n
}

func (p *TdcSource) closeWindows() {
	for p.readyCount < len(p.windows) {
		w := p.windows[p.readyCount]
		if w.trig.Time+w.trig.Right > p.progress {
			return
		}
		p.readyCount++
	}
}

func (p *TdcSource) secondScan(buf *RawBuffer) {
	it := NewMessageIterator(buf.Data(), buf.Format)
	st := p.newScanState(buf)
	lastRise := make([]float64, p.setup.NumChannels)
	for ch := range lastRise {
		lastRise[ch] = math.NaN()
	}

	for it.Next() {
		msg := it.Message()
		switch msg.Type {
		case MsgHeader:
			st.setHeader(msg)
		case MsgEpoch:
			st.setEpoch(msg.Epoch())
		case MsgCalibr:
			st.setCalibr(msg, p.unit)
		case MsgHit:
			h, _, outcome := p.decodeHit(msg, st)
			if outcome != hitOK {
				continue
			}
			g, ok := p.sync.LocalToGlobal(h.time)
			if !ok {
				p.stats.Unresolved++
				continue
			}
			hit := Hit{Channel: uint16(h.channel), Edge: h.edge, Time: g}
			if h.edge == Rising {
				lastRise[h.channel] = g
			} else if !math.IsNaN(lastRise[h.channel]) {
				tot := g - lastRise[h.channel]
				if tot > 0 && tot <= p.totRange {
					hit.ToT = tot
					hit.HasToT = true
				}
				lastRise[h.channel] = math.NaN()
			}
			p.attach(hit, buf.erred)
		}
	}
}

// attach adds the hit to every pending window containing it. Windows are
// ordered by time so the walk stops at the first one starting later.
func (p *TdcSource) attach(hit Hit, erred bool) {
	for i := p.readyCount; i < len(p.windows); i++ {
		w := p.windows[i]
		if hit.Time < w.trig.Time+w.trig.Left {
			return
		}
		if w.trig.Flush || !w.trig.Contains(hit.Time) {
			continue
		}
		w.sub.Hits = append(w.sub.Hits, hit)
		if erred {
			w.sub.Erred = true
		}
	}
}
