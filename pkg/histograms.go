package tdcstream

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// HistogramSink receives fills for observability only. The engine never
// reads anything back from it.
type HistogramSink interface {
	Create(name string, bins int, min, max float64)
	Fill(name string, x float64)
	Clear(name string)
}

type discardHistograms struct{}

func (discardHistograms) Create(string, int, float64, float64) {}
func (discardHistograms) Fill(string, float64)                 {}
func (discardHistograms) Clear(string)                         {}

type Histogram struct {
	Min      float64
	Max      float64
	Counts   []float64
	Entries  int
	Overflow int
}

func (h *Histogram) binWidth() float64 {
	return (h.Max - h.Min) / float64(len(h.Counts))
}

func (h *Histogram) fill(x float64) {
	h.Entries++
	if x < h.Min || x >= h.Max {
		h.Overflow++
		return
	}
	bin := int((x - h.Min) / h.binWidth())
	if bin >= len(h.Counts) {
		bin = len(h.Counts) - 1
	}
	h.Counts[bin]++
}

// MemoryHistograms keeps every histogram in memory until it is rendered.
type MemoryHistograms struct {
	mu    sync.Mutex
	hists map[string]*Histogram
}

func NewMemoryHistograms() *MemoryHistograms {
	return &MemoryHistograms{hists: make(map[string]*Histogram)}
}

func (m *MemoryHistograms) Create(name string, bins int, min, max float64) {
	if bins <= 0 || max <= min {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hists[name]; ok {
		return
	}
	m.hists[name] = &Histogram{Min: min, Max: max, Counts: make([]float64, bins)}
}

func (m *MemoryHistograms) Fill(name string, x float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hists[name]; ok {
		h.fill(x)
	}
}

func (m *MemoryHistograms) Clear(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hists[name]; ok {
		clear(h.Counts)
		h.Entries = 0
		h.Overflow = 0
	}
}

// Get returns a copy of the named histogram.
func (m *MemoryHistograms) Get(name string) (Histogram, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hists[name]
	if !ok {
		return Histogram{}, false
	}
	cp := *h
	cp.Counts = append([]float64(nil), h.Counts...)
	return cp, true
}

func (m *MemoryHistograms) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := maps.Keys(m.hists)
	sort.Strings(names)
	return names
}

// RenderHistograms writes one PNG per histogram into dir. Slashes in the
// histogram name become underscores in the file name.
func RenderHistograms(m *MemoryHistograms, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	files := make([]string, 0)
	for _, name := range m.Names() {
		h, _ := m.Get(name)
		if h.Entries == 0 {
			continue
		}
		file := filepath.Join(dir, strings.ReplaceAll(name, "/", "_")+".png")
		if err := renderHistogram(name, h, file); err != nil {
			return files, err
		}
		files = append(files, file)
	}
	return files, nil
}

func renderHistogram(name string, h Histogram, file string) error {
	p := plot.New()
	p.Title.Text = name
	p.X.Label.Text = "Value"
	p.Y.Label.Text = "Entries"

	pts := make(plotter.XYs, 0, 2*len(h.Counts))
	width := h.binWidth()
	for i, c := range h.Counts {
		lo := h.Min + float64(i)*width
		pts = append(pts, plotter.XY{X: lo, Y: c}, plotter.XY{X: lo + width, Y: c})
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("failed to create line for %s: %w", name, err)
	}
	line.Width = vg.Points(1)
	p.Add(line)

	if err := p.Save(8*vg.Inch, 5*vg.Inch, file); err != nil {
		return fmt.Errorf("failed to save %s: %w", file, err)
	}
	return nil
}

// RenderCurves plots the rising and falling calibration curves of every
// channel with statistics.
func RenderCurves(board uint32, channels []ChannelCalibration, unit float64, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Board 0x%04x calibration", board)
	p.X.Label.Text = "Fine counter"
	p.Y.Label.Text = "Correction (coarse units)"

	for ch := range channels {
		for _, edge := range []Edge{Rising, Falling} {
			e := channels[ch].edge(edge)
			if e.Statistic() == 0 {
				continue
			}
			pts := make(plotter.XYs, len(e.Curve))
			for i, v := range e.Curve {
				pts[i] = plotter.XY{X: float64(i), Y: float64(v) / unit}
			}
			line, err := plotter.NewLine(pts)
			if err != nil {
				return "", fmt.Errorf("failed to create line for channel %d: %w", ch, err)
			}
			line.Width = vg.Points(0.5)
			p.Add(line)
		}
	}

	file := filepath.Join(dir, fmt.Sprintf("board_%04x_curves.png", board))
	if err := p.Save(10*vg.Inch, 6*vg.Inch, file); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", file, err)
	}
	return file, nil
}
