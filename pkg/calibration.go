package tdcstream

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

type CalibrationStatus uint32

const (
	Accumulating CalibrationStatus = iota
	Ready
	LowStat
	BadStat
	BadFineMin
	BadFineMax
	NonLinear
	numCalibrationStatus
)

var calibrationStatusStrings = []string{
	"accumulating",
	"ready",
	"low-stat",
	"bad-stat",
	"bad-fine-min",
	"bad-fine-max",
	"non-linear",
}

func (s CalibrationStatus) String() string {
	if s >= numCalibrationStatus {
		return "UNKNOWN"
	}
	return calibrationStatusStrings[s]
}

// errorKind maps a failed status onto the calibration error taxonomy.
func (s CalibrationStatus) errorKind() (CalibrationErrorKind, bool) {
	switch s {
	case LowStat, BadStat:
		return LowStatistic, true
	case BadFineMin, BadFineMax:
		return BadFineRange, true
	case NonLinear:
		return NonLinearCurve, true
	default:
		return 0, false
	}
}

// CurveParams are the parts of the configuration the curve math needs.
type CurveParams struct {
	Unit           float64
	Bins           int
	FineMin        int
	FineMax        int
	Tolerance      int
	MinStatistic   int
	HoleLimit      float64
	NonLinearLimit float64
}

func curveParams(c Configuration) CurveParams {
	return CurveParams{
		Unit:           c.CoarseUnit,
		Bins:           c.FineBins,
		FineMin:        c.FineMin,
		FineMax:        c.FineMax,
		Tolerance:      c.FineTolerance,
		MinStatistic:   c.MinStatistic,
		HoleLimit:      c.HoleLimit,
		NonLinearLimit: c.NonLinearLimit,
	}
}

// curveLimit is the largest float32 strictly below unit.
func curveLimit(unit float64) float32 {
	limit := float32(unit)
	for float64(limit) >= unit {
		limit = math.Nextafter32(limit, 0)
	}
	return limit
}

func clampCurve(v float64, limit float32) float32 {
	if v < 0 {
		return 0
	}
	f := float32(v)
	if f > limit {
		return limit
	}
	return f
}

// LinearCurve ramps from 0 at FineMin to the coarse unit at FineMax.
func LinearCurve(p CurveParams) []float32 {
	curve := make([]float32, p.Bins)
	limit := curveLimit(p.Unit)
	width := float64(p.FineMax - p.FineMin)
	for i := range curve {
		switch {
		case i <= p.FineMin:
			curve[i] = 0
		case i >= p.FineMax:
			curve[i] = limit
		default:
			curve[i] = clampCurve(p.Unit*float64(i-p.FineMin)/width, limit)
		}
	}
	return curve
}

// BuildCurve turns a fine counter histogram into its scaled cumulative
// distribution, each bin taken at its centre.
func BuildCurve(hist []uint64, unit float64) []float32 {
	curve := make([]float32, len(hist))
	var total uint64
	for _, h := range hist {
		total += h
	}
	if total == 0 {
		return curve
	}
	limit := curveLimit(unit)
	var before uint64
	for i, h := range hist {
		frac := (float64(before) + float64(h)/2) / float64(total)
		curve[i] = clampCurve(unit*frac, limit)
		before += h
	}
	return curve
}

func nonZeroExtent(hist []uint64) (int, int, uint64) {
	minNZ, maxNZ := -1, -1
	var total uint64
	for i, h := range hist {
		if h == 0 {
			continue
		}
		if minNZ < 0 {
			minNZ = i
		}
		maxNZ = i
		total += h
	}
	return minNZ, maxNZ, total
}

func clampUnit(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

// curveResidual is the RMS distance of the curve from its straight line fit
// over [lo, hi], as a fraction of the unit.
func curveResidual(curve []float32, lo, hi int, unit float64) float64 {
	if hi-lo < 2 {
		return 0
	}
	xs := make([]float64, 0, hi-lo+1)
	ys := make([]float64, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		xs = append(xs, float64(i))
		ys = append(ys, float64(curve[i]))
	}
	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	residuals := make([]float64, len(xs))
	for i, x := range xs {
		residuals[i] = ys[i] - (alpha + beta*x)
	}
	rms := floats.Norm(residuals, 2) / math.Sqrt(float64(len(residuals)))
	return rms / unit
}

// EvaluateCurve grades a freshly built curve. The checks run in a fixed
// order and the first failure wins.
func EvaluateCurve(hist []uint64, curve []float32, p CurveParams) (CalibrationStatus, float64, float64) {
	minNZ, maxNZ, total := nonZeroExtent(hist)
	if total < uint64(p.MinStatistic) || minNZ < 0 {
		return LowStat, clampUnit(float64(total) / float64(p.MinStatistic)), float64(total)
	}
	if minNZ > p.FineMin+p.Tolerance {
		return BadFineMin, clampUnit(1 - float64(minNZ-p.FineMin)/float64(p.Bins)), float64(minNZ)
	}
	if maxNZ < p.FineMax-p.Tolerance {
		return BadFineMax, clampUnit(1 - float64(p.FineMax-maxNZ)/float64(p.Bins)), float64(maxNZ)
	}
	holes := 0
	for i := minNZ; i <= maxNZ; i++ {
		if hist[i] == 0 {
			holes++
		}
	}
	holeFrac := float64(holes) / float64(maxNZ-minNZ+1)
	if holeFrac > p.HoleLimit {
		return BadStat, clampUnit(1 - holeFrac), holeFrac
	}
	residual := curveResidual(curve, minNZ, maxNZ, p.Unit)
	if residual > p.NonLinearLimit {
		return NonLinear, clampUnit(p.NonLinearLimit / residual), residual
	}
	return Ready, clampUnit(1 - residual), residual
}

// saturationStart returns the first bin of the flat tail of the curve.
func saturationStart(curve []float32) int {
	if len(curve) == 0 {
		return 0
	}
	last := len(curve) - 1
	for last > 0 && curve[last-1] == curve[last] {
		last--
	}
	return last
}

// EdgeCalibration is the state of one channel edge.
type EdgeCalibration struct {
	Histogram  []uint64
	Curve      []float32
	Status     CalibrationStatus
	Confidence float64

	knownMax int
	good     bool
}

func newEdgeCalibration(p CurveParams) EdgeCalibration {
	curve := LinearCurve(p)
	return EdgeCalibration{
		Histogram: make([]uint64, p.Bins),
		Curve:     curve,
		Status:    Accumulating,
		knownMax:  saturationStart(curve),
	}
}

func (e *EdgeCalibration) Statistic() uint64 {
	var total uint64
	for _, h := range e.Histogram {
		total += h
	}
	return total
}

func (e *EdgeCalibration) setCurve(curve []float32, good bool) {
	e.Curve = curve
	e.good = good
	e.knownMax = saturationStart(curve)
}

// recalibrate builds a curve from the histogram and installs it if it passes
// the quality checks. Otherwise the last good curve, or a linear one, stays.
func (e *EdgeCalibration) recalibrate(p CurveParams) (CalibrationStatus, float64) {
	curve := BuildCurve(e.Histogram, p.Unit)
	status, confidence, value := EvaluateCurve(e.Histogram, curve, p)
	e.Status = status
	e.Confidence = confidence
	if status == Ready {
		e.setCurve(curve, true)
		return status, value
	}
	if !e.good {
		e.setCurve(LinearCurve(p), false)
	}
	return status, value
}

// value returns the curve at fine, extrapolating past the saturated tail
// when the board runs hotter than at calibration time.
func (e *EdgeCalibration) value(fine int, tempDelta float64, coef float64, compensate bool) float64 {
	v := float64(e.Curve[fine])
	if !compensate {
		return v
	}
	if fine > e.knownMax && tempDelta > 0 && e.knownMax >= 1 {
		slope := float64(e.Curve[e.knownMax] - e.Curve[e.knownMax-1])
		v = float64(e.Curve[e.knownMax]) + float64(fine-e.knownMax)*slope
	}
	return v * (1 + coef*tempDelta)
}

// TrimmedStats returns mean and standard deviation after dropping trim of
// the samples from each tail.
func TrimmedStats(samples []float64, trim float64) (float64, float64, int) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	cut := int(math.Floor(trim * float64(len(sorted))))
	kept := sorted[cut : len(sorted)-cut]
	if len(kept) == 0 {
		return 0, 0, 0
	}
	mean := stat.Mean(kept, nil)
	if len(kept) < 2 {
		return mean, 0, len(kept)
	}
	return mean, stat.StdDev(kept, nil), len(kept)
}
