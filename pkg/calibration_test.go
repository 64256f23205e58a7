package tdcstream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillUniform(c *Calibrator, ch int, e Edge, lo, hi int, count int) {
	for fine := lo; fine <= hi; fine++ {
		for i := 0; i < count; i++ {
			c.Accumulate(ch, e, fine)
		}
	}
}

func TestUniformHistogramGivesLinearCurve(t *testing.T) {
	config := testConfiguration()
	c := NewCalibrator(1, 1, config)
	fillUniform(c, 0, Rising, config.FineMin, config.FineMax, 20)

	errs := c.Calibrate()
	assert.Empty(t, errs)
	require.True(t, c.Ready(0, Rising))

	curve := c.Channel(0).Rising.Curve
	require.Len(t, curve, config.FineBins)
	width := float64(config.FineMax - config.FineMin + 1)
	for fine := config.FineMin; fine <= config.FineMax; fine++ {
		want := config.CoarseUnit * (float64(fine-config.FineMin) + 0.5) / width
		assert.InDelta(t, want, float64(curve[fine]), 0.01*config.CoarseUnit, "fine %d", fine)
	}
}

func TestCurveMonotonicAndBounded(t *testing.T) {
	config := testConfiguration()
	hist := make([]uint64, config.FineBins)
	for i := config.FineMin; i <= config.FineMax; i++ {
		hist[i] = uint64(1 + (i*7919)%13)
	}
	curve := BuildCurve(hist, config.CoarseUnit)
	for i := 1; i < len(curve); i++ {
		assert.GreaterOrEqual(t, curve[i], curve[i-1])
	}
	for _, v := range curve {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.Less(t, float64(v), config.CoarseUnit)
	}
	linear := LinearCurve(curveParams(config))
	assert.Less(t, float64(linear[len(linear)-1]), config.CoarseUnit)
}

func TestCalibrationFallbacks(t *testing.T) {
	config := testConfiguration()
	tests := []struct {
		name string
		fill func(c *Calibrator)
		want CalibrationStatus
		kind CalibrationErrorKind
	}{
		{"low statistic", func(c *Calibrator) {
			fillUniform(c, 0, Rising, 100, 109, 1)
		}, LowStat, LowStatistic},
		{"fine min too high", func(c *Calibrator) {
			fillUniform(c, 0, Rising, 100, config.FineMax, 2)
		}, BadFineMin, BadFineRange},
		{"fine max too low", func(c *Calibrator) {
			fillUniform(c, 0, Rising, config.FineMin, 400, 2)
		}, BadFineMax, BadFineRange},
		{"holes", func(c *Calibrator) {
			for fine := config.FineMin; fine <= config.FineMax; fine += 2 {
				c.Accumulate(0, Rising, fine)
				c.Accumulate(0, Rising, fine)
			}
		}, BadStat, LowStatistic},
		{"non linear", func(c *Calibrator) {
			fillUniform(c, 0, Rising, config.FineMin, 260, 100)
			fillUniform(c, 0, Rising, 261, config.FineMax, 1)
		}, NonLinear, NonLinearCurve},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCalibrator(7, 1, config)
			tt.fill(c)
			errs := c.Calibrate()
			require.Len(t, errs, 1)
			var calErr *CalibrationError
			require.True(t, errors.As(errs[0], &calErr))
			assert.Equal(t, tt.kind, calErr.Kind)
			assert.Equal(t, tt.want, c.Channel(0).Rising.Status)
			assert.False(t, c.Ready(0, Rising))
			// no good curve yet, the linear fallback is installed
			assert.Equal(t, LinearCurve(curveParams(config)), c.Channel(0).Rising.Curve)
		})
	}
}

func TestFailedRecalibrationKeepsLastGoodCurve(t *testing.T) {
	config := testConfiguration()
	c := NewCalibrator(7, 1, config)
	fillUniform(c, 0, Falling, config.FineMin, config.FineMax, 5)
	require.Empty(t, c.Calibrate())
	good := append([]float32(nil), c.Channel(0).Falling.Curve...)

	c.Reset()
	fillUniform(c, 0, Falling, 200, 210, 1)
	errs := c.Calibrate()
	require.Len(t, errs, 1)
	assert.Equal(t, LowStat, c.Channel(0).Falling.Status)
	assert.Equal(t, good, c.Channel(0).Falling.Curve)
}

func TestToTCalibration(t *testing.T) {
	config := testConfiguration()
	c := NewCalibrator(1, 2, config)
	for i := 0; i < 200; i++ {
		tot := 30.45e-9
		if i%2 == 0 {
			tot = 30.55e-9
		}
		c.AddToT(0, tot)
		c.AddToT(1, 28e-9+float64(i%2)*5e-9)
	}
	errs := c.Calibrate()
	require.Len(t, errs, 1)
	var calErr *CalibrationError
	require.True(t, errors.As(errs[0], &calErr))
	assert.Equal(t, ToTOutOfTolerance, calErr.Kind)
	assert.Equal(t, 1, calErr.Channel)

	assert.Equal(t, Ready, c.Channel(0).ToTStatus)
	assert.InDelta(t, 0.5e-9, c.ToTShift(0), 1e-12)
	assert.Equal(t, 0.0, c.ToTShift(1))

	fine := 250
	assert.InDelta(t, c.RawCorrection(0, Falling, fine)+0.5e-9, c.Correction(0, Falling, fine), 1e-12)
	assert.Equal(t, c.RawCorrection(0, Rising, fine), c.Correction(0, Rising, fine))
}

func TestToTNeedsMinimumCount(t *testing.T) {
	config := testConfiguration()
	c := NewCalibrator(1, 1, config)
	for i := 0; i < config.ToTMinCount-1; i++ {
		c.AddToT(0, 31e-9)
	}
	// out of range samples are ignored
	c.AddToT(0, -1e-9)
	c.AddToT(0, 2*config.ToTRange)
	assert.Empty(t, c.Calibrate())
	assert.Equal(t, Accumulating, c.Channel(0).ToTStatus)
}

func TestToTSamplesAreBounded(t *testing.T) {
	config := testConfiguration()
	config.ToTMaxCount = 150
	c := NewCalibrator(1, 1, config)
	for i := 0; i < 1000; i++ {
		c.AddToT(0, 31e-9)
	}
	assert.LessOrEqual(t, len(c.Channel(0).tots), config.ToTMaxCount)
	assert.GreaterOrEqual(t, len(c.Channel(0).tots), config.ToTMaxCount/2)

	assert.Empty(t, c.Calibrate())
	assert.Equal(t, Ready, c.Channel(0).ToTStatus)
	assert.Empty(t, c.Channel(0).tots)
	assert.InDelta(t, 1e-9, c.ToTShift(0), 1e-12)
}

func TestExtraShiftMovesBothEdges(t *testing.T) {
	config := testConfiguration()
	c := NewCalibrator(1, 1, config)
	before := c.Correction(0, Rising, 100)
	beforeFalling := c.Correction(0, Falling, 100)
	c.Channel(0).ExtraShift = 1e-9
	assert.InDelta(t, before+1e-9, c.Correction(0, Rising, 100), 1e-15)
	assert.InDelta(t, beforeFalling+1e-9, c.Correction(0, Falling, 100), 1e-15)
}

func TestTemperatureCompensation(t *testing.T) {
	config := testConfiguration()
	config.TempCompensation = true
	config.TempCoefficient = 0.01
	c := NewCalibrator(1, 1, config)
	linear := LinearCurve(curveParams(config))

	// unknown temperature, no scaling
	assert.InDelta(t, float64(linear[200]), c.RawCorrection(0, Rising, 200), 1e-15)

	c.SetTemperature(30)
	assert.InDelta(t, float64(linear[200]), c.RawCorrection(0, Rising, 200), 1e-15)

	c.SetTemperature(32)
	assert.InDelta(t, float64(linear[200])*1.02, c.RawCorrection(0, Rising, 200), 1e-15)

	// past the saturated tail the curve is extrapolated when warmer
	assert.Greater(t, c.RawCorrection(0, Rising, config.FineMax+9), c.RawCorrection(0, Rising, config.FineMax))

	c.SetTemperature(30 + config.TempSanity + 1)
	assert.InDelta(t, float64(linear[200]), c.RawCorrection(0, Rising, 200), 1e-15)
}

func TestTemperatureCompensationDisabled(t *testing.T) {
	config := testConfiguration()
	config.TempCoefficient = 0.01
	c := NewCalibrator(1, 1, config)
	linear := LinearCurve(curveParams(config))
	c.SetTemperature(30)
	c.SetTemperature(35)
	assert.InDelta(t, float64(linear[200]), c.RawCorrection(0, Rising, 200), 1e-15)
}

func TestAutoCalibrationOneShot(t *testing.T) {
	config := testConfiguration()
	config.AutoCalibration = 300
	config.OneShot = true
	c := NewCalibrator(1, 2, config)
	require.True(t, c.AutoArmed())

	fillUniform(c, 0, Rising, config.FineMin, 100, 1)
	done, _ := c.MaybeAutoCalibrate()
	assert.False(t, done)
	assert.Less(t, c.Progress(), 1.0)

	fillUniform(c, 0, Rising, 101, config.FineMax, 1)
	done, errs := c.MaybeAutoCalibrate()
	assert.True(t, done)
	assert.Empty(t, errs)
	assert.True(t, c.Ready(0, Rising))
	assert.False(t, c.AutoArmed())
	assert.Equal(t, uint64(0), c.Channel(0).Rising.Statistic())

	fillUniform(c, 0, Rising, config.FineMin, config.FineMax, 1)
	done, _ = c.MaybeAutoCalibrate()
	assert.False(t, done)
}

func TestAutoCalibrationRepeats(t *testing.T) {
	config := testConfiguration()
	config.AutoCalibration = 200
	c := NewCalibrator(1, 1, config)
	for round := 0; round < 2; round++ {
		fillUniform(c, 0, Falling, config.FineMin, config.FineMax, 1)
		done, _ := c.MaybeAutoCalibrate()
		assert.True(t, done, "round %d", round)
		assert.True(t, c.AutoArmed())
	}
}

func TestCalibrationMask(t *testing.T) {
	config := testConfiguration()
	config.CalibrationMask = 1<<2 | 1<<0xD
	c := NewCalibrator(1, 1, config)
	assert.True(t, c.Accepts(2))
	assert.True(t, c.Accepts(0xD))
	assert.False(t, c.Accepts(3))
	assert.False(t, c.Accepts(40))
	assert.True(t, c.IsToTKind(0xD))
	assert.False(t, c.IsToTKind(2))
}

func TestTrimmedStats(t *testing.T) {
	samples := []float64{10, 1, 9, 2, 8, 3, 7, 4, 6, 5}
	mean, std, n := TrimmedStats(samples, 0.1)
	assert.Equal(t, 8, n)
	assert.InDelta(t, 5.5, mean, 1e-12)
	assert.Greater(t, std, 0.0)

	_, _, n = TrimmedStats(nil, 0.1)
	assert.Equal(t, 0, n)
}
