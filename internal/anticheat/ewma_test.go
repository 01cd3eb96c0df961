package anticheat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEWMA(t *testing.T) {
	// s = 5 -> 7 -> 12.2 -> 19.32
	got := EWMA([]float64{10, 20, 30}, 0.4, 5)
	assert.InDelta(t, 19.32, got, 0.001)

	assert.Equal(t, 42.0, EWMA(nil, 0.4, 42))
}

func TestSkewEstimatorObserve(t *testing.T) {
	var s SkewEstimator
	assert.False(t, s.Primed())

	s.Observe(1500, 1000)
	assert.True(t, s.Primed())
	assert.InDelta(t, 500, s.OffsetMs(), 0.001)
	assert.Equal(t, int64(1000), s.Normalize(1500))

	// A stable offset stays put.
	s.Observe(2500, 2000)
	assert.InDelta(t, 500, s.OffsetMs(), 0.001)
}

func TestSkewEstimatorClamp(t *testing.T) {
	var s SkewEstimator
	s.Observe(10_000, 0)
	assert.Equal(t, 600.0, s.OffsetMs())

	var neg SkewEstimator
	neg.Observe(0, 10_000)
	assert.Equal(t, -600.0, neg.OffsetMs())
}

func TestRestoreSkew(t *testing.T) {
	s := RestoreSkew(120, true)
	assert.True(t, s.Primed())
	assert.Equal(t, 120.0, s.OffsetMs())
	assert.Equal(t, int64(880), s.Normalize(1000))
}
