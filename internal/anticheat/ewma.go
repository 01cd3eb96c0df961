package anticheat

// EWMA folds values into an exponentially-weighted moving average starting
// from seed: s = s + alpha*(v - s) for each value in order.
func EWMA(values []float64, alpha, seed float64) float64 {
	s := seed
	for _, v := range values {
		s += alpha * (v - s)
	}
	return s
}

// skewAlpha weights the clock-skew estimate; skewClampMs bounds how far a
// client clock is ever trusted to drift.
const (
	skewAlpha   = 0.4
	skewClampMs = 600
)

// SkewEstimator tracks one user's client-clock offset from server time.
// Offsets are EWMA-smoothed and clamped so a lying clock cannot push
// samples arbitrarily far in either direction.
type SkewEstimator struct {
	offsetMs float64
	primed   bool
}

// Observe folds one (clientMs, serverMs) observation into the estimate.
func (s *SkewEstimator) Observe(clientMs, serverMs int64) {
	raw := float64(clientMs - serverMs)
	if !s.primed {
		s.offsetMs = raw
		s.primed = true
	} else {
		s.offsetMs += skewAlpha * (raw - s.offsetMs)
	}
	if s.offsetMs > skewClampMs {
		s.offsetMs = skewClampMs
	} else if s.offsetMs < -skewClampMs {
		s.offsetMs = -skewClampMs
	}
}

// Normalize converts a client timestamp to server time using the current
// offset estimate.
func (s *SkewEstimator) Normalize(clientMs int64) int64 {
	return clientMs - int64(s.offsetMs)
}

// OffsetMs exposes the current estimate, mainly for diagnostics.
func (s *SkewEstimator) OffsetMs() float64 {
	return s.offsetMs
}

// Primed reports whether at least one observation was folded in.
func (s *SkewEstimator) Primed() bool {
	return s.primed
}

// RestoreSkew rebuilds an estimator from persisted state.
func RestoreSkew(offsetMs float64, primed bool) *SkewEstimator {
	return &SkewEstimator{offsetMs: offsetMs, primed: primed}
}
