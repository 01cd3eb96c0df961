package anticheat

// Keystroke timing heuristics. Each incoming sample is checked against
// three independent detectors; every trigger yields at most one incident.

// IncidentKind classifies a flagged keystroke-timing anomaly.
type IncidentKind string

const (
	IncidentPaste           IncidentKind = "paste"
	IncidentImprobableBurst IncidentKind = "improbable_burst"
	IncidentLateInput       IncidentKind = "late_input"
)

// Incident is one flagged anomaly, accumulated per round per user.
type Incident struct {
	Kind     IncidentKind `json:"kind"`
	AtMs     int64        `json:"at_ms"`
	Detail   string       `json:"detail,omitempty"`
	DeltaLen int          `json:"delta_len,omitempty"`
}

// Sample is one keystroke observation in arrival order. TimestampMs is the
// skew-corrected client timestamp; CumulativeLen is the length of the typed
// text after this keystroke.
type Sample struct {
	TimestampMs   int64 `json:"timestamp_ms"`
	CumulativeLen int   `json:"cumulative_len"`
	IsPaste       bool  `json:"is_paste,omitempty"`
	Late          bool  `json:"late,omitempty"`
}

// Detection thresholds.
const (
	lateGraceMs        = 200
	pasteMinDeltaChars = 10
	pasteMaxDeltaMs    = 50
	burstWindowMs      = 1000
	burstMaxChars      = 40
)

// Tracker accumulates one user's samples for one round and runs the
// detectors as each sample arrives.
type Tracker struct {
	roundEndMs int64
	samples    []Sample
	incidents  []Incident
}

// NewTracker creates a tracker for a round ending at roundEndMs (server time).
func NewTracker(roundEndMs int64) *Tracker {
	return &Tracker{roundEndMs: roundEndMs}
}

// ResumeTracker rebuilds a tracker from previously stored samples and
// incidents without re-running detection over them.
func ResumeTracker(roundEndMs int64, samples []Sample, incidents []Incident) *Tracker {
	return &Tracker{roundEndMs: roundEndMs, samples: samples, incidents: incidents}
}

// Add records a sample (already skew-corrected) and returns the incidents
// this sample triggered. Late samples are stored but excluded from the
// WPM series downstream.
func (t *Tracker) Add(s Sample) []Incident {
	var found []Incident

	if s.TimestampMs > t.roundEndMs+lateGraceMs {
		s.Late = true
		found = append(found, Incident{
			Kind:   IncidentLateInput,
			AtMs:   s.TimestampMs,
			Detail: "sample after round end grace period",
		})
	}

	if prev, ok := t.last(); ok || s.IsPaste {
		delta := s.CumulativeLen
		dt := int64(0)
		if ok {
			delta = s.CumulativeLen - prev.CumulativeLen
			dt = s.TimestampMs - prev.TimestampMs
		}
		if s.IsPaste || (ok && delta >= pasteMinDeltaChars && dt >= 0 && dt <= pasteMaxDeltaMs) {
			found = append(found, Incident{
				Kind:     IncidentPaste,
				AtMs:     s.TimestampMs,
				DeltaLen: delta,
			})
		}
	}

	if grown := t.windowGrowth(s); grown > burstMaxChars {
		found = append(found, Incident{
			Kind:     IncidentImprobableBurst,
			AtMs:     s.TimestampMs,
			DeltaLen: grown,
		})
	}

	t.samples = append(t.samples, s)
	t.incidents = append(t.incidents, found...)
	return found
}

// windowGrowth measures cumulative-length growth within the sliding
// burst window ending at s.
func (t *Tracker) windowGrowth(s Sample) int {
	floor := s.TimestampMs - burstWindowMs
	base := 0
	for i := len(t.samples) - 1; i >= 0; i-- {
		if t.samples[i].TimestampMs < floor {
			base = t.samples[i].CumulativeLen
			break
		}
	}
	return s.CumulativeLen - base
}

func (t *Tracker) last() (Sample, bool) {
	if len(t.samples) == 0 {
		return Sample{}, false
	}
	return t.samples[len(t.samples)-1], true
}

// Samples returns all recorded samples in arrival order, including late ones.
func (t *Tracker) Samples() []Sample {
	return t.samples
}

// Incidents returns all recorded incidents in detection order.
func (t *Tracker) Incidents() []Incident {
	return t.incidents
}
