package anticheat

import "math"

// Score computation for one user's typing round. The square root dampens
// the reward curve at very high WPM while accuracy multiplies linearly,
// and penalties are capped so one noisy heuristic cannot zero out a
// legitimate score.

const (
	wpmAlpha           = 0.4
	completionBonus    = 10
	completionAccuracy = 0.9
	pastePenalty       = 15
	burstPenaltyEach   = 5
	burstPenaltyCap    = 15
)

// RoundInput is everything needed to score one user's round.
type RoundInput struct {
	Target    string
	Typed     string
	Samples   []Sample
	Incidents []Incident
	Completed bool
}

// Result is the score breakdown published with the round outcome.
type Result struct {
	WPM            float64 `json:"wpm"`
	SmoothedWPM    float64 `json:"smoothed_wpm"`
	Accuracy       float64 `json:"accuracy"`
	AccuracyLegacy float64 `json:"accuracy_legacy"`
	Base           int     `json:"base"`
	Bonus          int     `json:"bonus"`
	PastePenalty   int     `json:"paste_penalty"`
	BurstPenalty   int     `json:"burst_penalty"`
	Final          int     `json:"final"`
}

// ScoreRound computes the final score for one user's round.
func ScoreRound(in RoundInput) Result {
	var res Result

	dist := DamerauLevenshtein(in.Target, in.Typed)
	res.Accuracy = Accuracy(in.Target, in.Typed, dist)
	res.AccuracyLegacy = Accuracy(in.Target, in.Typed, Levenshtein(in.Target, in.Typed))

	res.WPM = rawWPM(in.Samples)
	res.SmoothedWPM = smoothedWPM(in.Samples)

	res.Base = int(math.Floor(6 * math.Sqrt(res.SmoothedWPM) * res.Accuracy))
	if in.Completed && res.Accuracy >= completionAccuracy {
		res.Bonus = completionBonus
	}
	res.PastePenalty, res.BurstPenalty = penalties(in.Incidents)

	res.Final = res.Base + res.Bonus - res.PastePenalty - res.BurstPenalty
	if res.Final < 0 {
		res.Final = 0
	}
	return res
}

// penalties caps the anti-cheat deductions: one flat paste penalty no
// matter how many paste incidents were recorded, and 5 per burst capped
// at 15 total.
func penalties(incidents []Incident) (paste, burst int) {
	bursts := 0
	for _, inc := range incidents {
		switch inc.Kind {
		case IncidentPaste:
			paste = pastePenalty
		case IncidentImprobableBurst:
			bursts++
		}
	}
	burst = bursts * burstPenaltyEach
	if burst > burstPenaltyCap {
		burst = burstPenaltyCap
	}
	return paste, burst
}

// rawWPM is (typedLength/5) / minutes over the whole valid sample span.
func rawWPM(samples []Sample) float64 {
	valid := validSamples(samples)
	if len(valid) < 2 {
		return 0
	}
	first, last := valid[0], valid[len(valid)-1]
	minutes := float64(last.TimestampMs-first.TimestampMs) / 60000
	if minutes <= 0 {
		return 0
	}
	return (float64(last.CumulativeLen) / 5) / minutes
}

// smoothedWPM feeds an EWMA with one instantaneous-WPM sample per
// consecutive keystroke pair. Zero-velocity pairs are ignored so pauses
// do not drag the series to the floor; late samples are excluded entirely.
func smoothedWPM(samples []Sample) float64 {
	valid := validSamples(samples)
	var series []float64
	for i := 1; i < len(valid); i++ {
		dLen := valid[i].CumulativeLen - valid[i-1].CumulativeLen
		dtMs := valid[i].TimestampMs - valid[i-1].TimestampMs
		if dLen <= 0 || dtMs <= 0 {
			continue
		}
		minutes := float64(dtMs) / 60000
		series = append(series, (float64(dLen)/5)/minutes)
	}
	if len(series) == 0 {
		return 0
	}
	return EWMA(series[1:], wpmAlpha, series[0])
}

func validSamples(samples []Sample) []Sample {
	out := samples[:0:0]
	for _, s := range samples {
		if !s.Late {
			out = append(out, s)
		}
	}
	return out
}
