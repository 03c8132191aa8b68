package tuner

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/floegence/evidra/internal/tuningstore"
	"github.com/floegence/evidra/internal/veracity"
)

const (
	StatusOK               = "ok"
	StatusInsufficientData = "insufficient_data"
)

const (
	// Confidence bands for false-positive/false-negative accounting.
	highConfidence = 70.0
	lowConfidence  = 40.0

	// Largest penalty movement a single tuning run may request per
	// fault type, at full strength.
	maxStepPoints = 5.0

	defaultWindow     = 30 * 24 * time.Hour
	defaultMinSamples = 10
)

// AnalyzeOptions select the feedback slice to aggregate.
type AnalyzeOptions struct {
	Window     time.Duration
	Project    string
	MinSamples int
	Now        time.Time
}

func (o AnalyzeOptions) normalized() AnalyzeOptions {
	if o.Window <= 0 {
		o.Window = defaultWindow
	}
	if o.MinSamples <= 0 {
		o.MinSamples = defaultMinSamples
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	o.Project = strings.TrimSpace(o.Project)
	return o
}

// FaultStat summarizes how one fault type relates to feedback outcomes.
// Partial verdicts are excluded; they carry no correctness signal.
type FaultStat struct {
	Fired               int     `json:"fired"`
	Absent              int     `json:"absent"`
	IncorrectWhenFired  float64 `json:"incorrect_when_fired"`
	IncorrectWhenAbsent float64 `json:"incorrect_when_absent"`
}

// Analysis is the aggregated view of feedback inside one window.
type Analysis struct {
	Status      string `json:"status"`
	Project     string `json:"project,omitempty"`
	SampleCount int    `json:"sample_count"`
	MinSamples  int    `json:"min_samples"`

	Correct     int     `json:"correct"`
	Incorrect   int     `json:"incorrect"`
	Partial     int     `json:"partial"`
	CorrectRate float64 `json:"correct_rate"`

	// Mean confidence of the packets behind correct and incorrect
	// verdicts; a well-calibrated validator keeps the first above the
	// second.
	MeanConfidenceCorrect   float64 `json:"mean_confidence_correct"`
	MeanConfidenceIncorrect float64 `json:"mean_confidence_incorrect"`

	// FalsePositiveRate is the share of high-confidence packets judged
	// incorrect; FalseNegativeRate the share of low-confidence packets
	// judged correct.
	FalsePositiveRate float64 `json:"false_positive_rate"`
	FalseNegativeRate float64 `json:"false_negative_rate"`

	// Correlation is the Pearson correlation between confidence score
	// and verified correctness.
	Correlation float64 `json:"correlation"`

	FaultStats map[veracity.FaultType]FaultStat `json:"fault_stats,omitempty"`
}

// AnalyzeFeedback aggregates feedback joined to shipped verdicts inside
// the window. When fewer than MinSamples rows exist the analysis comes
// back with an insufficient-data status; callers must not tune on it.
func (t *Tuner) AnalyzeFeedback(ctx context.Context, opts AnalyzeOptions) (Analysis, error) {
	if t == nil || t.store == nil {
		return Analysis{}, errors.New("tuner not initialized")
	}
	opts = opts.normalized()

	since := opts.Now.Add(-opts.Window).UnixMilli()
	joined, err := t.store.ListJoinedFeedback(ctx, opts.Project, since)
	if err != nil {
		return Analysis{}, err
	}

	a := Analysis{
		Project:     opts.Project,
		SampleCount: len(joined),
		MinSamples:  opts.MinSamples,
	}
	for _, j := range joined {
		switch j.Verdict {
		case tuningstore.VerdictCorrect:
			a.Correct++
		case tuningstore.VerdictIncorrect:
			a.Incorrect++
		default:
			a.Partial++
		}
	}
	a.CorrectRate = rate(a.Correct, a.SampleCount)
	if a.SampleCount < a.MinSamples {
		a.Status = StatusInsufficientData
		return a, nil
	}
	a.Status = StatusOK

	var (
		highTotal, highIncorrect int
		lowTotal, lowCorrect     int
		confCorrect              float64
		confIncorrect            float64
		scores, outcomes         []float64
	)
	stats := map[veracity.FaultType]*faultAgg{}
	for _, faultType := range veracity.FaultTypes {
		stats[faultType] = &faultAgg{}
	}

	for _, j := range joined {
		if j.Verdict == tuningstore.VerdictPartial {
			continue
		}
		incorrect := j.Verdict == tuningstore.VerdictIncorrect

		if j.ConfidenceScore >= highConfidence {
			highTotal++
			if incorrect {
				highIncorrect++
			}
		}
		if j.ConfidenceScore < lowConfidence {
			lowTotal++
			if !incorrect {
				lowCorrect++
			}
		}

		scores = append(scores, j.ConfidenceScore)
		if incorrect {
			confIncorrect += j.ConfidenceScore
			outcomes = append(outcomes, 0)
		} else {
			confCorrect += j.ConfidenceScore
			outcomes = append(outcomes, 1)
		}

		for _, faultType := range veracity.FaultTypes {
			agg := stats[faultType]
			if j.FaultCounts[faultType] > 0 {
				agg.firedTotal++
				if incorrect {
					agg.firedIncorrect++
				}
			} else {
				agg.absentTotal++
				if incorrect {
					agg.absentIncorrect++
				}
			}
		}
	}

	if a.Correct > 0 {
		a.MeanConfidenceCorrect = confCorrect / float64(a.Correct)
	}
	if a.Incorrect > 0 {
		a.MeanConfidenceIncorrect = confIncorrect / float64(a.Incorrect)
	}
	a.FalsePositiveRate = rate(highIncorrect, highTotal)
	a.FalseNegativeRate = rate(lowCorrect, lowTotal)
	a.Correlation = pearson(scores, outcomes)

	a.FaultStats = make(map[veracity.FaultType]FaultStat, len(stats))
	for faultType, agg := range stats {
		a.FaultStats[faultType] = FaultStat{
			Fired:               agg.firedTotal,
			Absent:              agg.absentTotal,
			IncorrectWhenFired:  rate(agg.firedIncorrect, agg.firedTotal),
			IncorrectWhenAbsent: rate(agg.absentIncorrect, agg.absentTotal),
		}
	}
	return a, nil
}

// CalculateAdjustments turns an analysis into bounded per-fault-type
// penalty deltas. A fault type that fires on packets judged incorrect
// more often than on packets where it stays silent earns a larger
// penalty; one that fires on packets that turn out fine gets shrunk.
// Deltas scale with strength and never exceed maxStepPoints.
func (t *Tuner) CalculateAdjustments(ctx context.Context, opts AnalyzeOptions, strength float64) (map[veracity.FaultType]float64, Analysis, error) {
	analysis, err := t.AnalyzeFeedback(ctx, opts)
	if err != nil {
		return nil, Analysis{}, err
	}
	if analysis.Status != StatusOK {
		return map[veracity.FaultType]float64{}, analysis, nil
	}

	strength = clampStrength(strength)
	adjustments := make(map[veracity.FaultType]float64)
	for faultType, stat := range analysis.FaultStats {
		// No contrast without samples on both sides.
		if stat.Fired == 0 || stat.Absent == 0 {
			continue
		}
		delta := (stat.IncorrectWhenFired - stat.IncorrectWhenAbsent) * strength * maxStepPoints
		if delta > maxStepPoints {
			delta = maxStepPoints
		}
		if delta < -maxStepPoints {
			delta = -maxStepPoints
		}
		delta = math.Round(delta*100) / 100
		if delta == 0 {
			continue
		}
		adjustments[faultType] = delta
	}
	return adjustments, analysis, nil
}

type faultAgg struct {
	firedIncorrect  int
	firedTotal      int
	absentIncorrect int
	absentTotal     int
}

func clampStrength(strength float64) float64 {
	if strength < 0 || math.IsNaN(strength) {
		return 0
	}
	if strength > 1 {
		return 1
	}
	return strength
}

func rate(part, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total)
}

func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n == 0 || n != len(ys) {
		return 0
	}
	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}
