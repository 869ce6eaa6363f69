package engine

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// sigmaFloor: below this spread the z-score is meaningless and the
// outlier filter is skipped.
const sigmaFloor = 1e-3

// minOutlierN: the filter needs enough samples for mu/sigma to be
// trustworthy.
const minOutlierN = 4

// Aggregator turns one tick's weighted inputs into a ConsensusResult per
// parameter. It is stateless; the smoothing baseline is threaded in by
// the caller (the Core owns previous values).
type Aggregator struct {
	OutlierThreshold float64 // z-score cutoff
	ClusterThreshold float64 // gap that splits clusters
}

// Combine runs outlier rejection, the parameter's consensus mode,
// smoothing, and confidence. prev is the smoothing baseline (seeded with
// the parameter default at registration, so it always exists).
// skipSmoothing is set by the Core for the tick following a lock
// release, so the output does not ramp from the locked value.
func (a *Aggregator) Combine(spec ParameterSpec, inputs []WeightedInput, prev float64, skipSmoothing bool, nowMs int64) ConsensusResult {
	res := ConsensusResult{
		Parameter: spec.Name,
		Mode:      spec.Mode.String(),
		Timestamp: nowMs,
	}

	if len(inputs) == 0 {
		res.Value = spec.Clamp(prev)
		res.RawMean = prev
		res.WeightedMean = prev
		return res
	}

	values := make([]float64, len(inputs))
	weights := make([]float64, len(inputs))
	for i, in := range inputs {
		values[i] = in.Value
		weights[i] = in.Weight
	}
	res.RawMean = stat.Mean(values, nil)
	res.InputCount = len(inputs)

	survivors := a.rejectOutliers(inputs, values, weights)
	res.ParticipationRate = float64(len(survivors)) / float64(len(inputs))

	sv := make([]float64, len(survivors))
	sw := make([]float64, len(survivors))
	for i, in := range survivors {
		sv[i] = in.Value
		sw[i] = in.Weight
	}
	res.WeightedMean = stat.Mean(sv, sw)
	if len(survivors) >= 2 {
		res.StdDev = stat.PopStdDev(sv, sw)
	}

	var target float64
	switch spec.Mode {
	case ModeMedian:
		target = medianByValue(survivors)
	case ModeMajority:
		report := a.analyzeClusters(survivors)
		res.Clusters = report
		if report != nil && report.Dominant >= 0 {
			target = report.Clusters[report.Dominant].Centroid
		} else {
			target = res.WeightedMean
		}
	default:
		target = res.WeightedMean
	}

	if skipSmoothing {
		res.Value = spec.Clamp(target)
	} else {
		res.Value = spec.Clamp(prev + spec.Smoothing*(target-prev))
	}

	res.Confidence = 1 - 2*res.StdDev
	if res.Confidence < 0 {
		res.Confidence = 0
	}
	return res
}

// rejectOutliers drops inputs whose z-score against the weighted mean
// exceeds the threshold. Skipped for small N or degenerate sigma.
func (a *Aggregator) rejectOutliers(inputs []WeightedInput, values, weights []float64) []WeightedInput {
	if len(inputs) < minOutlierN {
		return inputs
	}
	mu := stat.Mean(values, weights)
	sigma := stat.PopStdDev(values, weights)
	if sigma < sigmaFloor {
		return inputs
	}
	kept := make([]WeightedInput, 0, len(inputs))
	for _, in := range inputs {
		z := (in.Value - mu) / sigma
		if z < 0 {
			z = -z
		}
		if z <= a.OutlierThreshold {
			kept = append(kept, in)
		}
	}
	if len(kept) == 0 {
		// Pathological: everything rejected. Keep the originals rather
		// than emit a result derived from nothing.
		return inputs
	}
	return kept
}

// medianByValue is the weight-ignoring median of the surviving inputs.
// Even counts resolve to the lower-middle element.
func medianByValue(inputs []WeightedInput) float64 {
	if len(inputs) == 0 {
		return 0
	}
	vals := make([]float64, len(inputs))
	for i, in := range inputs {
		vals[i] = in.Value
	}
	sort.Float64s(vals)
	return vals[(len(vals)-1)/2]
}
