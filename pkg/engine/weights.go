package engine

import (
	"math"
	"sort"
)

// venueScale normalizes distance-to-stage: D = 100 venue units.
const venueScale = 100.0

// WeightConfig carries the weighting knobs, built from params.Config at
// wiring time.
type WeightConfig struct {
	SpatialDecay     float64 // alpha in exp(-alpha * d/D)
	TemporalDecay    float64 // beta in exp(-beta * age/window)
	ClusterThreshold float64 // agreement neighborhood
	WindowMs         int64

	// Mix coefficients, sum ~1.
	SpatialAlpha   float64
	TemporalBeta   float64
	ConsensusGamma float64

	Stage Location
}

// temporalFloor is the weight of an input older than the window. Such
// inputs normally get pruned before weighting; the floor covers the race
// where one is snapshotted right at the boundary.
const temporalFloor = 0.01

// SpatialWeight favors inputs close to the stage. Inputs without a
// location sit at the neutral 0.5.
func (c WeightConfig) SpatialWeight(loc *Location) float64 {
	if loc == nil {
		return 0.5
	}
	dx := loc.X - c.Stage.X
	dy := loc.Y - c.Stage.Y
	d := math.Hypot(dx, dy)
	return math.Exp(-c.SpatialDecay * d / venueScale)
}

// TemporalWeight decays with input age relative to the buffer window.
func (c WeightConfig) TemporalWeight(receivedAt, nowMs int64) float64 {
	age := nowMs - receivedAt
	if age < 0 {
		age = 0
	}
	if age > c.WindowMs {
		return temporalFloor
	}
	return math.Exp(-c.TemporalDecay * float64(age) / float64(c.WindowMs))
}

// ComputeWeights derives the tick's WeightedInputs for one parameter.
//
// Agreement is the fraction of peers whose value lies within
// ClusterThreshold of the input, excluding self. The naive form is
// quadratic in peers; sorting once and binary-searching the neighborhood
// per input keeps it O(N log N).
func (c WeightConfig) ComputeWeights(inputs []AudienceInput, nowMs int64) []WeightedInput {
	n := len(inputs)
	if n == 0 {
		return nil
	}

	sorted := make([]float64, n)
	for i, in := range inputs {
		sorted[i] = in.Value
	}
	sort.Float64s(sorted)

	out := make([]WeightedInput, n)
	for i, in := range inputs {
		ws := c.SpatialWeight(in.Location)
		wt := c.TemporalWeight(in.ReceivedAt, nowMs)
		wa := agreementFraction(sorted, in.Value, c.ClusterThreshold)

		combined := ws*c.SpatialAlpha + wt*c.TemporalBeta + wa*c.ConsensusGamma
		if combined < MinWeight {
			combined = MinWeight
		}
		if combined > 1 {
			combined = 1
		}

		out[i] = WeightedInput{
			AudienceInput:   in,
			SpatialWeight:   ws,
			TemporalWeight:  wt,
			AgreementWeight: wa,
			Weight:          combined,
		}
	}
	return out
}

// agreementFraction counts peers of v within threshold in the sorted
// value slice (which includes v itself) and returns the excluding-self
// fraction. With one peer or fewer there is no crowd to agree with and
// agreement is full.
func agreementFraction(sorted []float64, v, threshold float64) float64 {
	n := len(sorted)
	if n <= 2 {
		return 1.0
	}
	lo := sort.SearchFloat64s(sorted, v-threshold)
	hi := sort.SearchFloat64s(sorted, v+threshold)
	// Extend hi over values equal to v+threshold (inclusive bound).
	for hi < n && sorted[hi] <= v+threshold {
		hi++
	}
	within := hi - lo - 1 // exclude self
	if within < 0 {
		within = 0
	}
	return float64(within) / float64(n-1)
}
