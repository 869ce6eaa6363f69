package engine

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// bimodalShare: two clusters each holding more than this share of total
// weight flag crowd disagreement rather than noise.
const bimodalShare = 0.3

// analyzeClusters runs the single-pass gap clustering used by
// majority-vote parameters: sort surviving values ascending, split on
// gaps wider than the threshold, rank clusters by density (sum of member
// weights). Density ties resolve to the lower centroid.
func (a *Aggregator) analyzeClusters(inputs []WeightedInput) *ClusterReport {
	if len(inputs) == 0 {
		return nil
	}

	sorted := make([]WeightedInput, len(inputs))
	copy(sorted, inputs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value < sorted[j].Value })

	var clusters []InputCluster
	start := 0
	for i := 1; i <= len(sorted); i++ {
		if i == len(sorted) || sorted[i].Value-sorted[i-1].Value > a.ClusterThreshold {
			clusters = append(clusters, buildCluster(sorted[start:i], a.ClusterThreshold))
			start = i
		}
	}

	report := &ClusterReport{Clusters: clusters, Dominant: -1}

	total := 0.0
	for _, c := range clusters {
		total += c.Density
	}
	if total <= 0 {
		return report
	}

	// Dominant cluster: max density; strict > keeps the first (lowest
	// centroid) on exact ties since clusters are in ascending order.
	best := 0
	for i := 1; i < len(clusters); i++ {
		if clusters[i].Density > clusters[best].Density {
			best = i
		}
	}
	report.Dominant = best

	probs := make([]float64, len(clusters))
	for i, c := range clusters {
		probs[i] = c.Density / total
	}
	report.Entropy = stat.Entropy(probs) / math.Ln2

	if len(clusters) >= 2 {
		shares := make([]float64, len(probs))
		copy(shares, probs)
		sort.Sort(sort.Reverse(sort.Float64Slice(shares)))
		report.Bimodal = shares[0] > bimodalShare && shares[1] > bimodalShare
	}
	return report
}

// buildCluster folds one gap-delimited run of sorted inputs into an
// InputCluster. The centroid is the weight-weighted mean of the members.
func buildCluster(members []WeightedInput, threshold float64) InputCluster {
	sumW := 0.0
	centroid := 0.0
	for _, m := range members {
		sumW += m.Weight
		centroid += m.Weight * m.Value
	}
	if sumW > 0 {
		centroid /= sumW
	}

	// Coherence: how tightly members sit around the centroid, relative
	// to the split threshold.
	spread := 0.0
	for _, m := range members {
		spread += m.Weight * math.Abs(m.Value-centroid)
	}
	if sumW > 0 {
		spread /= sumW
	}
	coherence := 1 - spread/threshold
	if coherence < 0 {
		coherence = 0
	}

	return InputCluster{
		Centroid:  centroid,
		Members:   len(members),
		Density:   sumW,
		Coherence: coherence,
	}
}
