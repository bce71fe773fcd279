// Package scoring implements the pure ranking math: price tiers,
// logarithmic normalization, weighted totals and rank determination.
// Nothing in here touches storage or the network.
package scoring

import (
	"math"
	"sort"

	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

// Metric labels recognized by the weighted total.
const (
	MetricServicePrice  = "service_price"
	MetricServiceVolume = "service_volume"
	MetricSiteSize      = "site_size"
)

// DefaultRank is returned when no usable threshold exists.
const DefaultRank = "D"

// Log-normalization bounds, in log10 space.
const (
	defaultMinLog = 1.0
	defaultMaxLog = 6.0
)

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// LogScore maps a raw magnitude onto a 0..10 scale in log10 space using
// the default bounds. Non-positive input scores zero.
func LogScore(x float64) float64 {
	return LogScoreBounded(x, defaultMinLog, defaultMaxLog)
}

// LogScoreBounded is LogScore with explicit log10 bounds.
func LogScoreBounded(x, minLog, maxLog float64) float64 {
	if x <= 0 {
		return 0
	}
	if maxLog <= minLog {
		return 0
	}
	score := (math.Log10(x) - minLog) / (maxLog - minLog) * 10
	return Clamp(score, 0, 10)
}

// PriceTier buckets a service price (yen) onto the 0..10 scale.
func PriceTier(price float64) float64 {
	switch {
	case price >= 100000:
		return 10.0
	case price >= 60000:
		return 7.5
	case price >= 30000:
		return 5.0
	case price >= 10000:
		return 2.5
	default:
		return 0.0
	}
}

// MetricValue returns the weight configured for label, or 0 when the
// label is absent. The first matching entry wins.
func MetricValue(metrics []ranker.WeightedMetric, label string) float64 {
	for _, m := range metrics {
		if m.Label == label {
			return m.Value
		}
	}
	return 0
}

// TotalWeight combines the three component scores using the configured
// metric weights.
func TotalWeight(metrics []ranker.WeightedMetric, priceScore, volumeScore, sizeScore float64) float64 {
	return MetricValue(metrics, MetricServicePrice)*priceScore +
		MetricValue(metrics, MetricServiceVolume)*volumeScore +
		MetricValue(metrics, MetricSiteSize)*sizeScore
}

// DetermineRank picks the rank label for a total weight. Thresholds are
// considered highest first; the first one the weight meets or exceeds
// wins, with ascending label order breaking ties. When no threshold
// qualifies, the label with the lowest threshold is returned. Entries
// with empty labels or NaN values are ignored; duplicate labels keep
// their first valid occurrence.
func DetermineRank(weight float64, thresholds []ranker.RankThreshold) string {
	seen := make(map[string]struct{}, len(thresholds))
	valid := make([]ranker.RankThreshold, 0, len(thresholds))
	for _, th := range thresholds {
		if th.Label == "" || math.IsNaN(th.Value) {
			continue
		}
		if _, ok := seen[th.Label]; ok {
			continue
		}
		seen[th.Label] = struct{}{}
		valid = append(valid, th)
	}
	if len(valid) == 0 {
		return DefaultRank
	}

	sort.SliceStable(valid, func(i, j int) bool {
		if valid[i].Value != valid[j].Value {
			return valid[i].Value > valid[j].Value
		}
		return valid[i].Label < valid[j].Label
	})

	for _, th := range valid {
		if weight >= th.Value {
			return th.Label
		}
	}
	return valid[len(valid)-1].Label
}
