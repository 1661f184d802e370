package gate

import (
	"math"
	"sort"
	"strconv"
)

type statistic struct {
	name  string
	value float64
}

// describe computes the descriptive statistics a response may quote, in a
// fixed order.
func describe(values []float64) []statistic {
	n := float64(len(values))
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / n

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}

	median := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		median = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}

	stats := []statistic{
		{"mean", mean},
		{"median", median},
		{"min", sorted[0]},
		{"max", sorted[len(sorted)-1]},
		{"range", sorted[len(sorted)-1] - sorted[0]},
		{"std", math.Sqrt(sq / n)},
	}
	if len(values) > 1 {
		stats = append(stats, statistic{"sample_std", math.Sqrt(sq / (n - 1))})
	}
	return stats
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
