package allocate

import (
	"math"
	"sort"
)

// epsilon absorbs float error such as 2.9999999999999996 before flooring.
const epsilon = 1e-9

// LargestRemainder splits total units across weights in proportion. Each
// share is floored, and the leftover units go to the largest fractional
// remainders, ties resolved by lower index. The result always sums to total
// when total > 0 and at least one weight is positive; otherwise it is all zeros.
func LargestRemainder(weights []float64, total int) []int {
	counts := make([]int, len(weights))
	if total <= 0 || len(weights) == 0 {
		return counts
	}
	var sum float64
	for _, w := range weights {
		if w > 0 {
			sum += w
		}
	}
	if sum <= 0 {
		return counts
	}

	remainders := make([]float64, len(weights))
	assigned := 0
	for i, w := range weights {
		if w <= 0 {
			remainders[i] = -1
			continue
		}
		exact := w * float64(total) / sum
		floor := math.Floor(exact + epsilon)
		counts[i] = int(floor)
		remainders[i] = math.Round((exact-floor)/epsilon) * epsilon
		assigned += counts[i]
	}

	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return remainders[order[a]] > remainders[order[b]]
	})
	for k := 0; assigned < total; k++ {
		i := order[k%len(order)]
		if remainders[i] < 0 {
			continue
		}
		counts[i]++
		assigned++
	}
	return counts
}

// evenSplit distributes total across n buckets round-robin.
func evenSplit(n, total int) []int {
	counts := make([]int, n)
	for i := 0; i < total && n > 0; i++ {
		counts[i%n]++
	}
	return counts
}
