package signal

import (
	"hash/fnv"
	"math/rand/v2"
	"slices"

	"github.com/montanaflynn/stats"
)

// bootstrapInterval resamples scores with replacement b times and returns the
// 2.5th and 97.5th percentiles of the resampled means, widened to contain mean.
func bootstrapInterval(scores []float64, b int, rng *rand.Rand) (mean, low, high float64, err error) {
	if len(scores) == 0 {
		return 0, 0, 0, errNoItems
	}
	mean, err = stats.Mean(scores)
	if err != nil {
		return 0, 0, 0, err
	}
	if b < 1 {
		b = 1
	}

	means := make([]float64, b)
	n := len(scores)
	for i := range means {
		var sum float64
		for j := 0; j < n; j++ {
			sum += scores[rng.IntN(n)]
		}
		means[i] = sum / float64(n)
	}

	low, err = stats.Percentile(means, 2.5)
	if err != nil {
		low = slices.Min(means)
	}
	high, err = stats.Percentile(means, 97.5)
	if err != nil {
		high = slices.Max(means)
	}
	low = min(low, mean)
	high = max(high, mean)
	return mean, low, high, nil
}

// windowRNG is deterministic per (seed, window) when seed is non-zero.
func windowRNG(seed uint64, windowID string) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(windowID))
	return rand.New(rand.NewPCG(seed, h.Sum64()))
}
