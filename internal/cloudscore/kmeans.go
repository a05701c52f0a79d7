package cloudscore

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// maxIterations bounds Lloyd refinement.
const maxIterations = 100

// fitKMeans clusters rows into at most k groups and returns the centroids.
// Seeding is k-means++ drawn from a PCG stream keyed by seed, so the same
// rows always yield the same centroids. Fewer than k centroids come back
// when rows hold fewer than k distinct points.
func fitKMeans(rows [][]float64, k int, seed int64) [][]float64 {
	if len(rows) == 0 || k < 1 {
		return nil
	}
	rng := rand.New(rand.NewPCG(uint64(seed), 0x6b6d65616e73))
	centroids := seedPlusPlus(rows, k, rng)

	assign := make([]int, len(rows))
	for i := range assign {
		assign[i] = -1
	}
	dims := len(rows[0])
	sums := make([][]float64, len(centroids))
	counts := make([]int, len(centroids))
	for i := range sums {
		sums[i] = make([]float64, dims)
	}
	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for i, r := range rows {
			if c := nearestCentroid(centroids, r); c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}
		for i := range sums {
			for d := range sums[i] {
				sums[i][d] = 0
			}
			counts[i] = 0
		}
		for i, r := range rows {
			floats.Add(sums[assign[i]], r)
			counts[assign[i]]++
		}
		for i := range centroids {
			// An emptied cluster keeps its previous centroid.
			if counts[i] == 0 {
				continue
			}
			copy(centroids[i], sums[i])
			floats.Scale(1/float64(counts[i]), centroids[i])
		}
	}
	return centroids
}

func seedPlusPlus(rows [][]float64, k int, rng *rand.Rand) [][]float64 {
	first := rows[rng.IntN(len(rows))]
	centroids := [][]float64{append([]float64(nil), first...)}
	dist := make([]float64, len(rows))
	for len(centroids) < k {
		var total float64
		for i, r := range rows {
			d := floats.Distance(r, centroids[len(centroids)-1], 2)
			d *= d
			if len(centroids) == 1 || d < dist[i] {
				dist[i] = d
			}
			total += dist[i]
		}
		if total == 0 {
			break
		}
		target := rng.Float64() * total
		pick := len(rows) - 1
		for i, d := range dist {
			target -= d
			if target < 0 {
				pick = i
				break
			}
		}
		centroids = append(centroids, append([]float64(nil), rows[pick]...))
	}
	return centroids
}

func nearestCentroid(centroids [][]float64, r []float64) int {
	best, bestDist := 0, math.Inf(1)
	for j, c := range centroids {
		if d := floats.Distance(r, c, 2); d < bestDist {
			best, bestDist = j, d
		}
	}
	return best
}
