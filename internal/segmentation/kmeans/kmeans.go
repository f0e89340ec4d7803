// Package kmeans is a deterministic k-means implementation with k-means++
// seeding and multiple restarts.
package kmeans

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrInvalidK     = errors.New("kmeans: k must be at least 1")
	ErrTooFewPoints = errors.New("kmeans: fewer points than clusters")
)

// Options controls a clustering run. Zero values take the defaults.
type Options struct {
	Seed    int64
	MaxIter int     // default 300
	NInit   int     // default 10
	Tol     float64 // relative to mean feature variance, default 1e-4
}

func (o Options) withDefaults() Options {
	if o.MaxIter <= 0 {
		o.MaxIter = 300
	}
	if o.NInit <= 0 {
		o.NInit = 10
	}
	if o.Tol <= 0 {
		o.Tol = 1e-4
	}
	return o
}

// Result is the best of all restarts.
type Result struct {
	Assignments []int       // cluster index per input point
	Centroids   [][]float64 // one per cluster
	Inertia     float64     // sum of squared distances to assigned centroids
	Iterations  int
}

// Cluster partitions points into k clusters. It never mutates points and
// returns the same result for the same input and options.
func Cluster(points [][]float64, k int, opts Options) (*Result, error) {
	if k < 1 {
		return nil, ErrInvalidK
	}
	if len(points) < k {
		return nil, fmt.Errorf("%w: %d points, k=%d", ErrTooFewPoints, len(points), k)
	}
	dim := len(points[0])
	for i, p := range points {
		if len(p) != dim {
			return nil, fmt.Errorf("kmeans: point %d has %d dimensions, want %d", i, len(p), dim)
		}
	}

	opts = opts.withDefaults()
	tol := scaledTolerance(points, opts.Tol)
	rng := rand.New(rand.NewSource(opts.Seed))

	var best *Result
	for run := 0; run < opts.NInit; run++ {
		centroids := seedPlusPlus(points, k, rng)
		res := lloyd(points, centroids, opts.MaxIter, tol)
		if best == nil || res.Inertia < best.Inertia {
			best = res
		}
	}
	return best, nil
}

// scaledTolerance makes the convergence threshold independent of feature scale.
func scaledTolerance(points [][]float64, tol float64) float64 {
	dim := len(points[0])
	col := make([]float64, len(points))
	var sum float64
	for j := 0; j < dim; j++ {
		for i, p := range points {
			col[i] = p[j]
		}
		_, variance := stat.PopMeanVariance(col, nil)
		sum += variance
	}
	return tol * sum / float64(dim)
}

// seedPlusPlus picks k initial centers with D² weighting. Points that already
// coincide with a center have zero weight and are never drawn.
func seedPlusPlus(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(points)
	chosen := make([]bool, n)
	first := rng.Intn(n)
	chosen[first] = true
	centroids := [][]float64{clone(points[first])}

	minDist := make([]float64, n)
	for i, p := range points {
		minDist[i] = sqDist(p, centroids[0])
	}

	for len(centroids) < k {
		total := floats.Sum(minDist)
		next := -1
		if total > 0 {
			r := rng.Float64() * total
			var cum float64
			for i, d := range minDist {
				cum += d
				if r < cum {
					next = i
					break
				}
			}
		}
		if next < 0 {
			// every remaining point sits on a center
			for i := range points {
				if !chosen[i] {
					next = i
					break
				}
			}
		}
		chosen[next] = true
		c := clone(points[next])
		centroids = append(centroids, c)
		for i, p := range points {
			if d := sqDist(p, c); d < minDist[i] {
				minDist[i] = d
			}
		}
	}
	return centroids
}

func lloyd(points [][]float64, centroids [][]float64, maxIter int, tol float64) *Result {
	k := len(centroids)
	labels := make([]int, len(points))
	iter := 0
	for iter < maxIter {
		iter++
		assign(points, centroids, labels)
		repairEmpty(points, centroids, labels)
		next := means(points, labels, k, len(points[0]))

		var shift float64
		for c := range centroids {
			shift += sqDist(centroids[c], next[c])
		}
		centroids = next
		if shift <= tol {
			break
		}
	}

	inertia := assign(points, centroids, labels)
	if repairEmpty(points, centroids, labels) {
		centroids = means(points, labels, k, len(points[0]))
		inertia = inertiaOf(points, centroids, labels)
	}

	return &Result{
		Assignments: labels,
		Centroids:   centroids,
		Inertia:     inertia,
		Iterations:  iter,
	}
}

// assign labels each point with its nearest centroid, lowest index on ties,
// and returns the inertia.
func assign(points [][]float64, centroids [][]float64, labels []int) float64 {
	var inertia float64
	for i, p := range points {
		best, bestDist := 0, math.Inf(1)
		for c, centroid := range centroids {
			if d := sqDist(p, centroid); d < bestDist {
				best, bestDist = c, d
			}
		}
		labels[i] = best
		inertia += bestDist
	}
	return inertia
}

// repairEmpty moves the point farthest from its centroid into each empty
// cluster. Donor clusters keep at least one member.
func repairEmpty(points [][]float64, centroids [][]float64, labels []int) bool {
	k := len(centroids)
	sizes := make([]int, k)
	for _, l := range labels {
		sizes[l]++
	}

	repaired := false
	for c := 0; c < k; c++ {
		if sizes[c] > 0 {
			continue
		}
		far, farDist := -1, -1.0
		for i, p := range points {
			if sizes[labels[i]] < 2 {
				continue
			}
			if d := sqDist(p, centroids[labels[i]]); d > farDist {
				far, farDist = i, d
			}
		}
		if far < 0 {
			break
		}
		sizes[labels[far]]--
		labels[far] = c
		sizes[c]++
		centroids[c] = clone(points[far])
		repaired = true
	}
	return repaired
}

func means(points [][]float64, labels []int, k, dim int) [][]float64 {
	sums := make([][]float64, k)
	counts := make([]float64, k)
	for c := range sums {
		sums[c] = make([]float64, dim)
	}
	for i, p := range points {
		floats.Add(sums[labels[i]], p)
		counts[labels[i]]++
	}
	for c := range sums {
		if counts[c] > 0 {
			floats.Scale(1/counts[c], sums[c])
		}
	}
	return sums
}

func inertiaOf(points [][]float64, centroids [][]float64, labels []int) float64 {
	var inertia float64
	for i, p := range points {
		inertia += sqDist(p, centroids[labels[i]])
	}
	return inertia
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

func clone(p []float64) []float64 {
	out := make([]float64, len(p))
	copy(out, p)
	return out
}
