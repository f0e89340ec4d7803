// Package labeler clusters RFM records and names each cluster with a segment
// from the fixed vocabulary, best cluster first.
package labeler

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"segmentation-workers/internal/models"
	"segmentation-workers/internal/segmentation/kmeans"
	"segmentation-workers/internal/segmentation/rfm"
)

var (
	// ErrInsufficientData means there are fewer customers than clusters. Callers treat it as a no-op.
	ErrInsufficientData = errors.New("labeler: not enough customers to form clusters")
	// ErrInvalidClusterCount means K is outside 1..len(models.Vocabulary).
	ErrInvalidClusterCount = errors.New("labeler: cluster count out of range")
)

// DefaultClusters is the K used when Options.K is zero: one cluster per label.
const DefaultClusters = 5

// Feature columns of the clustering matrix.
const (
	colRecency = iota
	colFrequency
	colMonetary
)

// Options configures labeling. Zero values take the defaults.
type Options struct {
	K       int
	Seed    int64
	MaxIter int
	NInit   int
	Tol     float64
}

// Model is the full labeling outcome, kept for logging and summaries.
type Model struct {
	Assignments []models.SegmentAssignment // ordered by customer id
	Centroids   [][]float64                // standardized R, F, M per cluster
	Labels      []models.Segment           // segment per cluster index
	Inertia     float64
}

// Label assigns every record a segment.
func Label(records []rfm.Record, opts Options) ([]models.SegmentAssignment, error) {
	m, err := Fit(records, opts)
	if err != nil {
		return nil, err
	}
	return m.Assignments, nil
}

// Fit standardizes the records, clusters them and ranks the clusters by
// z(M) + z(F) - z(R). Input order does not affect the result.
func Fit(records []rfm.Record, opts Options) (*Model, error) {
	k := opts.K
	if k == 0 {
		k = DefaultClusters
	}
	if k < 1 || k > len(models.Vocabulary) {
		return nil, fmt.Errorf("%w: k=%d, allowed 1..%d", ErrInvalidClusterCount, k, len(models.Vocabulary))
	}
	if len(records) == 0 || len(records) < k {
		return nil, fmt.Errorf("%w: %d customers, k=%d", ErrInsufficientData, len(records), k)
	}

	sorted := make([]rfm.Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CustomerID < sorted[j].CustomerID })

	matrix := make([][]float64, len(sorted))
	for i, r := range sorted {
		matrix[i] = []float64{
			colRecency:   float64(r.Recency),
			colFrequency: float64(r.Frequency),
			colMonetary:  r.Monetary.InexactFloat64(),
		}
	}
	scaled := Standardize(matrix)

	res, err := kmeans.Cluster(scaled, k, kmeans.Options{
		Seed:    opts.Seed,
		MaxIter: opts.MaxIter,
		NInit:   opts.NInit,
		Tol:     opts.Tol,
	})
	if err != nil {
		return nil, fmt.Errorf("labeler: clustering failed: %w", err)
	}

	ranks := Rank(res.Centroids)
	labels := make([]models.Segment, k)
	for c, r := range ranks {
		labels[c] = models.Vocabulary[r]
	}

	assignments := make([]models.SegmentAssignment, len(sorted))
	for i, r := range sorted {
		assignments[i] = models.SegmentAssignment{
			CustomerID: r.CustomerID,
			Segment:    labels[res.Assignments[i]],
		}
	}

	return &Model{
		Assignments: assignments,
		Centroids:   res.Centroids,
		Labels:      labels,
		Inertia:     res.Inertia,
	}, nil
}

// Standardize z-scores each column with population variance. Constant
// columns become 0.
func Standardize(matrix [][]float64) [][]float64 {
	if len(matrix) == 0 {
		return nil
	}
	dim := len(matrix[0])
	out := make([][]float64, len(matrix))
	for i := range out {
		out[i] = make([]float64, dim)
	}

	col := make([]float64, len(matrix))
	for j := 0; j < dim; j++ {
		for i, row := range matrix {
			col[i] = row[j]
		}
		mean, variance := stat.PopMeanVariance(col, nil)
		std := math.Sqrt(variance)
		for i, row := range matrix {
			if std == 0 {
				out[i][j] = 0
				continue
			}
			out[i][j] = (row[j] - mean) / std
		}
	}
	return out
}

// Score is the desirability of a standardized centroid.
func Score(centroid []float64) float64 {
	return centroid[colMonetary] + centroid[colFrequency] - centroid[colRecency]
}

// Rank returns, per cluster index, its rank by descending score. Equal scores
// rank the lower cluster index first.
func Rank(centroids [][]float64) []int {
	order := make([]int, len(centroids))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return Score(centroids[order[a]]) > Score(centroids[order[b]])
	})

	ranks := make([]int, len(centroids))
	for rank, c := range order {
		ranks[c] = rank
	}
	return ranks
}
