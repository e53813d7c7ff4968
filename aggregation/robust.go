// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package aggregation

import (
	"maps"
	"slices"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// RobustMeanFn aggregates the padded rows of weighted values into one value per row.
//
// Shapes:
//
//   - values: [batchSize, width, numFeatures], a float dtype.
//   - weights: [batchSize, width], same dtype as values. Weights are expected to be non-negative.
//   - mask: [batchSize, width] Bool, or nil if all entries are valid.
//
// The result is shaped [batchSize, numFeatures] and is scaled by the total weight of each row, so it is on the
// same scale as the weighted sum. Rows without valid entries yield 0.
type RobustMeanFn func(values, weights, mask *Node, opts Options) *Node

// DefaultRobustMean is the name of the robust mean used by default.
const DefaultRobustMean = "soft_k_medoid"

// RobustMeans maps the names of the robust means to their implementation.
var RobustMeans = map[string]RobustMeanFn{
	"sum":           WeightedSum,
	"soft_medoid":   SoftMedoid,
	"soft_k_medoid": SoftKMedoid,
	"medoid":        Medoid,
	"dimmedian":     DimMedian,
	"trimmed_mean":  TrimmedMean,
}

// RobustMeanByName returns the robust mean registered in RobustMeans under the given name.
// An empty name returns the DefaultRobustMean.
func RobustMeanByName(name string) (RobustMeanFn, error) {
	if name == "" {
		name = DefaultRobustMean
	}
	fn, found := RobustMeans[name]
	if !found {
		names := slices.Sorted(maps.Keys(RobustMeans))
		return nil, errors.Errorf("unknown robust mean %q, valid values are %q", name, names)
	}
	return fn, nil
}

// paddedRows holds the normalized inputs shared by the robust means.
type paddedRows struct {
	g                               *Graph
	dtype                           dtypes.DType
	batchSize, width, numFeatures   int
	values, weights, mask, safeMask *Node

	// total weight per row, shaped [batchSize].
	total *Node
}

func newPaddedRows(name string, values, weights, mask *Node) *paddedRows {
	if values.Rank() != 3 {
		Panicf("%s: values must be shaped [batchSize, width, numFeatures], got %s", name, values.Shape())
	}
	r := &paddedRows{
		g:           values.Graph(),
		dtype:       values.DType(),
		batchSize:   values.Shape().Dimensions[0],
		width:       values.Shape().Dimensions[1],
		numFeatures: values.Shape().Dimensions[2],
		values:      values,
	}
	if !r.dtype.IsFloat() {
		Panicf("%s: values must be float, got %s", name, values.Shape())
	}
	if !weights.Shape().Equal(shapes.Make(r.dtype, r.batchSize, r.width)) {
		Panicf("%s: weights must be shaped %s[%d, %d], got %s", name, r.dtype, r.batchSize, r.width, weights.Shape())
	}
	if mask == nil {
		mask = GreaterOrEqual(r.iota(1), ZerosLike(r.iota(1)))
	} else if !mask.Shape().Equal(shapes.Make(dtypes.Bool, r.batchSize, r.width)) {
		Panicf("%s: mask must be shaped Bool[%d, %d], got %s", name, r.batchSize, r.width, mask.Shape())
	}
	r.mask = mask
	r.weights = Where(mask, weights, ZerosLike(weights))
	r.total = ReduceSum(r.weights, -1)

	// Rows without any valid entry get their first column enabled in safeMask, so softmaxes and
	// arg-mins over the row are well-defined. Their weights are still zero, so their results are 0.
	rowCounts := ReduceSum(ConvertDType(mask, r.dtype), -1)
	emptyRows := LessOrEqual(rowCounts, ZerosLike(rowCounts))
	emptyRows = BroadcastToDims(InsertAxes(emptyRows, -1), r.batchSize, r.width)
	firstColumn := Equal(r.iota(1), ZerosLike(r.iota(1)))
	r.safeMask = LogicalOr(mask, LogicalAnd(emptyRows, firstColumn))
	return r
}

// iota returns Int32 indices shaped [batchSize, width] along the given axis.
func (r *paddedRows) iota(axis int) *Node {
	return Iota(r.g, shapes.Make(dtypes.Int32, r.batchSize, r.width), axis)
}

// combine returns Σ_i scores[b,i] * values[b,i,:] scaled by the total weight of row b. scores are shaped [batchSize, width].
func (r *paddedRows) combine(scores *Node) *Node {
	mean := ReduceSum(Mul(r.values, InsertAxes(scores, -1)), 1)
	return Mul(mean, InsertAxes(r.total, -1))
}

// pairwiseDistances returns the euclidean distances between the entries of each row, shaped [batchSize, width, width].
func (r *paddedRows) pairwiseDistances() *Node {
	diff := Sub(InsertAxes(r.values, 2), InsertAxes(r.values, 1))
	return Sqrt(AddScalar(ReduceSum(Square(diff), -1), 1e-12))
}

// topKMask returns the mask of the k highest-weight valid entries per row. Ties are broken by position.
func (r *paddedRows) topKMask(k int) *Node {
	if k >= r.width {
		return r.mask
	}
	dims := []int{r.batchSize, r.width, r.width}
	w := Where(r.mask, r.weights, BroadcastToDims(Infinity(r.g, r.dtype, -1), r.batchSize, r.width))
	wi := BroadcastToDims(InsertAxes(w, -1), dims...)
	wj := BroadcastToDims(InsertAxes(w, 1), dims...)
	ii := Iota(r.g, shapes.Make(dtypes.Int32, dims...), 1)
	jj := Iota(r.g, shapes.Make(dtypes.Int32, dims...), 2)
	ahead := LogicalOr(GreaterThan(wj, wi), LogicalAnd(Equal(wj, wi), LessThan(jj, ii)))
	rank := ReduceSum(ConvertDType(ahead, dtypes.Int32), -1)
	return LogicalAnd(r.mask, LessThan(rank, Scalar(r.g, dtypes.Int32, float64(k))))
}

// medoidCosts returns c[b,i] = Σ_j w[b,j] * ‖x[b,j]-x[b,i]‖ restricted to the candidates, shaped [batchSize, width].
func (r *paddedRows) medoidCosts(candidates *Node) *Node {
	w := Where(candidates, r.weights, ZerosLike(r.weights))
	return ReduceSum(Mul(r.pairwiseDistances(), InsertAxes(w, 1)), -1)
}

// withEmptyRows adds the first column of rows without valid entries to the candidates mask.
func (r *paddedRows) withEmptyRows(candidates *Node) *Node {
	return LogicalOr(candidates, LogicalAnd(r.safeMask, LogicalNot(r.mask)))
}

// softMedoidScores returns the soft medoid scores over the candidates, without and with weight correction.
func (r *paddedRows) softMedoidScores(candidates *Node, temperature float64) (scores, corrected *Node) {
	if temperature <= 0 {
		Panicf("robust mean: temperature must be > 0, got %g", temperature)
	}
	costs := r.medoidCosts(candidates)
	safeCandidates := r.withEmptyRows(candidates)
	scores = MaskedSoftmax(MulScalar(costs, -1.0/temperature), safeCandidates, -1)

	corrected = Mul(scores, Where(candidates, r.weights, ZerosLike(r.weights)))
	normalization := ReduceAndKeep(corrected, ReduceSum, -1)
	normalization = Where(GreaterThan(normalization, ZerosLike(normalization)), normalization, OnesLike(normalization))
	corrected = Div(corrected, normalization)
	return
}

// WeightedSum is the non-robust baseline: Σ_i w_i x_i.
func WeightedSum(values, weights, mask *Node, _ Options) *Node {
	r := newPaddedRows("WeightedSum", values, weights, mask)
	return ReduceSum(Mul(r.values, InsertAxes(r.weights, -1)), 1)
}

// SoftMedoid is the weighted soft medoid over all the valid entries of each row.
//
// Each entry i gets the cost c_i = Σ_j w_j ‖x_j − x_i‖, and the result is Σ_i s_i x_i (scaled by the total weight),
// with s = softmax(−c / Options.Temperature). With Options.WithWeightCorrection the scores are multiplied by
// the entry weights and renormalized.
func SoftMedoid(values, weights, mask *Node, opts Options) *Node {
	r := newPaddedRows("SoftMedoid", values, weights, mask)
	scores, corrected := r.softMedoidScores(r.mask, opts.Temperature)
	if opts.WithWeightCorrection {
		scores = corrected
	}
	return r.combine(scores)
}

// SoftKMedoid is the SoftMedoid restricted to the Options.K highest-weight entries of each row.
//
// If Options.NumNodes is set and Options.K is larger than it, the weight correction is disabled. This is decided
// in the graph, so it is evaluated for each batch.
func SoftKMedoid(values, weights, mask *Node, opts Options) *Node {
	if opts.K <= 0 {
		Panicf("SoftKMedoid: K must be > 0, got %d", opts.K)
	}
	r := newPaddedRows("SoftKMedoid", values, weights, mask)
	scores, corrected := r.softMedoidScores(r.topKMask(opts.K), opts.Temperature)
	if !opts.WithWeightCorrection {
		return r.combine(scores)
	}
	if opts.NumNodes == nil {
		return r.combine(corrected)
	}
	numNodes := ConvertDType(opts.NumNodes, dtypes.Int64)
	if !numNodes.IsScalar() {
		Panicf("SoftKMedoid: Options.NumNodes must be a scalar, got %s", opts.NumNodes.Shape())
	}
	useCorrection := GreaterOrEqual(numNodes, Scalar(r.g, dtypes.Int64, float64(opts.K)))
	useCorrection = BroadcastToDims(useCorrection, r.batchSize, r.width)
	return r.combine(Where(useCorrection, corrected, scores))
}

// Medoid is the hard weighted medoid: the valid entry x_i with the lowest cost c_i = Σ_j w_j ‖x_j − x_i‖,
// scaled by the total weight of the row.
func Medoid(values, weights, mask *Node, _ Options) *Node {
	r := newPaddedRows("Medoid", values, weights, mask)
	costs := r.medoidCosts(r.mask)
	costs = Where(r.safeMask, costs, BroadcastToDims(Infinity(r.g, r.dtype, 1), r.batchSize, r.width))
	best := ArgMin(costs, costs.Rank()-1, dtypes.Int32)
	selection := Equal(r.iota(1), BroadcastToDims(InsertAxes(best, -1), r.batchSize, r.width))
	return r.combine(StopGradient(ConvertDType(selection, r.dtype)))
}

// weightBelow returns, for each entry i and feature f, the total weight of the valid entries that come before
// x[b,i,f] in ascending order (ties broken by position), shaped [batchSize, width, numFeatures].
func (r *paddedRows) weightBelow() *Node {
	dims := []int{r.batchSize, r.width, r.width, r.numFeatures}
	xi := BroadcastToDims(InsertAxes(r.values, 2), dims...)
	xj := BroadcastToDims(InsertAxes(r.values, 1), dims...)
	ii := Iota(r.g, shapes.Make(dtypes.Int32, dims...), 1)
	jj := Iota(r.g, shapes.Make(dtypes.Int32, dims...), 2)
	before := LogicalOr(LessThan(xj, xi), LogicalAnd(Equal(xj, xi), LessThan(jj, ii)))
	wj := BroadcastToDims(InsertAxes(InsertAxes(r.weights, 1), -1), dims...)
	below := ReduceSum(Where(before, wj, ZerosLike(wj)), 2)
	return StopGradient(below)
}

// DimMedian is the weighted dimension-wise median: for each feature independently, the value where the cumulative
// weight reaches half of the row total. The result is scaled by the total weight of the row.
func DimMedian(values, weights, mask *Node, _ Options) *Node {
	r := newPaddedRows("DimMedian", values, weights, mask)
	dims := []int{r.batchSize, r.width, r.numFeatures}
	below := r.weightBelow()
	w := BroadcastToDims(InsertAxes(r.weights, -1), dims...)
	half := BroadcastToDims(InsertAxes(MulScalar(r.total, 0.5), -1, -1), dims...)
	safeMask := BroadcastToDims(InsertAxes(r.safeMask, -1), dims...)

	// The median is the first entry, in ascending order, whose cumulative weight reaches half of the total.
	reaches := LogicalAnd(safeMask, GreaterOrEqual(Add(below, w), half))
	key := Where(reaches, below, BroadcastToDims(Infinity(r.g, r.dtype, 1), dims...))
	median := ArgMin(key, 1, dtypes.Int32)
	selection := Equal(
		Iota(r.g, shapes.Make(dtypes.Int32, dims...), 1),
		BroadcastToDims(InsertAxes(median, 1), dims...))
	selected := ReduceSum(Mul(r.values, StopGradient(ConvertDType(selection, r.dtype))), 1)
	return Mul(selected, InsertAxes(r.total, -1))
}

// TrimmedMean is the weighted dimension-wise trimmed mean: for each feature independently, Options.TrimRatio of the
// weight mass is dropped at each tail, and the weighted mean of the remaining mass is taken.
// The result is scaled by the total weight of the row.
func TrimmedMean(values, weights, mask *Node, opts Options) *Node {
	if opts.TrimRatio < 0 || opts.TrimRatio >= 0.5 {
		Panicf("TrimmedMean: TrimRatio must be in [0, 0.5), got %g", opts.TrimRatio)
	}
	r := newPaddedRows("TrimmedMean", values, weights, mask)
	dims := []int{r.batchSize, r.width, r.numFeatures}
	below := r.weightBelow()
	w := BroadcastToDims(InsertAxes(r.weights, -1), dims...)
	total := BroadcastToDims(InsertAxes(r.total, -1, -1), dims...)
	low := MulScalar(total, opts.TrimRatio)
	high := MulScalar(total, 1-opts.TrimRatio)

	// Weight mass of each entry that falls within [low, high].
	kept := Sub(Min(Add(below, w), high), Max(below, low))
	kept = StopGradient(MaxScalar(kept, 0))
	keptTotal := ReduceSum(kept, 1)
	keptTotal = Where(GreaterThan(keptTotal, ZerosLike(keptTotal)), keptTotal, OnesLike(keptTotal))
	mean := Div(ReduceSum(Mul(r.values, kept), 1), keptTotal)
	return Mul(mean, InsertAxes(r.total, -1))
}
