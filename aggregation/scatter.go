// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package aggregation implements the weighted aggregations used to propagate per-node predictions
// to target nodes with personalized PageRank scores.
//
// There are two families:
//
//   - ScatterAggregate: for a flat list of weighted entries, each tagged with the segment (target) it belongs to.
//     It supports the usual reductions (sum, mean, max and min).
//   - Robust means (see RobustMeans): for the padded rows layout, where each target has up to K weighted
//     entries. These are aggregations designed to limit the influence of outliers, like the soft k-medoid.
package aggregation

import (
	"fmt"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Reduction used by ScatterAggregate.
type Reduction int

const (
	ReductionSum Reduction = iota
	ReductionMean
	ReductionMax
	ReductionMin
)

var reductionNames = []string{"sum", "mean", "max", "min"}

// String implements fmt.Stringer.
func (r Reduction) String() string {
	if r < 0 || int(r) >= len(reductionNames) {
		return fmt.Sprintf("Reduction(%d)", int(r))
	}
	return reductionNames[r]
}

// ParseReduction converts a reduction name ("sum", "mean", "max" or "min") to a Reduction.
// An empty name is taken as "sum".
func ParseReduction(name string) (Reduction, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ReductionSum, nil
	}
	for ii, known := range reductionNames {
		if name == known {
			return Reduction(ii), nil
		}
	}
	return ReductionSum, errors.Errorf("unknown aggregation reduction %q, valid values are %q", name, reductionNames)
}

// ScatterAggregate reduces weighted values into numSegments segments.
//
// Shapes:
//
//   - values: [numEntries, numFeatures], a float dtype.
//   - weights: [numEntries], same dtype as values.
//   - segments: [numEntries], an integer dtype, with values in [0, numSegments).
//   - mask: [numEntries] Bool, or nil if all entries are valid. Masked out entries are ignored.
//
// It returns [numSegments, numFeatures] with out[s] = reduce_{e: segments[e]=s} weights[e]*values[e].
// Segments without any valid entry are set to 0 for all reductions.
func ScatterAggregate(values, weights, segments, mask *Node, numSegments int, reduction Reduction) *Node {
	g := values.Graph()
	if values.Rank() != 2 {
		Panicf("ScatterAggregate: values must be shaped [numEntries, numFeatures], got %s", values.Shape())
	}
	numEntries, numFeatures := values.Shape().Dimensions[0], values.Shape().Dimensions[1]
	dtype := values.DType()
	if !dtype.IsFloat() {
		Panicf("ScatterAggregate: values must be float, got %s", values.Shape())
	}
	if !weights.Shape().Equal(shapes.Make(dtype, numEntries)) {
		Panicf("ScatterAggregate: weights must be shaped [%d] of dtype %s, got %s", numEntries, dtype, weights.Shape())
	}
	if segments.Rank() != 1 || segments.Shape().Dimensions[0] != numEntries || !segments.DType().IsInt() {
		Panicf("ScatterAggregate: segments must be an integer vector of length %d, got %s", numEntries, segments.Shape())
	}
	if mask != nil && !mask.Shape().Equal(shapes.Make(dtypes.Bool, numEntries)) {
		Panicf("ScatterAggregate: mask must be shaped Bool[%d], got %s", numEntries, mask.Shape())
	}
	if numSegments <= 0 {
		Panicf("ScatterAggregate: numSegments must be > 0, got %d", numSegments)
	}

	indices := InsertAxes(segments, -1)
	weighted := Mul(values, InsertAxes(weights, -1))

	// Count of valid entries per segment, shaped [numSegments, 1].
	var validEntries *Node
	if mask == nil {
		validEntries = Ones(g, shapes.Make(dtype, numEntries, 1))
	} else {
		validEntries = InsertAxes(ConvertDType(mask, dtype), -1)
		mask = BroadcastToDims(InsertAxes(mask, -1), numEntries, numFeatures)
	}
	counts := ScatterSum(Zeros(g, shapes.Make(dtype, numSegments, 1)), indices, validEntries, false, false)
	counts = StopGradient(counts)

	var pooled *Node
	switch reduction {
	case ReductionSum, ReductionMean:
		if mask != nil {
			weighted = Where(mask, weighted, ZerosLike(weighted))
		}
		pooled = ScatterSum(Zeros(g, shapes.Make(dtype, numSegments, numFeatures)), indices, weighted, false, false)
		if reduction == ReductionMean {
			pooled = Div(pooled, MaxScalar(counts, 1))
		}
		return pooled

	case ReductionMax, ReductionMin:
		sign := -1
		scatterFn := ScatterMax
		if reduction == ReductionMin {
			sign = 1
			scatterFn = ScatterMin
		}
		initial := BroadcastToDims(Infinity(g, dtype, sign), numSegments, numFeatures)
		if mask != nil {
			weighted = Where(mask, weighted, BroadcastToDims(Infinity(g, dtype, sign), numEntries, numFeatures))
		}
		pooled = scatterFn(initial, indices, weighted, false, false)
		nonEmpty := BroadcastToDims(GreaterThan(counts, ZerosLike(counts)), numSegments, numFeatures)
		return Where(nonEmpty, pooled, ZerosLike(pooled))

	default:
		Panicf("ScatterAggregate: unknown reduction %s", reduction)
	}
	return nil
}
