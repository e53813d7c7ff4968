// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pprgo implements the PPRGo and RobustPPRGo node classifiers.
//
// Both models run an MLP over the features of the graph nodes to get per-node logits, and then aggregate
// those logits into the predictions of each target node, weighted by the target's precomputed personalized
// PageRank (PPR) scores:
//
//   - PPRGo aggregates with a scatter reduction (sum, mean, max or min) over the PPR entries of each target.
//   - RobustPPRGo aggregates with a robust mean (soft k-medoid by default), making the predictions resistant
//     to a few adversarial neighbors.
//
// The node features are uploaded once into the context (see UploadFeatures), and the datasets yield only the
// PPR entries of each batch of targets (see package dataset).
package pprgo

import (
	"slices"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pprgo/aggregation"
	"github.com/gomlx/pprgo/dataset"
	"github.com/gomlx/pprgo/mlp"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamModel selects the model, one of the keys of ValidModels. The default is "pprgo".
	ParamModel = "model"

	// ParamAggregation is the reduction used by PPRGo to aggregate the weighted logits of the PPR neighbors:
	// "sum", "mean", "max" or "min". The default is "sum".
	ParamAggregation = "pprgo_aggregation"

	// ParamRobustMean is the robust mean used by RobustPPRGo, one of the keys of aggregation.RobustMeans.
	// The default is aggregation.DefaultRobustMean.
	ParamRobustMean = "robust_mean"

	// ParamNumClasses is the number of output classes. It is set by Train from Data.NumClasses.
	ParamNumClasses = "pprgo_num_classes"
)

// ModelDesc is a model and the layout of the inputs it takes.
type ModelDesc struct {
	Fn     train.ModelFn
	Layout dataset.Layout
}

// ValidModels maps the values of ParamModel to the models. Custom models can be added to it.
//
// Models are called with the root context and create their variables under the "model" scope, leaving the
// root scope to the optimizer (e.g.: the global step).
var ValidModels = map[string]ModelDesc{
	"pprgo":        {PPRGoGraph, dataset.LayoutFlat},
	"robust_pprgo": {RobustPPRGoGraph, dataset.LayoutRows},
}

// ModelFn returns the model selected by ParamModel, and the layout of the inputs it expects.
func ModelFn(ctx *context.Context) (train.ModelFn, dataset.Layout, error) {
	name := context.GetParamOr(ctx, ParamModel, "pprgo")
	desc, found := ValidModels[name]
	if !found {
		names := make([]string, 0, len(ValidModels))
		for key := range ValidModels {
			names = append(names, key)
		}
		slices.Sort(names)
		return nil, 0, errors.Errorf("unknown %s=%q, valid values are: %s", ParamModel, name, strings.Join(names, ", "))
	}
	return desc.Fn, desc.Layout, nil
}

func numClasses(ctx *context.Context) int {
	n := context.GetParamOr(ctx, ParamNumClasses, 0)
	if n <= 0 {
		Panicf("pprgo: hyperparameter %q must be set to the number of classes, got %d", ParamNumClasses, n)
	}
	return n
}

func checkNumInputs(model string, inputs []*Node, want int) {
	if len(inputs) != want {
		Panicf("%s: expected %d inputs, got %d", model, want, len(inputs))
	}
}

// nodeLogits gathers the features of the given nodes and runs the MLP on them.
func nodeLogits(ctx *context.Context, nodes *Node) *Node {
	features := featuresGraph(ctx, nodes.Graph())
	x := Gather(features, InsertAxes(nodes, -1))
	return mlp.New(ctx.In("mlp"), x, numClasses(ctx)).Done()
}

// PPRGoGraph builds the PPRGo model, taking the inputs in the dataset.LayoutFlat layout:
//
//   - nodes Int32[E]: graph node of each PPR entry.
//   - scores Float32[E]: PPR score of each entry.
//   - batchIdx Int32[E]: row (target) in the batch of each entry.
//   - entryMask Bool[E]: false for padding entries.
//   - rowMask Bool[B]: false for padding rows.
//
// It returns the logits shaped `[B, numClasses]` and the rowMask, which the loss and metrics use to ignore
// the padding rows. Padding rows have logits 0.
func PPRGoGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	checkNumInputs("PPRGo", inputs, 5)
	ctx = ctx.In("model")
	nodes, scores, batchIdx, entryMask, rowMask := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]
	reduction, err := aggregation.ParseReduction(context.GetParamOr(ctx, ParamAggregation, "sum"))
	if err != nil {
		panic(errors.WithMessagef(err, "PPRGo: invalid %s", ParamAggregation))
	}

	logits := nodeLogits(ctx, nodes)
	batchSize := rowMask.Shape().Dimensions[0]
	weights := ConvertDType(scores, logits.DType())
	logits = aggregation.ScatterAggregate(logits, weights, batchIdx, entryMask, batchSize, reduction)
	return []*Node{logits, rowMask}
}

// RobustPPRGoGraph builds the RobustPPRGo model, taking the inputs in the dataset.LayoutRows layout:
//
//   - nodes Int32[N]: the unique graph nodes referenced by the batch, padded.
//   - nodeMask Bool[N]: false for padding nodes.
//   - cols Int32[B, K]: for each row, the indices into nodes of its PPR entries.
//   - values Float32[B, K]: the PPR scores.
//   - entryMask Bool[B, K]: false for padding entries.
//   - rowMask Bool[B]: false for padding rows.
//
// The MLP runs once per unique node, and the robust mean (ParamRobustMean) aggregates the logits of each row.
// It returns the logits shaped `[B, numClasses]` and the rowMask.
func RobustPPRGoGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	checkNumInputs("RobustPPRGo", inputs, 6)
	ctx = ctx.In("model")
	nodes, nodeMask, cols, values, entryMask, rowMask := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4], inputs[5]
	meanName := context.GetParamOr(ctx, ParamRobustMean, aggregation.DefaultRobustMean)
	robustMean, err := aggregation.RobustMeanByName(meanName)
	if err != nil {
		panic(errors.WithMessagef(err, "RobustPPRGo: invalid %s", ParamRobustMean))
	}
	klog.V(2).Infof("RobustPPRGo: aggregating with %q", meanName)

	logits := nodeLogits(ctx, nodes)                  // [N, C]
	rowLogits := Gather(logits, InsertAxes(cols, -1)) // [B, K, C]
	opts := aggregation.OptionsFromContext(ctx)
	opts.NumNodes = ReduceAllSum(ConvertDType(nodeMask, dtypes.Int32))
	weights := ConvertDType(values, logits.DType())
	logits = robustMean(rowLogits, weights, entryMask, opts)
	return []*Node{logits, rowMask}
}
