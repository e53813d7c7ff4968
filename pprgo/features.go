// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pprgo

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"k8s.io/klog/v2"
)

const (
	// DataScope is the absolute scope where the frozen graph data (the node features) is stored in the context.
	// Variables in this scope are not trained and are excluded from checkpoints.
	DataScope = "/pprgo_data"

	// FeaturesVariable is the name of the variable holding the node features, shaped `[numNodes, numFeatures]`.
	FeaturesVariable = "features"
)

// UploadFeatures stores the node features, shaped `[numNodes, numFeatures]`, as a non-trainable variable in the
// context, under DataScope. If the variable already exists, its value is replaced, and the previous tensor is
// left untouched: it is owned by the caller. Uploading the same tensor again is a no-op.
//
// The features are read by the models with a Gather of the nodes in the batch, so they are transferred to the
// accelerator only once.
func UploadFeatures(ctx *context.Context, features *tensors.Tensor) *context.Variable {
	if features == nil || features.Rank() != 2 {
		var shape any = "nil"
		if features != nil {
			shape = features.Shape()
		}
		Panicf("pprgo: node features must be shaped [numNodes, numFeatures], got %s", shape)
	}
	if !features.DType().IsFloat() {
		Panicf("pprgo: node features must be a float type, got %s", features.DType())
	}
	ctxData := ctx.InAbsPath(DataScope)
	v := ctx.InspectVariable(DataScope, FeaturesVariable)
	if v != nil {
		if v.Value() == features {
			v.Trainable = false
			return v
		}
		// The previous value is owned by the caller, so it is not finalized here.
		v.SetValuePreservingOld(features)
	} else {
		v = ctxData.VariableWithValue(FeaturesVariable, features)
	}
	v.Trainable = false
	klog.V(1).Infof("pprgo: uploaded features %s", features.Shape())
	return v
}

// featuresGraph returns the node features uploaded with UploadFeatures.
func featuresGraph(ctx *context.Context, g *Graph) *Node {
	v := ctx.InspectVariable(DataScope, FeaturesVariable)
	if v == nil {
		Panicf("pprgo: missing node features in scope %q, please call UploadFeatures() first", DataScope)
		panic(nil) // Quiet linter.
	}
	return v.ValueGraph(g)
}

// dataVariables lists the variables under DataScope, to exclude them from checkpoints.
func dataVariables(ctx *context.Context) []*context.Variable {
	var vars []*context.Variable
	ctx.InAbsPath(DataScope).EnumerateVariablesInScope(func(v *context.Variable) {
		vars = append(vars, v)
	})
	return vars
}
