// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mlp implements the multilayer perceptron that maps node features to per-class logits in the
// PPRGo models.
//
// The layers have no bias, and are separated by ReLU activations and (normalized) dropout.
// Optionally, a batch normalization follows every hidden linear transform.
//
// E.g.:
//
//	func MyModel(ctx *context.Context, spec any, inputs []*Node) []*Node {
//		features := inputs[0]
//		logits := mlp.New(ctx.In("mlp"), features, numClasses).
//			HiddenSize(64).
//			NumLayers(3).
//			Dropout(0.1).
//			Done()
//		return []*Node{logits}
//	}
package mlp

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
)

const (
	// ParamHiddenSize is the hyperparameter with the number of units in the hidden layers.
	// The default is 32.
	ParamHiddenSize = "pprgo_hidden_size"

	// ParamNumLayers is the hyperparameter with the total number of linear transforms, including the output one.
	// Values below 2 are taken as 2. The default is 2.
	ParamNumLayers = "pprgo_num_layers"

	// ParamDropoutRate is the hyperparameter with the dropout rate applied before every linear transform but the first.
	//
	// Defaults to the parameter "dropout_rate" (layers.ParamDropoutRate) and if that is not set, to 0.0 (no dropout).
	ParamDropoutRate = "pprgo_dropout_rate"

	// ParamBatchNorm is the hyperparameter that enables batch normalization after the hidden linear transforms.
	// The default is false.
	ParamBatchNorm = "pprgo_batch_norm"
)

// Config is created with New and can be configured with its methods, or by setting the corresponding
// hyperparameters in the context.
type Config struct {
	ctx                   *context.Context
	input                 *Node
	numClasses            int
	hiddenSize, numLayers int
	dropoutRate           float64
	batchNorm             bool
}

// New creates the configuration of the MLP. Call Done to build it.
//
// The input is expected to be shaped `[numNodes, numFeatures]`, and the output will be shaped
// `[numNodes, numClasses]`.
func New(ctx *context.Context, input *Node, numClasses int) *Config {
	if input.Rank() != 2 {
		Panicf("mlp: input must be shaped [numNodes, numFeatures], got input.shape=%s", input.Shape())
	}
	if numClasses <= 0 {
		Panicf("mlp: numClasses must be > 0, got %d", numClasses)
	}
	c := &Config{
		ctx:         ctx,
		input:       input,
		numClasses:  numClasses,
		hiddenSize:  context.GetParamOr(ctx, ParamHiddenSize, 32),
		numLayers:   context.GetParamOr(ctx, ParamNumLayers, 2),
		dropoutRate: context.GetParamOr(ctx, ParamDropoutRate, -1.0),
		batchNorm:   context.GetParamOr(ctx, ParamBatchNorm, false),
	}
	if c.dropoutRate < 0 {
		c.dropoutRate = context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0)
	}
	return c
}

// HiddenSize sets the number of units of the hidden layers. It must be > 0.
// Default is given by the hyperparameter ParamHiddenSize, or 32.
func (c *Config) HiddenSize(size int) *Config {
	if size <= 0 {
		Panicf("mlp: HiddenSize must be > 0, got %d", size)
	}
	c.hiddenSize = size
	return c
}

// NumLayers sets the total number of linear transforms. There are always at least 2 (input to hidden, and
// hidden to output), values < 2 are taken as 2.
// Default is given by the hyperparameter ParamNumLayers, or 2.
func (c *Config) NumLayers(n int) *Config {
	c.numLayers = n
	return c
}

// Dropout sets the dropout rate, in [0, 1). Dropout is only applied during training.
// Default is given by the hyperparameter ParamDropoutRate, then layers.ParamDropoutRate, or 0.
func (c *Config) Dropout(rate float64) *Config {
	c.dropoutRate = rate
	return c
}

// BatchNorm enables a batch normalization after each hidden linear transform.
// Default is given by the hyperparameter ParamBatchNorm, or false.
func (c *Config) BatchNorm(enabled bool) *Config {
	c.batchNorm = enabled
	return c
}

// Done builds the MLP and returns the logits.
func (c *Config) Done() *Node {
	if c.hiddenSize <= 0 {
		Panicf("mlp: hidden size must be > 0, got %d", c.hiddenSize)
	}
	if c.dropoutRate < 0 || c.dropoutRate >= 1 {
		Panicf("mlp: dropout rate must be in [0, 1), got %g", c.dropoutRate)
	}
	numLayers := max(c.numLayers, 2)
	x := c.input
	for ii := range numLayers {
		ctx := c.ctx.Inf("%03d_layer", ii)
		if ii > 0 {
			x = activations.Relu(x)
			x = c.dropout(ctx, x)
		}
		if ii == numLayers-1 {
			return layers.Dense(ctx, x, false, c.numClasses)
		}
		x = layers.Dense(ctx, x, false, c.hiddenSize)
		if c.batchNorm {
			x = batchnorm.New(ctx, x, -1).Done()
		}
	}
	return x
}

func (c *Config) dropout(ctx *context.Context, x *Node) *Node {
	if c.dropoutRate <= 0 {
		return x
	}
	return layers.DropoutNormalize(ctx, x, Scalar(x.Graph(), x.DType(), c.dropoutRate), true)
}
