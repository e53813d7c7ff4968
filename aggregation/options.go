// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package aggregation

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

const (
	// ParamK is the hyperparameter with the number of highest-weight entries per row considered by the soft k-medoid.
	// Default is 32.
	ParamK = "robust_mean_k"

	// ParamTemperature is the hyperparameter with the softmax temperature of the soft medoids.
	// Default is 1.0.
	ParamTemperature = "robust_mean_temperature"

	// ParamWeightCorrection is the hyperparameter that defines whether the soft medoid scores are multiplied by the
	// entry weights (and renormalized). Default is true.
	ParamWeightCorrection = "robust_mean_weight_correction"

	// ParamTrimRatio is the hyperparameter with the fraction of the weight mass trimmed at each tail by
	// the trimmed mean. Default is 0.1.
	ParamTrimRatio = "robust_mean_trim_ratio"
)

// Options configure the robust means. Each robust mean only uses the fields relevant to it.
type Options struct {
	// K is the number of highest-weight entries per row used by the soft k-medoid.
	K int

	// Temperature of the softmax over the negative medoid costs. Lower values approach the hard medoid.
	Temperature float64

	// WithWeightCorrection multiplies the soft medoid scores by the entry weights.
	WithWeightCorrection bool

	// TrimRatio in [0, 0.5) is the fraction of weight mass trimmed at each tail by the trimmed mean.
	TrimRatio float64

	// NumNodes is an optional scalar (any numeric dtype) with the number of distinct nodes the rows draw from.
	// If set and K is larger than it, the soft k-medoid disables the weight correction.
	NumNodes *Node
}

// DefaultOptions returns the default Options.
func DefaultOptions() Options {
	return Options{
		K:                    32,
		Temperature:          1.0,
		WithWeightCorrection: true,
		TrimRatio:            0.1,
	}
}

// OptionsFromContext returns the Options configured by the hyperparameters in ctx, falling back to DefaultOptions.
func OptionsFromContext(ctx *context.Context) Options {
	opts := DefaultOptions()
	opts.K = context.GetParamOr(ctx, ParamK, opts.K)
	opts.Temperature = context.GetParamOr(ctx, ParamTemperature, opts.Temperature)
	opts.WithWeightCorrection = context.GetParamOr(ctx, ParamWeightCorrection, opts.WithWeightCorrection)
	opts.TrimRatio = context.GetParamOr(ctx, ParamTrimRatio, opts.TrimRatio)
	return opts
}
