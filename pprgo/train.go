// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pprgo

import (
	"fmt"
	"io"
	"reflect"
	"time"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	mldata "github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pprgo/aggregation"
	"github.com/gomlx/pprgo/dataset"
	"github.com/gomlx/pprgo/mlp"
	"github.com/gomlx/pprgo/ppr"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamCheckpointPath is the directory where to save (and load from) checkpoints. If empty, no checkpoints
	// are used.
	ParamCheckpointPath = "checkpoint"

	// ParamNumCheckpoints is the number of past checkpoints to keep. The default is 3.
	ParamNumCheckpoints = "num_checkpoints"

	// ParamTrainSteps is the number of training steps, counting the steps of previous sessions
	// restored from the checkpoint.
	ParamTrainSteps = "train_steps"

	// ParamBatchSize is the number of target nodes per training batch.
	ParamBatchSize = "batch_size"

	// ParamEvalBatchSize is the number of target nodes per batch during evaluation and inference.
	// It defaults to ParamBatchSize.
	ParamEvalBatchSize = "eval_batch_size"

	// ParamTopK limits the PPR rows to their k largest scores, if > 0. This bounds the size of the batches.
	ParamTopK = "ppr_topk"

	// ParamProgressBar enables the progress bar during training. The default is true.
	ParamProgressBar = "progress_bar"
)

// ParamsExcludedFromLoading are the hyperparameters not restored from a checkpoint, so they can be changed
// in further training sessions.
var ParamsExcludedFromLoading = []string{
	ParamCheckpointPath, ParamNumCheckpoints, ParamTrainSteps, ParamProgressBar, plotly.ParamPlots,
}

// CreateDefaultContext creates a context with the default hyperparameters for Train.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Model type: one of the keys of ValidModels.
		ParamModel:          "pprgo",
		ParamTrainSteps:     2000,
		ParamCheckpointPath: "",
		ParamNumCheckpoints: 3,
		ParamProgressBar:    true,

		// Number of target nodes per batch.
		ParamBatchSize:     512,
		ParamEvalBatchSize: 2048,

		// PPR rows are truncated to their top-k scores if > 0.
		ParamTopK: 32,

		// "plots" generates intermediary eval data for plotting, and if running in GoNB, draws the plot with Plotly.
		plotly.ParamPlots: false,

		optimizers.ParamOptimizer:    "adamw",
		optimizers.ParamLearningRate: 5e-3,
		layers.ParamDropoutRate:      0.1,

		// MLP.
		mlp.ParamHiddenSize:  32,
		mlp.ParamNumLayers:   2,
		mlp.ParamDropoutRate: -1.0, // If < 0 it falls back to layers.ParamDropoutRate.
		mlp.ParamBatchNorm:   false,

		// Aggregation.
		ParamAggregation: "sum",
		ParamRobustMean:  aggregation.DefaultRobustMean,

		// Robust means (RobustPPRGo only).
		aggregation.ParamK:                32,
		aggregation.ParamTemperature:      1.0,
		aggregation.ParamWeightCorrection: true,
		aggregation.ParamTrimRatio:        0.1,
	})
	return ctx
}

// NewContext creates a context with the default hyperparameters (see CreateDefaultContext), changed by the
// given settings, in the format "param1=value1;param2=value2;...".
// It also returns the names of the hyperparameters set.
func NewContext(settings string) (*context.Context, []string, error) {
	ctx := CreateDefaultContext()
	paramsSet, err := commandline.ParseContextSettings(ctx, settings)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "while parsing settings %q", settings)
	}
	return ctx, paramsSet, nil
}

// Data holds the graph data used to train and evaluate the models.
type Data struct {
	// Features of all graph nodes, shaped [numNodes, numFeatures].
	Features *tensors.Tensor

	// Labels of all graph nodes. Only the labels of the targets of the PPR matrices are used.
	Labels []int32

	// NumClasses is the number of classes: labels must be in [0, NumClasses).
	NumClasses int

	// Train holds the PPR rows of the training target nodes.
	Train *ppr.Matrix

	// Validation holds the PPR rows of the validation target nodes. Optional.
	Validation *ppr.Matrix
}

// Validate checks that the data is consistent.
func (data *Data) Validate() error {
	if data.Features == nil || data.Features.Rank() != 2 {
		return errors.New("Data.Features must be shaped [numNodes, numFeatures]")
	}
	numNodes := data.Features.Shape().Dimensions[0]
	if data.NumClasses <= 0 {
		return errors.Errorf("Data.NumClasses must be > 0, got %d", data.NumClasses)
	}
	if len(data.Labels) != numNodes {
		return errors.Errorf("Data.Labels has %d labels, but there are %d nodes", len(data.Labels), numNodes)
	}
	for node, label := range data.Labels {
		if label < 0 || int(label) >= data.NumClasses {
			return errors.Errorf("Data.Labels[%d]=%d is out of range [0, %d)", node, label, data.NumClasses)
		}
	}
	if data.Train == nil {
		return errors.New("Data.Train is nil")
	}
	for _, split := range []struct {
		name string
		m    *ppr.Matrix
	}{{"Train", data.Train}, {"Validation", data.Validation}} {
		if split.m == nil {
			continue
		}
		if err := split.m.Validate(); err != nil {
			return errors.WithMessagef(err, "Data.%s", split.name)
		}
		if split.m.NumNodes != numNodes {
			return errors.Errorf("Data.%s has %d nodes, but there are %d features", split.name, split.m.NumNodes, numNodes)
		}
	}
	return nil
}

// targetLabels returns the labels of the targets of the rows of m.
func (data *Data) targetLabels(m *ppr.Matrix) []int32 {
	labels := make([]int32, m.NumRows())
	for r, target := range m.Targets {
		labels[r] = data.Labels[target]
	}
	return labels
}

// Loss is the cross-entropy of the logits, ignoring the padding rows.
//
// predictions are the outputs of the models: the logits and the mask of valid rows.
func Loss(labels, predictions []*Node) *Node {
	return losses.SparseCategoricalCrossEntropyLogits([]*Node{labels[0], predictions[1]}, predictions[:1])
}

// accuracyGraph is the ratio of valid rows whose largest logit is the one of the label.
func accuracyGraph(_ *context.Context, labels, predictions []*Node) *Node {
	logits, mask := predictions[0], predictions[1]
	dtype := logits.DType()
	target := Reshape(labels[0], -1)
	correct := LogicalAnd(Equal(ArgMax(logits, logits.Rank()-1, target.DType()), target), mask)
	numValid := ReduceAllSum(ConvertDType(mask, dtype))
	return Div(ReduceAllSum(ConvertDType(correct, dtype)), MaxScalar(numValid, 1))
}

func accuracyPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f%%", reflect.ValueOf(value.Value()).Float()*100)
}

func newTrainer(ctx *context.Context, backend backends.Backend, modelFn train.ModelFn) *train.Trainer {
	meanAccuracyMetric := metrics.NewMeanMetric("Mean Accuracy", "#acc", metrics.AccuracyMetricType,
		accuracyGraph, accuracyPPrint)
	movingAccuracyMetric := metrics.NewExponentialMovingAverageMetric("Moving Average Accuracy", "~acc",
		metrics.AccuracyMetricType, accuracyGraph, accuracyPPrint, 0.01)
	return train.NewTrainer(backend, ctx, modelFn,
		Loss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics
}

// truncate applies ParamTopK to the matrix.
func truncate(ctx *context.Context, m *ppr.Matrix) *ppr.Matrix {
	if m == nil {
		return nil
	}
	if k := context.GetParamOr(ctx, ParamTopK, 0); k > 0 {
		return m.TopK(k)
	}
	return m
}

// evalBatchSize returns ParamEvalBatchSize, or ParamBatchSize if not set.
func evalBatchSize(ctx *context.Context) int {
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 512)
	evalBatchSize := context.GetParamOr(ctx, ParamEvalBatchSize, 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	return evalBatchSize
}

// evalDatasets creates the datasets to evaluate the model on each of the data splits.
func evalDatasets(ctx *context.Context, data *Data, layout dataset.Layout) (trainEvalDS, validEvalDS *dataset.Dataset) {
	batchSize := evalBatchSize(ctx)
	trainMatrix := truncate(ctx, data.Train)
	trainEvalDS = must.M1(dataset.New("train-eval", trainMatrix, data.targetLabels(trainMatrix), layout))
	trainEvalDS.BatchSize(batchSize)
	if data.Validation != nil {
		validMatrix := truncate(ctx, data.Validation)
		validEvalDS = must.M1(dataset.New("valid-eval", validMatrix, data.targetLabels(validMatrix), layout))
		validEvalDS.BatchSize(batchSize)
	}
	return
}

// buildCheckpoint creates the checkpoint handler, if ParamCheckpointPath is set. If a checkpoint already
// exists, it is loaded into ctx. The frozen data variables (see UploadFeatures) are not saved.
func buildCheckpoint(ctx *context.Context, paramsSet ...string) *checkpoints.Handler {
	checkpointPath := context.GetParamOr(ctx, ParamCheckpointPath, "")
	if checkpointPath == "" {
		return nil
	}
	numCheckpointsToKeep := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
	checkpoint, err := checkpoints.Build(ctx).
		Dir(mldata.ReplaceTildeInDir(checkpointPath)).
		Keep(numCheckpointsToKeep).
		ExcludeParams(append(paramsSet, ParamsExcludedFromLoading...)...).
		ExcludeVars(dataVariables(ctx)...).
		Done()
	if err != nil {
		panic(errors.WithMessagef(err, "while setting up checkpoint to %q (keep=%d)", checkpointPath, numCheckpointsToKeep))
	}
	klog.V(1).Infof("checkpoint: %q", checkpoint.Dir())
	return checkpoint
}

// Train the model configured in ctx (see CreateDefaultContext) on the given data, using the backend.
//
// The node features are uploaded to the context, and if a checkpoint is configured (ParamCheckpointPath) the
// training restarts from it. At the end it prints an evaluation of the train and validation splits.
//
// paramsSet are hyperparameters set by the user (e.g.: returned by NewContext) that should not be overwritten
// by values loaded from a checkpoint.
func Train(ctx *context.Context, backend backends.Backend, data *Data, paramsSet ...string) error {
	if err := data.Validate(); err != nil {
		return err
	}
	return TryCatch[error](func() { trainImpl(ctx, backend, data, paramsSet) })
}

func trainImpl(ctx *context.Context, backend backends.Backend, data *Data, paramsSet []string) {
	ctx.SetParam(ParamNumClasses, data.NumClasses)
	UploadFeatures(ctx, data.Features)
	checkpoint := buildCheckpoint(ctx, paramsSet...)
	modelFn, layout := must.M2(ModelFn(ctx))

	// Datasets.
	trainMatrix := truncate(ctx, data.Train)
	batchSize := min(context.GetParamOr(ctx, ParamBatchSize, 512), trainMatrix.NumRows())
	trainDS := must.M1(dataset.New("train", trainMatrix, data.targetLabels(trainMatrix), layout))
	trainDS.BatchSize(batchSize).Shuffle().Infinite().DropIncompleteBatch()
	trainEvalDS, validEvalDS := evalDatasets(ctx, data, layout)
	evalDS := []train.Dataset{trainEvalDS}
	if validEvalDS != nil {
		evalDS = append(evalDS, validEvalDS)
	}

	trainer := newTrainer(ctx, backend, modelFn)
	loop := train.NewLoop(trainer)
	if context.GetParamOr(ctx, ParamProgressBar, true) {
		commandline.AttachProgressBar(loop)
	}

	// Checkpoint saving: every 3 minutes of training.
	if checkpoint != nil {
		period := time.Minute * 3
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Plotly plots: points at exponential steps, saved along the checkpoint (if one is given).
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		_ = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(evalDS...).
			ScheduleExponential(loop, 200, 1.2).
			WithBatchNormalizationAveragesUpdate(trainEvalDS)
	}

	numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
		klog.Infof("restarting training from global_step=%d (training until %d)", globalStep, numTrainSteps)
	}
	if globalStep >= numTrainSteps {
		fmt.Printf("\t - target %s=%d already reached. To train further, set a number additional "+
			"to current global step.\n", ParamTrainSteps, numTrainSteps)
	} else {
		_ = must.M1(loop.RunSteps(mldata.Parallel(trainDS), numTrainSteps-globalStep))
		klog.V(1).Infof("[Step %d] median train step: %d microseconds",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())

		// Update batch normalization averages, if they are used.
		if batchnorm.UpdateAverages(trainer, trainEvalDS) {
			klog.V(1).Info("updated batch normalization mean/variances averages")
			if checkpoint != nil {
				must.M(checkpoint.Save())
			}
		}
	}
	must.M(commandline.ReportEval(trainer, evalDS...))
}

// Eval loads the model from the checkpoint (ParamCheckpointPath), if configured, and prints its evaluation
// on the train and validation splits of data.
func Eval(ctx *context.Context, backend backends.Backend, data *Data) error {
	if err := data.Validate(); err != nil {
		return err
	}
	return TryCatch[error](func() {
		ctx.SetParam(ParamNumClasses, data.NumClasses)
		UploadFeatures(ctx, data.Features)
		if checkpoint := buildCheckpoint(ctx); checkpoint != nil {
			fmt.Printf("Model in %q trained for %d steps.\n", checkpoint.Dir(), optimizers.GetGlobalStep(ctx))
		}
		modelFn, layout := must.M2(ModelFn(ctx))
		trainEvalDS, validEvalDS := evalDatasets(ctx, data, layout)
		evalDS := []train.Dataset{trainEvalDS}
		if validEvalDS != nil {
			evalDS = append(evalDS, validEvalDS)
		}
		trainer := newTrainer(ctx.Reuse(), backend, modelFn)
		for _, ds := range evalDS {
			start := time.Now()
			must.M(commandline.ReportEval(trainer, ds))
			klog.V(1).Infof("evaluation of %q took %s", ds.Name(), time.Since(start))
		}
	})
}

// Predict returns the predicted class of the target of each row of the matrix, in row order.
//
// The model variables must already be trained (or loaded from a checkpoint), and the node features
// uploaded (see UploadFeatures). Train does both.
func Predict(ctx *context.Context, backend backends.Backend, matrix *ppr.Matrix) (predictions []int32, err error) {
	if err = matrix.Validate(); err != nil {
		return nil, errors.WithMessage(err, "Predict")
	}
	if matrix.NumRows() == 0 {
		return []int32{}, nil
	}
	err = TryCatch[error](func() {
		modelFn, layout := must.M2(ModelFn(ctx))
		ds := must.M1(dataset.New("predict", truncate(ctx, matrix), nil, layout))
		ds.BatchSize(min(evalBatchSize(ctx), matrix.NumRows()))
		exec := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, inputs []*Node) *Node {
			logits := modelFn(ctx, layout, inputs)[0]
			return ArgMax(logits, logits.Rank()-1, dtypes.Int32)
		})
		predictions = make([]int32, 0, matrix.NumRows())
		for {
			_, inputs, _, yieldErr := ds.Yield()
			if yieldErr == io.EOF {
				break
			}
			must.M(yieldErr)
			args := make([]any, len(inputs))
			for ii, input := range inputs {
				args[ii] = input
			}
			classes := tensors.CopyFlatData[int32](exec.Call(args...)[0])
			numValid := min(len(classes), matrix.NumRows()-len(predictions))
			predictions = append(predictions, classes[:numValid]...)
		}
	})
	if err != nil {
		return nil, err
	}
	return predictions, nil
}
