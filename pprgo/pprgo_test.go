package pprgo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pprgo/aggregation"
	"github.com/gomlx/pprgo/dataset"
	"github.com/gomlx/pprgo/ppr"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testNumNodes   = 12
	testNumClasses = 2
)

// testGraph creates a graph where node n has class n%2, with features that identify the class, and PPR
// rows for the given targets: each target has 0.7 on itself, and 0.2 and 0.1 on two nodes of the same class.
func testGraph(targets []int32) (features *tensors.Tensor, labels []int32, matrix *ppr.Matrix) {
	flat := make([]float32, testNumNodes*3)
	labels = make([]int32, testNumNodes)
	for n := range testNumNodes {
		class := n % 2
		labels[n] = int32(class)
		flat[n*3+class] = 1
		flat[n*3+2] = float32(n) / testNumNodes
	}
	features = tensors.FromFlatDataAndDimensions(flat, testNumNodes, 3)
	var rows, cols []int32
	var values []float32
	for r, target := range targets {
		for ii, delta := range []int32{0, 2, 4} {
			rows = append(rows, int32(r))
			cols = append(cols, (target+delta)%testNumNodes)
			values = append(values, []float32{0.7, 0.2, 0.1}[ii])
		}
	}
	matrix = must.M1(ppr.NewMatrix(testNumNodes, targets, rows, cols, values))
	return
}

func newTestContext(t *testing.T, features *tensors.Tensor) *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParam(ParamNumClasses, testNumClasses)
	ctx.SetParam(ParamProgressBar, false)
	v := UploadFeatures(ctx, features)
	require.False(t, v.Trainable)
	return ctx
}

// runModel executes the model on one batch with the first (up to 3) rows of the matrix, with width 4 and
// padded to batch size 5. It returns the logits and mask.
func runModel(t *testing.T, backend backends.Backend, ctx *context.Context, matrix *ppr.Matrix) (logits, mask *tensors.Tensor) {
	modelFn, layout, err := ModelFn(ctx)
	require.NoError(t, err)
	rows := make([]int, min(matrix.NumRows(), 3))
	for ii := range rows {
		rows[ii] = ii
	}
	var inputs []*tensors.Tensor
	if layout == dataset.LayoutFlat {
		inputs = dataset.FlatInputs(must.M1(matrix.FlatBatch(rows, 5, 4)))
	} else {
		inputs = dataset.RowsInputs(must.M1(matrix.RowsBatch(rows, 5, 4)))
	}
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return modelFn(ctx, layout, inputs)
	})
	args := make([]any, len(inputs))
	for ii, input := range inputs {
		args[ii] = input
	}
	outputs := exec.Call(args...)
	require.Len(t, outputs, 2)
	return outputs[0], outputs[1]
}

func TestModels(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	features, _, matrix := testGraph([]int32{0, 3, 8})
	for _, tc := range []struct {
		model  string
		params map[string]any
	}{
		{"pprgo", map[string]any{ParamAggregation: "sum"}},
		{"pprgo", map[string]any{ParamAggregation: "mean"}},
		{"pprgo", map[string]any{ParamAggregation: "max"}},
		{"pprgo", map[string]any{ParamAggregation: "min"}},
		{"robust_pprgo", map[string]any{ParamRobustMean: "soft_k_medoid", aggregation.ParamK: 2}},
		{"robust_pprgo", map[string]any{ParamRobustMean: "soft_medoid"}},
		{"robust_pprgo", map[string]any{ParamRobustMean: "medoid"}},
		{"robust_pprgo", map[string]any{ParamRobustMean: "dimmedian"}},
		{"robust_pprgo", map[string]any{ParamRobustMean: "trimmed_mean"}},
		{"robust_pprgo", map[string]any{ParamRobustMean: "sum"}},
	} {
		t.Run(tc.model, func(t *testing.T) {
			ctx := newTestContext(t, features)
			ctx.SetParam(ParamModel, tc.model)
			ctx.SetParams(tc.params)
			logits, mask := runModel(t, backend, ctx, matrix)
			require.NoError(t, logits.Shape().Check(dtypes.Float32, 5, testNumClasses))
			assert.Equal(t, []bool{true, true, true, false, false}, tensors.CopyFlatData[bool](mask))
			values := tensors.CopyFlatData[float32](logits)
			assert.Equal(t, []float32{0, 0, 0, 0}, values[3*testNumClasses:], "padding rows must have logits 0")

			// Only the MLP weights are trainable.
			ctx.EnumerateVariables(func(v *context.Variable) {
				if v.Trainable {
					assert.Equal(t, "weights", v.Name(), "unexpected trainable variable %s/%s", v.Scope(), v.Name())
				}
			})
		})
	}
}

func TestPPRGoSumAggregation(t *testing.T) {
	// With sum aggregation, a row with a single entry of score s gets s times the logits of the node.
	backend := graphtest.BuildTestBackend()
	features, _, _ := testGraph(nil)
	matrix := must.M1(ppr.NewMatrix(testNumNodes, []int32{0, 1}, []int32{0, 1}, []int32{5, 5}, []float32{1, 0.5}))
	ctx := newTestContext(t, features)
	logits, _ := runModel(t, backend, ctx, matrix)
	values := tensors.CopyFlatData[float32](logits)
	for class := range testNumClasses {
		assert.InDelta(t, values[class]*0.5, values[testNumClasses+class], 1e-5)
	}
}

func TestModelFn(t *testing.T) {
	ctx := context.New()
	_, layout, err := ModelFn(ctx)
	require.NoError(t, err)
	assert.Equal(t, dataset.LayoutFlat, layout)

	ctx.SetParam(ParamModel, "robust_pprgo")
	_, layout, err = ModelFn(ctx)
	require.NoError(t, err)
	assert.Equal(t, dataset.LayoutRows, layout)

	ctx.SetParam(ParamModel, "gcn")
	_, _, err = ModelFn(ctx)
	require.ErrorContains(t, err, "robust_pprgo")
}

func TestUploadFeatures(t *testing.T) {
	ctx := context.New()
	v := UploadFeatures(ctx, tensors.FromValue([][]float32{{1, 2}, {3, 4}}))
	assert.False(t, v.Trainable)
	assert.Equal(t, DataScope, v.Scope())

	// Uploading again replaces the value of the same variable, and leaves the previous tensor intact.
	first := v.Value()
	second := tensors.FromValue([][]float32{{5, 6}, {7, 8}, {9, 10}})
	v2 := UploadFeatures(ctx, second)
	assert.Same(t, v, v2)
	assert.Equal(t, 1, ctx.NumVariables())
	require.NoError(t, v2.Value().Shape().Check(dtypes.Float32, 3, 2))
	assert.Len(t, dataVariables(ctx), 1)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, first.Value())

	// Uploading the same tensor again keeps it usable.
	v3 := UploadFeatures(ctx, second)
	assert.Same(t, v, v3)
	assert.Same(t, second, v3.Value())
	assert.Equal(t, [][]float32{{5, 6}, {7, 8}, {9, 10}}, second.Value())

	require.Panics(t, func() { UploadFeatures(ctx, tensors.FromValue([]float32{1, 2})) })
	require.Panics(t, func() { UploadFeatures(ctx, tensors.FromValue([][]int32{{1}})) })
	require.Panics(t, func() { UploadFeatures(ctx, nil) })
}

func TestDataValidate(t *testing.T) {
	features, labels, matrix := testGraph([]int32{0, 1})
	data := &Data{Features: features, Labels: labels, NumClasses: testNumClasses, Train: matrix}
	require.NoError(t, data.Validate())
	assert.Equal(t, []int32{0, 1}, data.targetLabels(matrix))

	for name, modify := range map[string]func(d *Data){
		"no features":    func(d *Data) { d.Features = nil },
		"no classes":     func(d *Data) { d.NumClasses = 0 },
		"labels count":   func(d *Data) { d.Labels = d.Labels[:3] },
		"label range":    func(d *Data) { d.Labels = append([]int32{7}, d.Labels[1:]...) },
		"no train":       func(d *Data) { d.Train = nil },
		"nodes mismatch": func(d *Data) { d.Validation = must.M1(ppr.NewMatrix(3, nil, nil, nil, nil)) },
	} {
		d := *data
		modify(&d)
		require.Error(t, d.Validate(), name)
	}
}

func TestNewContext(t *testing.T) {
	ctx, paramsSet, err := NewContext("model=robust_pprgo;robust_mean_k=4")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ParamModel, aggregation.ParamK}, paramsSet)
	assert.Equal(t, "robust_pprgo", context.GetParamOr(ctx, ParamModel, ""))
	assert.Equal(t, 4, context.GetParamOr(ctx, aggregation.ParamK, 0))

	_, _, err = NewContext("unknown_param=1")
	require.Error(t, err)
}

func TestTrainAndPredict(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	trainTargets := []int32{0, 1, 2, 3, 4, 5, 6, 7}
	validTargets := []int32{8, 9, 10, 11}
	features, labels, trainMatrix := testGraph(trainTargets)
	_, _, validMatrix := testGraph(validTargets)
	data := &Data{Features: features, Labels: labels, NumClasses: testNumClasses, Train: trainMatrix, Validation: validMatrix}

	for _, model := range []string{"pprgo", "robust_pprgo"} {
		t.Run(model, func(t *testing.T) {
			ctx := newTestContext(t, features)
			ctx.SetParams(map[string]any{
				ParamModel:                   model,
				ParamTrainSteps:              300,
				ParamBatchSize:               4,
				ParamEvalBatchSize:           3,
				optimizers.ParamLearningRate: 0.05,
				layers.ParamDropoutRate:      0.0,
				aggregation.ParamK:           2,
			})
			require.NoError(t, Train(ctx, backend, data))
			assert.Equal(t, int64(300), optimizers.GetGlobalStep(ctx))
			assert.Nil(t, ctx.InspectVariable(context.RootScope+"model", optimizers.GlobalStepVariableName),
				"global step must live in the root scope")

			predictions, err := Predict(ctx, backend, validMatrix)
			require.NoError(t, err)
			assert.Equal(t, data.targetLabels(validMatrix), predictions)
			require.NoError(t, Eval(ctx, backend, data))

			// Training again with the same train_steps is a no-op.
			require.NoError(t, Train(ctx, backend, data))
			assert.Equal(t, int64(300), optimizers.GetGlobalStep(ctx))
		})
	}

	// Errors.
	bad := *data
	bad.NumClasses = 0
	require.Error(t, Train(newTestContext(t, features), backend, &bad))
	_, err := Predict(context.New(), backend, trainMatrix)
	require.Error(t, err, "Predict without features uploaded must fail")
	predictions, err := Predict(context.New(), backend, must.M1(ppr.NewMatrix(testNumNodes, nil, nil, nil, nil)))
	require.NoError(t, err)
	assert.Empty(t, predictions)
}

// newTrainData returns data where the targets 0 to 7 are used for training and 8 to 11 for validation.
func newTrainData() *Data {
	features, labels, trainMatrix := testGraph([]int32{0, 1, 2, 3, 4, 5, 6, 7})
	_, _, validMatrix := testGraph([]int32{8, 9, 10, 11})
	return &Data{Features: features, Labels: labels, NumClasses: testNumClasses, Train: trainMatrix, Validation: validMatrix}
}

func TestCheckpoint(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	data := newTrainData()
	checkpointDir := filepath.Join(t.TempDir(), "pprgo")

	ctx := newTestContext(t, data.Features)
	ctx.SetParams(map[string]any{
		ParamModel:                   "robust_pprgo",
		ParamCheckpointPath:          checkpointDir,
		ParamTrainSteps:              100,
		ParamBatchSize:               4,
		optimizers.ParamLearningRate: 0.05,
		aggregation.ParamK:           2,
	})
	require.NoError(t, Train(ctx, backend, data))
	predictions, err := Predict(ctx, backend, data.Validation)
	require.NoError(t, err)

	// The frozen node features are not saved.
	jsonFiles, err := filepath.Glob(filepath.Join(checkpointDir, "*"+checkpoints.JsonNameSuffix))
	require.NoError(t, err)
	require.NotEmpty(t, jsonFiles)
	for _, jsonFile := range jsonFiles {
		contents, err := os.ReadFile(jsonFile)
		require.NoError(t, err)
		assert.NotContains(t, string(contents), DataScope, "checkpoint %s saved the node features", jsonFile)
		assert.Contains(t, string(contents), "weights")
	}

	// A fresh context loads the model (and its hyperparameters) from the checkpoint.
	ctx = context.New()
	ctx.SetParams(map[string]any{
		ParamCheckpointPath: checkpointDir,
		ParamProgressBar:    false,
		ParamTrainSteps:     150,
	})
	require.NoError(t, Eval(ctx, backend, data))
	assert.Equal(t, "robust_pprgo", context.GetParamOr(ctx, ParamModel, ""))
	assert.Equal(t, int64(100), optimizers.GetGlobalStep(ctx))
	restored, err := Predict(ctx, backend, data.Validation)
	require.NoError(t, err)
	assert.Equal(t, predictions, restored)

	// Training resumes from the restored global step. The features were already uploaded by Eval.
	require.NoError(t, Train(ctx, backend, data))
	assert.Equal(t, int64(150), optimizers.GetGlobalStep(ctx))
	assert.Equal(t, testNumNodes, data.Features.Shape().Dimensions[0], "caller's features must remain valid")
}
