package ppr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestMatrix has 3 target nodes (5, 0, 2) over a graph with 6 nodes.
func newTestMatrix(t *testing.T) *Matrix {
	m, err := NewMatrix(6, []int32{5, 0, 2},
		[]int32{2, 0, 0, 1, 0, 2, 0},
		[]int32{2, 5, 1, 0, 3, 4, 5},
		[]float32{0.7, 0.5, 0.2, 1.0, 0.1, 0.3, 0.1})
	require.NoError(t, err)
	require.NoError(t, m.Validate())
	return m
}

func TestNewMatrix(t *testing.T) {
	m := newTestMatrix(t)
	assert.Equal(t, 3, m.NumRows())
	assert.Equal(t, 6, m.NNZ()) // Duplicate (0, 5) was summed.
	assert.Equal(t, []int32{0, 3, 4, 6}, m.RowPtr)

	cols, values := m.Row(0)
	assert.Equal(t, []int32{1, 3, 5}, cols)
	assert.InDeltaSlice(t, []float32{0.2, 0.1, 0.6}, values, 1e-6)
	assert.InDelta(t, 0.9, m.RowSum(0), 1e-6)
	assert.Equal(t, 3, m.MaxRowNNZ())

	_, err := NewMatrix(6, []int32{0}, []int32{1}, []int32{0}, []float32{1})
	require.Error(t, err, "row out of range")
	_, err = NewMatrix(6, []int32{0}, []int32{0}, []int32{6}, []float32{1})
	require.Error(t, err, "column out of range")
	_, err = NewMatrix(6, []int32{0}, []int32{0, 0}, []int32{1}, []float32{1})
	require.Error(t, err, "mismatched lengths")
}

func TestValidate(t *testing.T) {
	m := newTestMatrix(t)
	m.RowPtr[1] = 5
	require.Error(t, m.Validate())

	m = newTestMatrix(t)
	m.Targets[1] = 10
	require.Error(t, m.Validate())

	var nilMatrix *Matrix
	require.Error(t, nilMatrix.Validate())
}

func TestTopK(t *testing.T) {
	m := newTestMatrix(t).TopK(2)
	require.NoError(t, m.Validate())
	cols, values := m.Row(0)
	assert.Equal(t, []int32{1, 5}, cols)
	assert.InDeltaSlice(t, []float32{0.2, 0.6}, values, 1e-6)
	cols, _ = m.Row(2)
	assert.Equal(t, []int32{2, 4}, cols)
	assert.Equal(t, 2, m.MaxRowNNZ())
}

func TestSelectRows(t *testing.T) {
	m, err := newTestMatrix(t).SelectRows([]int{2, 0})
	require.NoError(t, err)
	require.NoError(t, m.Validate())
	assert.Equal(t, []int32{2, 5}, m.Targets)
	cols, _ := m.Row(1)
	assert.Equal(t, []int32{1, 3, 5}, cols)

	_, err = newTestMatrix(t).SelectRows([]int{3})
	require.Error(t, err)
}

func TestFlatBatch(t *testing.T) {
	m := newTestMatrix(t)
	b, err := m.FlatBatch([]int{1, 2}, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 2, 4, 0, 0, 0, 0, 0, 0}, b.Nodes)
	assert.Equal(t, []int32{0, 1, 1, 2, 2, 2, 2, 2, 2}, b.BatchIdx)
	assert.InDeltaSlice(t, []float32{1, 0.7, 0.3, 0, 0, 0, 0, 0, 0}, b.Scores, 1e-6)
	assert.Equal(t, []bool{true, true, true, false, false, false, false, false, false}, b.EntryMask)
	assert.Equal(t, []bool{true, true, false}, b.RowMask)

	_, err = m.FlatBatch([]int{0}, 1, 2)
	require.Error(t, err, "row 0 has 3 entries, wider than 2")
	_, err = m.FlatBatch([]int{0, 1}, 1, 3)
	require.Error(t, err, "more rows than the batch size")
}

func TestRowsBatch(t *testing.T) {
	m := newTestMatrix(t)
	b, err := m.RowsBatch([]int{0, 2}, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, b.NumNodes)
	assert.Equal(t, []int32{1, 3, 5, 2, 4, 0}, b.Nodes)
	assert.Equal(t, []bool{true, true, true, true, true, false}, b.NodeMask)
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 0}, b.Cols)
	assert.InDeltaSlice(t, []float32{0.2, 0.1, 0.6, 0.7, 0.3, 0}, b.Values, 1e-6)
	assert.Equal(t, []bool{true, true, true, true, true, false}, b.EntryMask)

	// Shared nodes across rows are compacted to the same column.
	m2, err := NewMatrix(4, []int32{0, 1}, []int32{0, 0, 1, 1}, []int32{1, 2, 2, 3}, []float32{1, 1, 1, 1})
	require.NoError(t, err)
	b, err = m2.RowsBatch([]int{0, 1}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, b.NumNodes)
	assert.Equal(t, []int32{0, 1, 1, 2}, b.Cols)
}
