// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ppr holds precomputed personalized PageRank (PPR) scores as a sparse matrix,
// and converts selections of its rows into the fixed-shape batch layouts consumed by the
// PPRGo models.
//
// Each row of a Matrix belongs to one target node (see Matrix.Targets), and holds the PPR
// scores of that target over the nodes of the graph. Computing those scores is not done
// here: they are given, usually already truncated to the top-k entries per row.
package ppr

import (
	"cmp"
	"slices"

	"github.com/pkg/errors"
)

// Matrix is a sparse matrix in CSR (compressed sparse row) format, with one row per target node.
//
// Row r holds the entries Cols[RowPtr[r]:RowPtr[r+1]] with scores Values[RowPtr[r]:RowPtr[r+1]].
// Columns are graph node ids in the range [0, NumNodes).
type Matrix struct {
	// NumNodes is the number of nodes in the graph, the number of columns of the matrix.
	NumNodes int

	// Targets holds the graph node id of each row.
	Targets []int32

	RowPtr []int32
	Cols   []int32
	Values []float32
}

// NewMatrix creates a Matrix from COO (coordinate) triplets: rows[ii], cols[ii], values[ii].
//
// rows index into targets, and there will be one row per target (possibly empty).
// The triplets can be in any order, and duplicate (row, col) pairs are summed.
func NewMatrix(numNodes int, targets []int32, rows, cols []int32, values []float32) (*Matrix, error) {
	if len(rows) != len(cols) || len(rows) != len(values) {
		return nil, errors.Errorf("ppr.NewMatrix: rows (%d), cols (%d) and values (%d) must have the same length",
			len(rows), len(cols), len(values))
	}
	numRows := len(targets)
	type entry struct {
		row, col int32
		value    float32
	}
	entries := make([]entry, len(rows))
	for ii := range rows {
		if rows[ii] < 0 || int(rows[ii]) >= numRows {
			return nil, errors.Errorf("ppr.NewMatrix: entry #%d has row %d out of range [0, %d)", ii, rows[ii], numRows)
		}
		if cols[ii] < 0 || int(cols[ii]) >= numNodes {
			return nil, errors.Errorf("ppr.NewMatrix: entry #%d has column %d out of range [0, %d)", ii, cols[ii], numNodes)
		}
		entries[ii] = entry{rows[ii], cols[ii], values[ii]}
	}
	slices.SortStableFunc(entries, func(a, b entry) int {
		if c := cmp.Compare(a.row, b.row); c != 0 {
			return c
		}
		return cmp.Compare(a.col, b.col)
	})

	m := &Matrix{
		NumNodes: numNodes,
		Targets:  slices.Clone(targets),
		RowPtr:   make([]int32, numRows+1),
		Cols:     make([]int32, 0, len(entries)),
		Values:   make([]float32, 0, len(entries)),
	}
	for ii, e := range entries {
		if ii > 0 && entries[ii-1].row == e.row && entries[ii-1].col == e.col {
			m.Values[len(m.Values)-1] += e.value
			continue
		}
		m.Cols = append(m.Cols, e.col)
		m.Values = append(m.Values, e.value)
		m.RowPtr[e.row+1]++
	}
	for r := range numRows {
		m.RowPtr[r+1] += m.RowPtr[r]
	}
	return m, nil
}

// Validate checks the internal consistency of the CSR representation.
func (m *Matrix) Validate() error {
	if m == nil {
		return errors.New("ppr.Matrix is nil")
	}
	numRows := len(m.Targets)
	if len(m.RowPtr) != numRows+1 {
		return errors.Errorf("ppr.Matrix: len(RowPtr)=%d, but there are %d targets (want %d)",
			len(m.RowPtr), numRows, numRows+1)
	}
	if len(m.Cols) != len(m.Values) {
		return errors.Errorf("ppr.Matrix: len(Cols)=%d != len(Values)=%d", len(m.Cols), len(m.Values))
	}
	if m.RowPtr[0] != 0 || int(m.RowPtr[numRows]) != len(m.Cols) {
		return errors.Errorf("ppr.Matrix: RowPtr must start at 0 and end at NNZ=%d, got %d and %d",
			len(m.Cols), m.RowPtr[0], m.RowPtr[numRows])
	}
	for r := range numRows {
		if m.RowPtr[r+1] < m.RowPtr[r] {
			return errors.Errorf("ppr.Matrix: RowPtr must be non-decreasing, row %d has RowPtr %d > %d",
				r, m.RowPtr[r], m.RowPtr[r+1])
		}
	}
	for ii, col := range m.Cols {
		if col < 0 || int(col) >= m.NumNodes {
			return errors.Errorf("ppr.Matrix: entry #%d has column %d out of range [0, %d)", ii, col, m.NumNodes)
		}
	}
	for r, target := range m.Targets {
		if target < 0 || int(target) >= m.NumNodes {
			return errors.Errorf("ppr.Matrix: target of row %d is node %d, out of range [0, %d)", r, target, m.NumNodes)
		}
	}
	return nil
}

// NumRows returns the number of rows, one per target node.
func (m *Matrix) NumRows() int { return len(m.Targets) }

// NNZ returns the number of stored entries.
func (m *Matrix) NNZ() int { return len(m.Cols) }

// Row returns the columns and scores of row r. The returned slices are shared with the matrix.
func (m *Matrix) Row(r int) (cols []int32, values []float32) {
	start, end := m.RowPtr[r], m.RowPtr[r+1]
	return m.Cols[start:end], m.Values[start:end]
}

// MaxRowNNZ returns the largest number of entries in any row.
func (m *Matrix) MaxRowNNZ() int {
	maxNNZ := 0
	for r := range m.NumRows() {
		maxNNZ = max(maxNNZ, int(m.RowPtr[r+1]-m.RowPtr[r]))
	}
	return maxNNZ
}

// RowSum returns the sum of the scores of row r.
func (m *Matrix) RowSum(r int) float32 {
	_, values := m.Row(r)
	var sum float32
	for _, v := range values {
		sum += v
	}
	return sum
}

// TopK returns a new Matrix keeping only the k largest scores of each row.
// Ties are broken by the lower column. Kept entries stay sorted by column.
func (m *Matrix) TopK(k int) *Matrix {
	if k <= 0 {
		k = 0
	}
	out := &Matrix{
		NumNodes: m.NumNodes,
		Targets:  slices.Clone(m.Targets),
		RowPtr:   make([]int32, m.NumRows()+1),
	}
	order := make([]int, 0, m.MaxRowNNZ())
	for r := range m.NumRows() {
		cols, values := m.Row(r)
		order = order[:0]
		for ii := range cols {
			order = append(order, ii)
		}
		if len(order) > k {
			slices.SortStableFunc(order, func(a, b int) int {
				return cmp.Compare(values[b], values[a])
			})
			order = order[:k]
			slices.Sort(order)
		}
		for _, ii := range order {
			out.Cols = append(out.Cols, cols[ii])
			out.Values = append(out.Values, values[ii])
		}
		out.RowPtr[r+1] = int32(len(out.Cols))
	}
	return out
}

// SelectRows returns a new Matrix with only the given rows, in the given order.
func (m *Matrix) SelectRows(rows []int) (*Matrix, error) {
	out := &Matrix{
		NumNodes: m.NumNodes,
		Targets:  make([]int32, 0, len(rows)),
		RowPtr:   make([]int32, 1, len(rows)+1),
	}
	for _, r := range rows {
		if r < 0 || r >= m.NumRows() {
			return nil, errors.Errorf("ppr.Matrix.SelectRows: row %d out of range [0, %d)", r, m.NumRows())
		}
		cols, values := m.Row(r)
		out.Targets = append(out.Targets, m.Targets[r])
		out.Cols = append(out.Cols, cols...)
		out.Values = append(out.Values, values...)
		out.RowPtr = append(out.RowPtr, int32(len(out.Cols)))
	}
	return out, nil
}
