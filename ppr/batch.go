// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ppr

import (
	"github.com/pkg/errors"
)

// FlatBatch is the layout used by PPRGo: the PPR entries of all rows of a batch are concatenated,
// and each entry carries the index of the batch row it belongs to.
//
// All slices have length BatchSize*Width, except RowMask which has length BatchSize.
// Padding entries have score 0, EntryMask false and point to node 0 and to the last row of
// the batch, so BatchIdx stays sorted.
type FlatBatch struct {
	BatchSize, Width int

	Nodes     []int32
	Scores    []float32
	BatchIdx  []int32
	EntryMask []bool

	// RowMask is false for the rows of the batch that are padding.
	RowMask []bool
}

// RowsBatch is the layout used by RobustPPRGo: each batch row is padded to Width entries,
// and the columns index into a compacted list of the distinct nodes in the batch.
//
// Nodes and NodeMask have length BatchSize*Width (the worst case of all entries being distinct),
// Cols, Values and EntryMask have length BatchSize*Width and are read as shape [BatchSize, Width].
type RowsBatch struct {
	BatchSize, Width int

	// NumNodes is the number of distinct (non-padding) nodes in Nodes.
	NumNodes int
	Nodes    []int32
	NodeMask []bool

	Cols      []int32
	Values    []float32
	EntryMask []bool

	RowMask []bool
}

func (m *Matrix) checkBatch(rows []int, batchSize, width int) error {
	if batchSize <= 0 || width <= 0 {
		return errors.Errorf("ppr: batchSize (%d) and width (%d) must be > 0", batchSize, width)
	}
	if len(rows) > batchSize {
		return errors.Errorf("ppr: %d rows given for a batch of size %d", len(rows), batchSize)
	}
	for _, r := range rows {
		if r < 0 || r >= m.NumRows() {
			return errors.Errorf("ppr: row %d out of range [0, %d)", r, m.NumRows())
		}
		if nnz := int(m.RowPtr[r+1] - m.RowPtr[r]); nnz > width {
			return errors.Errorf("ppr: row %d has %d entries, more than the batch width %d -- use Matrix.TopK(%d) first",
				r, nnz, width, width)
		}
	}
	return nil
}

// FlatBatch builds the PPRGo layout for the given rows, padded to batchSize rows of up to width entries.
func (m *Matrix) FlatBatch(rows []int, batchSize, width int) (*FlatBatch, error) {
	if err := m.checkBatch(rows, batchSize, width); err != nil {
		return nil, errors.WithMessage(err, "ppr.Matrix.FlatBatch")
	}
	size := batchSize * width
	b := &FlatBatch{
		BatchSize: batchSize,
		Width:     width,
		Nodes:     make([]int32, 0, size),
		Scores:    make([]float32, 0, size),
		BatchIdx:  make([]int32, 0, size),
		EntryMask: make([]bool, 0, size),
		RowMask:   make([]bool, batchSize),
	}
	for batchRow, r := range rows {
		b.RowMask[batchRow] = true
		cols, values := m.Row(r)
		for ii, col := range cols {
			b.Nodes = append(b.Nodes, col)
			b.Scores = append(b.Scores, values[ii])
			b.BatchIdx = append(b.BatchIdx, int32(batchRow))
			b.EntryMask = append(b.EntryMask, true)
		}
	}
	lastRow := int32(batchSize - 1)
	for len(b.Nodes) < size {
		b.Nodes = append(b.Nodes, 0)
		b.Scores = append(b.Scores, 0)
		b.BatchIdx = append(b.BatchIdx, lastRow)
		b.EntryMask = append(b.EntryMask, false)
	}
	return b, nil
}

// RowsBatch builds the RobustPPRGo layout for the given rows, padded to batchSize rows of width entries.
func (m *Matrix) RowsBatch(rows []int, batchSize, width int) (*RowsBatch, error) {
	if err := m.checkBatch(rows, batchSize, width); err != nil {
		return nil, errors.WithMessage(err, "ppr.Matrix.RowsBatch")
	}
	size := batchSize * width
	b := &RowsBatch{
		BatchSize: batchSize,
		Width:     width,
		Nodes:     make([]int32, size),
		NodeMask:  make([]bool, size),
		Cols:      make([]int32, size),
		Values:    make([]float32, size),
		EntryMask: make([]bool, size),
		RowMask:   make([]bool, batchSize),
	}
	nodeToCompact := make(map[int32]int32, size)
	for batchRow, r := range rows {
		b.RowMask[batchRow] = true
		cols, values := m.Row(r)
		for ii, col := range cols {
			compact, found := nodeToCompact[col]
			if !found {
				compact = int32(b.NumNodes)
				nodeToCompact[col] = compact
				b.Nodes[compact] = col
				b.NodeMask[compact] = true
				b.NumNodes++
			}
			pos := batchRow*width + ii
			b.Cols[pos] = compact
			b.Values[pos] = values[ii]
			b.EntryMask[pos] = true
		}
	}
	return b, nil
}
