// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset implements a train.Dataset that yields batches of target nodes with their personalized
// PageRank (PPR) rows, in the fixed-shape layouts consumed by the PPRGo models.
package dataset

import (
	"fmt"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/pprgo/ppr"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Layout of the inputs yielded by the Dataset.
type Layout int

const (
	// LayoutFlat yields the inputs of PPRGo (see ppr.FlatBatch):
	// nodes Int32[E], scores Float32[E], batchIdx Int32[E], entryMask Bool[E] and rowMask Bool[B],
	// with E = BatchSize * RowWidth.
	LayoutFlat Layout = iota

	// LayoutRows yields the inputs of RobustPPRGo (see ppr.RowsBatch):
	// nodes Int32[N], nodeMask Bool[N], cols Int32[B, K], values Float32[B, K], entryMask Bool[B, K] and
	// rowMask Bool[B], with K = RowWidth and N = BatchSize * RowWidth.
	LayoutRows
)

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l {
	case LayoutFlat:
		return "flat"
	case LayoutRows:
		return "rows"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// Dataset yields batches of rows of a ppr.Matrix, and optionally their labels.
//
// It is configured with its methods before the first call to Yield. It is re-entrant, so it can be used
// with data.Parallel.
type Dataset struct {
	name   string
	matrix *ppr.Matrix
	labels []int32
	layout Layout

	batchSize, rowWidth int
	numEpochs           int
	shuffle             bool
	dropIncompleteBatch bool
	seed                uint64

	mu                      sync.Mutex
	frozen, loggedBatchSize bool
	rng                     *rand.Rand
	currentEpoch, position  int
	startOfEpoch, exhausted bool
	order                   []int
}

var _ train.Dataset = &Dataset{}

// New creates a Dataset over the rows of matrix.
//
// labels, if not nil, holds one label per row of the matrix, and they are yielded shaped Int32[BatchSize, 1].
// Labels of padding rows are 0: the models return the rows mask along with the logits, so padding rows are
// ignored by the losses and metrics.
// If labels is nil, Yield returns no labels (e.g.: for inference).
//
// The default configuration is 1 epoch, no shuffling, batch size 128 and the row width set to the
// largest row of the matrix.
func New(name string, matrix *ppr.Matrix, labels []int32, layout Layout) (*Dataset, error) {
	if err := matrix.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", name)
	}
	if labels != nil && len(labels) != matrix.NumRows() {
		return nil, errors.Errorf("dataset %q: got %d labels for a matrix with %d rows", name, len(labels), matrix.NumRows())
	}
	if layout != LayoutFlat && layout != LayoutRows {
		return nil, errors.Errorf("dataset %q: invalid layout %s", name, layout)
	}
	return &Dataset{
		name:         name,
		matrix:       matrix,
		labels:       labels,
		layout:       layout,
		batchSize:    128,
		rowWidth:     max(matrix.MaxRowNNZ(), 1),
		numEpochs:    1,
		seed:         rand.Uint64(),
		startOfEpoch: true,
	}, nil
}

func (ds *Dataset) checkNotFrozen() {
	if ds.frozen {
		Panicf("dataset %q: cannot change a Dataset that has already started yielding results", ds.name)
	}
}

// BatchSize configures the number of rows (target nodes) per batch. Default is 128.
func (ds *Dataset) BatchSize(n int) *Dataset {
	ds.checkNotFrozen()
	if n <= 0 {
		Panicf("dataset %q: BatchSize(n) requires n > 0, got %d", ds.name, n)
	}
	ds.batchSize = n
	return ds
}

// RowWidth configures the number of PPR entries reserved per row. It must be at least the largest
// number of entries in a row of the matrix -- see ppr.Matrix.TopK to limit it.
// Default is the largest row of the matrix.
func (ds *Dataset) RowWidth(k int) *Dataset {
	ds.checkNotFrozen()
	if k < ds.matrix.MaxRowNNZ() || k <= 0 {
		Panicf("dataset %q: RowWidth(%d) is smaller than the largest row of the matrix (%d entries)",
			ds.name, k, ds.matrix.MaxRowNNZ())
	}
	ds.rowWidth = k
	return ds
}

// Shuffle configures the dataset to shuffle the rows, reshuffling at every epoch.
func (ds *Dataset) Shuffle() *Dataset {
	ds.checkNotFrozen()
	ds.shuffle = true
	return ds
}

// Epochs configures the dataset to yield those many epochs. Default is 1.
func (ds *Dataset) Epochs(n int) *Dataset {
	ds.checkNotFrozen()
	if n <= 0 {
		Panicf("dataset %q: Epochs(n) requires n > 0, got %d", ds.name, n)
	}
	ds.numEpochs = n
	return ds
}

// Infinite configures the dataset to loop over epochs indefinitely.
func (ds *Dataset) Infinite() *Dataset {
	ds.checkNotFrozen()
	ds.numEpochs = -1
	return ds
}

// DropIncompleteBatch configures the dataset to skip the last batch of an epoch, if it is not complete.
// Otherwise, the last batch is padded with masked out rows.
func (ds *Dataset) DropIncompleteBatch() *Dataset {
	ds.checkNotFrozen()
	ds.dropIncompleteBatch = true
	return ds
}

// WithSeed sets the seed used for shuffling, for reproducible results.
func (ds *Dataset) WithSeed(seed uint64) *Dataset {
	ds.checkNotFrozen()
	ds.seed = seed
	return ds
}

// Layout returns the layout of the yielded inputs.
func (ds *Dataset) Layout() Layout { return ds.layout }

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset: it restarts the Dataset from the first epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.frozen = true
	ds.startOfEpoch = true
	ds.exhausted = false
	ds.currentEpoch = 0
}

// Yield implements train.Dataset. The returned spec is the Layout of the inputs.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec = ds.layout
	rows, err := ds.nextRows()
	if err != nil {
		return
	}
	switch ds.layout {
	case LayoutFlat:
		var batch *ppr.FlatBatch
		batch, err = ds.matrix.FlatBatch(rows, ds.batchSize, ds.rowWidth)
		if err != nil {
			err = errors.WithMessagef(err, "dataset %q", ds.name)
			return
		}
		inputs = FlatInputs(batch)
	case LayoutRows:
		var batch *ppr.RowsBatch
		batch, err = ds.matrix.RowsBatch(rows, ds.batchSize, ds.rowWidth)
		if err != nil {
			err = errors.WithMessagef(err, "dataset %q", ds.name)
			return
		}
		inputs = RowsInputs(batch)
	}
	if ds.labels != nil {
		labels = ds.batchLabels(rows)
	}
	ds.logBatchSize(inputs, labels)
	return
}

// nextRows returns the rows of the matrix for the next batch, or io.EOF if the dataset is exhausted.
func (ds *Dataset) nextRows() ([]int, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.frozen = true
	if ds.exhausted {
		return nil, io.EOF
	}
	numRows := ds.matrix.NumRows()
	if numRows == 0 || (ds.dropIncompleteBatch && numRows < ds.batchSize) {
		ds.exhausted = true
		return nil, errors.Errorf("dataset %q has %d rows, not enough for one batch of %d rows (DropIncompleteBatch=%v)",
			ds.name, numRows, ds.batchSize, ds.dropIncompleteBatch)
	}
	if ds.startOfEpoch {
		ds.startEpoch()
	}
	remaining := numRows - ds.position
	if remaining <= 0 || (ds.dropIncompleteBatch && remaining < ds.batchSize) {
		ds.currentEpoch++
		if ds.numEpochs > 0 && ds.currentEpoch >= ds.numEpochs {
			ds.exhausted = true
			return nil, io.EOF
		}
		ds.startEpoch()
		remaining = numRows
	}
	n := min(remaining, ds.batchSize)
	rows := make([]int, n)
	copy(rows, ds.order[ds.position:ds.position+n])
	ds.position += n
	return rows, nil
}

// startEpoch resets the position and reshuffles if needed. ds.mu must be locked.
func (ds *Dataset) startEpoch() {
	ds.startOfEpoch = false
	ds.position = 0
	if ds.order == nil {
		ds.order = make([]int, ds.matrix.NumRows())
		for ii := range ds.order {
			ds.order[ii] = ii
		}
	}
	if ds.shuffle {
		if ds.rng == nil {
			ds.rng = rand.New(rand.NewPCG(ds.seed, ds.seed))
		}
		ds.rng.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

func (ds *Dataset) batchLabels(rows []int) []*tensors.Tensor {
	labels := make([]int32, ds.batchSize)
	for ii, r := range rows {
		labels[ii] = ds.labels[r]
	}
	return []*tensors.Tensor{tensors.FromFlatDataAndDimensions(labels, ds.batchSize, 1)}
}

func (ds *Dataset) logBatchSize(inputs, labels []*tensors.Tensor) {
	if !klog.V(1).Enabled() {
		return
	}
	ds.mu.Lock()
	logged := ds.loggedBatchSize
	ds.loggedBatchSize = true
	ds.mu.Unlock()
	if logged {
		return
	}
	var totalBytes uint64
	for _, t := range append(inputs, labels...) {
		totalBytes += uint64(t.Memory())
	}
	klog.Infof("dataset %q: %s layout, batches of %d rows of width %d take %s",
		ds.name, ds.layout, ds.batchSize, ds.rowWidth, humanize.Bytes(totalBytes))
}

// FlatInputs converts a ppr.FlatBatch to the input tensors of LayoutFlat.
func FlatInputs(b *ppr.FlatBatch) []*tensors.Tensor {
	size := b.BatchSize * b.Width
	return []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(b.Nodes, size),
		tensors.FromFlatDataAndDimensions(b.Scores, size),
		tensors.FromFlatDataAndDimensions(b.BatchIdx, size),
		tensors.FromFlatDataAndDimensions(b.EntryMask, size),
		tensors.FromFlatDataAndDimensions(b.RowMask, b.BatchSize),
	}
}

// RowsInputs converts a ppr.RowsBatch to the input tensors of LayoutRows.
func RowsInputs(b *ppr.RowsBatch) []*tensors.Tensor {
	numNodes := b.BatchSize * b.Width
	return []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(b.Nodes, numNodes),
		tensors.FromFlatDataAndDimensions(b.NodeMask, numNodes),
		tensors.FromFlatDataAndDimensions(b.Cols, b.BatchSize, b.Width),
		tensors.FromFlatDataAndDimensions(b.Values, b.BatchSize, b.Width),
		tensors.FromFlatDataAndDimensions(b.EntryMask, b.BatchSize, b.Width),
		tensors.FromFlatDataAndDimensions(b.RowMask, b.BatchSize),
	}
}
