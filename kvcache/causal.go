package kvcache

import (
	"fmt"
	"math"

	"github.com/vlama/vlama/ml"
	"github.com/vlama/vlama/model/input"
)

// Causal cache stores K and V tensors by their position in the sequence,
// growing to the right as the session decodes. Get returns the stored
// history and a mask for attending to past tokens.
//
// The stored tensors are of shape head dim, kv heads, cached length and the
// mask is of shape cached length, batch size.
type Causal struct {
	DType ml.DType

	// capacity is the total number of positions the cache can hold
	capacity int

	// length is the number of positions stored, the current batch included
	length int

	// ** current forward pass **

	// size of the current batch
	curBatchSize int

	// positions corresponding to this pass's entries in the cache
	curPositions []int32

	// locations for data storage for this batch
	curLoc ml.Tensor

	// mask of the cache as used by this batch
	curMask ml.Tensor

	// the active layer for Get and Put
	curLayer int

	// ** cache metadata **

	// the position stored in each occupied cell
	cells []int32

	// ** cache data storage **

	backend      ml.Backend
	ctxs         map[int]ml.Context
	keys, values map[int]ml.Tensor
}

func NewCausalCache() *Causal {
	return &Causal{
		ctxs:   make(map[int]ml.Context),
		keys:   make(map[int]ml.Tensor),
		values: make(map[int]ml.Tensor),
	}
}

func (c *Causal) Init(backend ml.Backend, dtype ml.DType, capacity int) {
	c.DType = dtype
	c.capacity = capacity
	c.cells = make([]int32, 0, capacity)
	c.backend = backend
}

func (c *Causal) Close() {
	for _, ctx := range c.ctxs {
		ctx.Close()
	}
}

func (c *Causal) StartForward(ctx ml.Context, batch input.Batch) error {
	c.curBatchSize = len(batch.Positions)
	c.curPositions = batch.Positions

	if c.curBatchSize < 1 {
		return fmt.Errorf("batch size cannot be less than 1")
	}

	if c.length+c.curBatchSize > c.capacity {
		return fmt.Errorf("%w (position %v, capacity %v)",
			ErrKvCacheFull, c.length+c.curBatchSize-1, c.capacity)
	}

	locs := make([]int32, c.curBatchSize)
	for i := range locs {
		locs[i] = int32(c.length + i)
	}

	c.cells = append(c.cells, batch.Positions...)
	c.length += c.curBatchSize

	var err error
	c.curLoc, err = ctx.Input().FromIntSlice(locs, len(locs))
	if err != nil {
		return err
	}

	c.curMask, err = c.buildMask(ctx)

	return err
}

// buildMask creates the causal mask for the current batch: one row per
// batch entry covering every occupied cell, with -Inf marking cells whose
// position is in that entry's future.
func (c *Causal) buildMask(ctx ml.Context) (ml.Tensor, error) {
	mask := make([]float32, c.curBatchSize*c.length)

	for i := range c.curBatchSize {
		for j := range c.length {
			if c.cells[j] > c.curPositions[i] {
				mask[i*c.length+j] = float32(math.Inf(-1))
			}
		}
	}

	return ctx.Input().FromFloatSlice(mask, c.length, c.curBatchSize)
}

func (c *Causal) SetLayer(layer int) {
	c.curLayer = layer
}

func (c *Causal) Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor) {
	key := c.keys[c.curLayer]
	value := c.values[c.curLayer]

	kHeadDim := key.Dim(0)
	vHeadDim := value.Dim(0)
	numKVHeads := key.Dim(1)
	cachedSize := c.length

	key = key.View(ctx, 0,
		kHeadDim, key.Stride(1),
		numKVHeads, key.Stride(2),
		cachedSize,
	)

	value = value.View(ctx, 0,
		vHeadDim, value.Stride(1),
		numKVHeads, value.Stride(2),
		cachedSize,
	)

	return key, value, c.curMask
}

func (c *Causal) Put(ctx ml.Context, key, value ml.Tensor) {
	kHeadDim := key.Dim(0)
	vHeadDim := value.Dim(0)
	numKVHeads := key.Dim(1)
	batchSize := key.Dim(2)

	if c.curBatchSize != batchSize {
		panic(fmt.Errorf("inconsistent batch sizes (layer: %v, batch size: %v layer batch size: %v)", c.curLayer, c.curBatchSize, batchSize))
	}

	if _, ok := c.ctxs[c.curLayer]; !ok {
		c.ctxs[c.curLayer] = c.backend.NewContextSize(2).Layer(c.curLayer)
	}

	if _, ok := c.keys[c.curLayer]; !ok {
		c.keys[c.curLayer] = c.ctxs[c.curLayer].Zeros(c.DType, kHeadDim, numKVHeads, c.capacity)
	}

	if _, ok := c.values[c.curLayer]; !ok {
		c.values[c.curLayer] = c.ctxs[c.curLayer].Zeros(c.DType, vHeadDim, numKVHeads, c.capacity)
	}

	key = key.Reshape(ctx, kHeadDim*numKVHeads, batchSize)
	keyCache := c.keys[c.curLayer].Reshape(ctx, kHeadDim*numKVHeads, c.capacity)
	ctx.Forward(keyCache.SetRows(ctx, key, c.curLoc))

	value = value.Reshape(ctx, vHeadDim*numKVHeads, batchSize)
	valueCache := c.values[c.curLayer].Reshape(ctx, vHeadDim*numKVHeads, c.capacity)
	ctx.Forward(valueCache.SetRows(ctx, value, c.curLoc))
}

func (c *Causal) Len() int {
	return c.length
}

func (c *Causal) Reset() {
	c.length = 0
	c.cells = c.cells[:0]
	c.curBatchSize = 0
	c.curPositions = nil
	c.curLoc = nil
	c.curMask = nil
}
