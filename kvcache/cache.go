package kvcache

import (
	"errors"

	"github.com/vlama/vlama/ml"
	"github.com/vlama/vlama/model/input"
)

// ErrKvCacheFull is returned by StartForward when the incoming batch does
// not fit in the cache's remaining capacity. The session must stop
// generating or reset before forwarding again.
var ErrKvCacheFull = errors.New("could not find a kv cache slot")

type Cache interface {
	// ** used by model implementations **

	// SetLayer sets the active layer of the cache
	SetLayer(layer int)

	// Get returns the history of key and value tensors plus a mask
	//
	// The shape of the tensors is documented in the specific
	// cache implementation used.
	Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor)

	// Put stores a batch of key and value in the cache
	//
	// The shape of the tensors is documented in the specific
	// cache implementation used.
	Put(ctx ml.Context, key, value ml.Tensor)

	// ** cache management **

	// Init sets up runtime parameters. capacity is the total number of
	// positions the cache can hold.
	Init(backend ml.Backend, dtype ml.DType, capacity int)

	// Close closes the cache and frees resources associated with it
	Close()

	// StartForward is called before the start of the model's forward
	// pass. It reserves one storage position for each entry in the
	// coming batch.
	StartForward(ctx ml.Context, batch input.Batch) error

	// Len returns the number of positions currently stored. The count is
	// shared by all layers and includes the batch reserved by the most
	// recent StartForward.
	Len() int

	// Reset discards all stored positions while keeping allocated
	// storage for reuse.
	Reset()
}
