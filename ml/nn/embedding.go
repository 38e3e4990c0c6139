package nn

import "github.com/vlama/vlama/ml"

type Embedding struct {
	Weight ml.Tensor `st:"weight"`
}

func (m *Embedding) Forward(ctx ml.Context, ids ml.Tensor) ml.Tensor {
	return m.Weight.Rows(ctx, ids)
}
