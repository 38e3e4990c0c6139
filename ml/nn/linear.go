package nn

import "github.com/vlama/vlama/ml"

type Linear struct {
	Weight ml.Tensor `st:"weight"`
	Bias   ml.Tensor `st:"bias"`
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = m.Weight.Mulmat(ctx, t)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}
