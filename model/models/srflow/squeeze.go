package srflow

import (
	"fmt"

	"github.com/srflow/srflow/ml"
)

// Squeeze tauscht Aufloesung gegen Kanaltiefe: (C, H, W) -> (4C, H/2, W/2).
// Volumenerhaltend, der LogDet bleibt unveraendert.
type Squeeze struct{}

func (Squeeze) Kind() Kind { return KindSqueeze }

func (q Squeeze) apply(ctx ml.Context, s *flowState, dir Direction) error {
	var err error
	if dir == Encode {
		s.x, err = q.Forward(ctx, s.x)
	} else {
		s.x, err = q.Reverse(ctx, s.x)
	}
	return err
}

// Forward: (N, C, H, W) -> (N, 4C, H/2, W/2)
func (Squeeze) Forward(ctx ml.Context, x ml.Tensor) (ml.Tensor, error) {
	n, c, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	if h%2 != 0 || w%2 != 0 {
		return nil, fmt.Errorf("%w: cannot squeeze %dx%d", ErrOddResolution, h, w)
	}

	x = x.Reshape(ctx, n, c, h/2, 2, w/2, 2)
	x = x.Permute(ctx, 0, 1, 3, 5, 2, 4)
	return x.Reshape(ctx, n, c*4, h/2, w/2), nil
}

// Reverse: (N, 4C, H, W) -> (N, C, 2H, 2W)
func (Squeeze) Reverse(ctx ml.Context, x ml.Tensor) (ml.Tensor, error) {
	n, c, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	if c%4 != 0 {
		return nil, fmt.Errorf("%w: cannot unsqueeze %d channels", ErrInvalidOption, c)
	}

	x = x.Reshape(ctx, n, c/4, 2, 2, h, w)
	x = x.Permute(ctx, 0, 1, 4, 2, 5, 3)
	return x.Reshape(ctx, n, c/4, h*2, w*2), nil
}
