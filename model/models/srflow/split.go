package srflow

import (
	"fmt"
	"math"
	"slices"

	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/ml/nn"
)

// Split2d gibt einen Teil der Kanaele als Latent aus. Der verbrauchte Teil z2
// wird unter einer Gaussverteilung modelliert, deren Parameter ein
// Conv2DZeros-Prior aus dem weiterlaufenden Teil z1 schaetzt.
type Split2d struct {
	Conv *nn.Conv2DZeros `weight:"conv"`

	NumPass    int
	NumConsume int

	logsEps      float64
	conditional  bool
	condChannels int
}

// NewSplit2d baut den Split fuer channels Kanaele. Mit conditional wird der
// Level-Tensor (condChannels breit) an den Prior-Eingang konkateniert.
// Beide Teile muessen mindestens einen Kanal behalten.
func NewSplit2d(ctx ml.Context, channels int, opts SplitOptions, condChannels int) (*Split2d, error) {
	consume := int(math.Round(float64(channels) * opts.ConsumeRatio))
	pass := channels - consume
	if consume < 1 || pass < 1 {
		return nil, fmt.Errorf("%w: consume ratio %v leaves %d of %d channels", ErrInvalidOption, opts.ConsumeRatio, pass, channels)
	}

	in := pass
	if opts.Conditional {
		in += condChannels
	}

	return &Split2d{
		Conv:         nn.NewConv2DZeros(ctx, in, 2*consume),
		NumPass:      pass,
		NumConsume:   consume,
		logsEps:      opts.LogsEps,
		conditional:  opts.Conditional,
		condChannels: condChannels,
	}, nil
}

func (m *Split2d) Kind() Kind { return KindSplit }

// prior liefert mean und logs fuer z2
func (m *Split2d) prior(ctx ml.Context, z1, cond ml.Tensor) (mean, logs ml.Tensor, err error) {
	if m.conditional {
		if err := checkConditioning(z1, cond, m.condChannels); err != nil {
			return nil, nil, err
		}
		z1 = z1.Concat(ctx, cond, 1)
	}

	mean, logs = crossSplit(ctx, m.Conv.Forward(ctx, z1))
	return mean, logs, nil
}

func (m *Split2d) scale(ctx ml.Context, logs ml.Tensor) ml.Tensor {
	return logs.Exp(ctx).AddScalar(ctx, m.logsEps)
}

func (m *Split2d) apply(ctx ml.Context, s *flowState, dir Direction) error {
	if dir == Encode {
		z1, z2 := splitChannels(ctx, s.x, m.NumPass)
		mean, logs, err := m.prior(ctx, z1, s.cond)
		if err != nil {
			return err
		}

		eps := z2.Sub(ctx, mean).Div(ctx, m.scale(ctx, logs))
		s.addLogDet(ctx, GaussianLogp(ctx, mean, logs, z2))
		if s.latents != nil {
			s.latents.push(eps)
		}

		s.x = z1
		return nil
	}

	z1 := s.x
	mean, logs, err := m.prior(ctx, z1, s.cond)
	if err != nil {
		return err
	}

	var eps ml.Tensor
	if s.latents != nil {
		if eps, err = s.latents.pop(); err != nil {
			return err
		}
		if !slices.Equal(eps.Shape(), mean.Shape()) {
			return fmt.Errorf("%w: latent %v, split expects %v", ErrLatentShape, eps.Shape(), mean.Shape())
		}
	} else {
		eps = sampleEps(ctx, s.epsStd, mean.Shape()...)
	}

	z2 := mean.Add(ctx, m.scale(ctx, logs).Mul(ctx, eps))
	s.subLogDet(ctx, GaussianLogp(ctx, mean, logs, z2))
	s.x = z1.Concat(ctx, z2, 1)
	return nil
}
