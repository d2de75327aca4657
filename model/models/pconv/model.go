package pconv

import (
	"fmt"
	"log/slog"

	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/ml/nn"
)

// depth ist die Anzahl der Encoder- und Decoder-Layer
const depth = 8

// Options beschreibt das U-Net
type Options struct {
	InChannels int
	// Widths sind die Kanalbreiten der ersten vier Encoder-Layer, alle
	// tieferen Layer nutzen die letzte Breite
	Widths [4]int
	// FreezeBN haelt die Encoder-BatchNorms beim Fine-Tuning im Eval-Modus
	FreezeBN bool
}

func DefaultOptions() Options {
	return Options{InChannels: 3, Widths: [4]int{64, 128, 256, 512}}
}

// Model ist das U-Net aus partiellen Faltungen
type Model struct {
	Encoder []*PartialLayer `weight:"enc"`
	Decoder []*PartialLayer `weight:"dec"`

	opts     Options
	channels [depth + 1]int
}

var encoderKernels = [depth]int{7, 5, 5, 3, 3, 3, 3, 3}

func New(ctx ml.Context, opts Options) (*Model, error) {
	if opts.InChannels == 0 {
		opts.InChannels = 3
	}

	m := &Model{opts: opts}
	m.channels[0] = opts.InChannels
	for i := 1; i <= depth; i++ {
		m.channels[i] = opts.Widths[min(i-1, len(opts.Widths)-1)]
	}

	for i, k := range encoderKernels {
		l, err := NewPartialLayer(ctx, m.channels[i], m.channels[i+1], k, 2, "relu", true, false)
		if err != nil {
			return nil, err
		}
		m.Encoder = append(m.Encoder, l)
	}

	// Decoder j verbindet das hochskalierte Feature mit Skip-Feature 7-j
	for j := range depth {
		prev, skip := m.channels[depth-j], m.channels[depth-1-j]

		nonLinearity, bn := "leaky", true
		if j == depth-1 {
			nonLinearity, bn = "tanh", false
		}

		l, err := NewPartialLayer(ctx, prev+skip, skip, 3, 1, nonLinearity, bn, true)
		if err != nil {
			return nil, err
		}
		m.Decoder = append(m.Decoder, l)
	}

	slog.Debug("partial conv model built", "params", nn.Count(m), "freeze_bn", opts.FreezeBN)
	return m, nil
}

// SetTraining schaltet alle BatchNorms. Mit FreezeBN bleiben die
// Encoder-BatchNorms im Eval-Modus.
func (m *Model) SetTraining(training bool) {
	for _, l := range m.Encoder {
		if l.BN != nil {
			l.BN.Training = training && !m.opts.FreezeBN
		}
	}
	for _, l := range m.Decoder {
		if l.BN != nil {
			l.BN.Training = training
		}
	}
}

func upsample(ctx ml.Context, x ml.Tensor) ml.Tensor {
	return x.Interpolate(ctx, [4]int{x.Dim(0), x.Dim(1), 2 * x.Dim(2), 2 * x.Dim(3)}, ml.SamplingModeNearest)
}

// expandMask baut die Decoder-Maske aus Kanal 0 beider Masken
func expandMask(ctx ml.Context, up, skip ml.Tensor, upChannels, skipChannels int) ml.Tensor {
	a := up.Slice(ctx, 1, 0, 1, 1).Repeat(ctx, 1, upChannels)
	b := skip.Slice(ctx, 1, 0, 1, 1).Repeat(ctx, 1, skipChannels)
	return a.Concat(ctx, b, 1)
}

// Forward fuellt die Bereiche mit mask 0. x hat Shape (N, C, H, W), mask
// (N, 1, H, W); H und W muessen durch 256 teilbar sein.
func (m *Model) Forward(ctx ml.Context, x, mask ml.Tensor) (ml.Tensor, error) {
	const factor = 1 << depth
	if x.Dim(2)%factor != 0 || x.Dim(3)%factor != 0 {
		return nil, fmt.Errorf("%w: got %dx%d", ErrInputSize, x.Dim(2), x.Dim(3))
	}
	if x.Dim(1) != m.channels[0] {
		return nil, fmt.Errorf("%w: input has %d channels, model expects %d", ErrMaskShape, x.Dim(1), m.channels[0])
	}

	if mask == nil {
		mask = ctx.Ones(x.Dim(0), 1, x.Dim(2), x.Dim(3))
	}

	features := []ml.Tensor{x}
	masks := []ml.Tensor{mask}

	h, hm := x, mask
	for i, l := range m.Encoder {
		var err error
		if h, hm, err = l.Forward(ctx, h, hm); err != nil {
			return nil, fmt.Errorf("encoder %d: %w", i, err)
		}
		features = append(features, h)
		masks = append(masks, hm)
	}

	noGrad := ctx.NoGrad()
	for j, l := range m.Decoder {
		skip := depth - 1 - j
		prevChannels, skipChannels := m.channels[depth-j], m.channels[skip]

		in := upsample(ctx, h).Concat(ctx, features[skip], 1)
		inMask := expandMask(noGrad, upsample(noGrad, hm), masks[skip], prevChannels, skipChannels)

		var err error
		if h, hm, err = l.Forward(ctx, in, inMask); err != nil {
			return nil, fmt.Errorf("decoder %d: %w", j, err)
		}
	}
	return h, nil
}
