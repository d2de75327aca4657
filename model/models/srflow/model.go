package srflow

import (
	"fmt"
	"math"

	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/ml/nn"
)

// quant ist die Anzahl der Quantisierungsstufen eines 8-Bit-Bildes
const quant = 255

// Model verbindet ConditionNet und Upsampler zum bedingten SR-Flow
type Model struct {
	RRDB *ConditionNet `weight:"RRDB"`
	Flow *Upsampler    `weight:"flowUpsamplerNet"`
}

func NewModel(ctx ml.Context, opts Options) (*Model, error) {
	opts = opts.withDefaults()
	if opts.LevelConditionalChannels != 0 {
		return nil, fmt.Errorf("%w: level conditional channels need an external pyramid", ErrInvalidOption)
	}

	flow, err := NewUpsampler(ctx, opts)
	if err != nil {
		return nil, err
	}

	cond, err := NewConditionNet(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Model{RRDB: cond, Flow: flow}, nil
}

// pyramid prueft die LR-Groesse und berechnet die Konditionierung
func (m *Model) pyramid(ctx ml.Context, lr ml.Tensor) (Pyramid, error) {
	opts := m.Flow.Options()
	if lr.Dim(2)*opts.Scale != opts.ImageShape[0] || lr.Dim(3)*opts.Scale != opts.ImageShape[1] {
		return nil, fmt.Errorf("%w: lr %dx%d at scale %d, network expects %dx%d", ErrConditioningShape,
			lr.Dim(2), lr.Dim(3), opts.Scale, opts.ImageShape[0], opts.ImageShape[1])
	}
	return m.RRDB.Forward(ctx, lr)
}

// AfterLoad gibt den geladenen Zustand an den Flow weiter
func (m *Model) AfterLoad() {
	m.Flow.AfterLoad()
}

// Encode bildet hr bedingt auf lr auf das Latent ab
func (m *Model) Encode(ctx ml.Context, lr, hr ml.Tensor, mode LatentMode) (Latent, ml.Tensor, error) {
	pyramid, err := m.pyramid(ctx, lr)
	if err != nil {
		return Latent{}, nil, err
	}
	return m.Flow.Encode(ctx, hr, pyramid, nil, mode)
}

// Decode bildet latent bedingt auf lr zurueck auf ein SR-Bild ab
func (m *Model) Decode(ctx ml.Context, lr ml.Tensor, latent Latent, epsStd float64) (ml.Tensor, ml.Tensor, error) {
	pyramid, err := m.pyramid(ctx, lr)
	if err != nil {
		return nil, nil, err
	}
	return m.Flow.Decode(ctx, pyramid, latent, epsStd, nil)
}

// Sample zieht ein SR-Bild mit Temperatur epsStd
func (m *Model) Sample(ctx ml.Context, lr ml.Tensor, epsStd float64) (ml.Tensor, error) {
	top := m.Flow.TopShape()
	z := sampleEps(ctx, epsStd, lr.Dim(0), top[0], top[1], top[2])

	sr, _, err := m.Decode(ctx, lr, Single(z), epsStd)
	return sr, err
}

// NLL ist die negative Log-Likelihood von hr gegeben lr in Bits pro
// Dimension, Shape (N). hr wird mit gleichverteiltem Rauschen der Breite
// 1/255 dequantisiert.
func (m *Model) NLL(ctx ml.Context, lr, hr ml.Tensor) (ml.Tensor, error) {
	pixels := float64(hr.Dim(1) * hr.Dim(2) * hr.Dim(3))

	noise := make([]float64, hr.Len())
	for i := range noise {
		noise[i] = (ctx.Rand().Float64() - 0.5) / quant
	}
	z := hr.Add(ctx, ctx.FromFloats(noise, hr.Shape()...))

	logdet := ctx.Zeros(hr.Dim(0)).AddScalar(ctx, -math.Log(quant)*pixels)

	pyramid, err := m.pyramid(ctx, lr)
	if err != nil {
		return nil, err
	}

	latent, logdet, err := m.Flow.Encode(ctx, z, pyramid, logdet, ModeSingle)
	if err != nil {
		return nil, err
	}

	objective := logdet.Add(ctx, StandardLogp(ctx, latent.Top()))
	return objective.Scale(ctx, -1/(math.Ln2*pixels)), nil
}

// NumParams zaehlt die trainierbaren Elemente beider Netze
func (m *Model) NumParams() int {
	return nn.Count(m)
}
