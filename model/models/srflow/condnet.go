package srflow

import (
	"fmt"
	"math/bits"
	"slices"
	"strconv"
	"strings"

	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/ml/nn"
)

// ResidualDenseBlock ist der 5-fach dicht verbundene Block des RRDB
type ResidualDenseBlock struct {
	Convs []*nn.Conv2D `weight:"conv"`
}

func NewResidualDenseBlock(ctx ml.Context, nf, gc int) *ResidualDenseBlock {
	b := &ResidualDenseBlock{}
	for i := range 4 {
		b.Convs = append(b.Convs, nn.NewConv2D(ctx, nf+i*gc, gc, 3, 1, 1, true))
	}
	b.Convs = append(b.Convs, nn.NewConv2D(ctx, nf+4*gc, nf, 3, 1, 1, true))
	return b
}

func (b *ResidualDenseBlock) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	features := x
	last := len(b.Convs) - 1
	for _, conv := range b.Convs[:last] {
		features = features.Concat(ctx, conv.Forward(ctx, features).LeakyRELU(ctx, 0.2), 1)
	}
	return b.Convs[last].Forward(ctx, features).Scale(ctx, 0.2).Add(ctx, x)
}

// RRDB sind drei ResidualDenseBlocks mit skalierter Residualverbindung
type RRDB struct {
	Blocks []*ResidualDenseBlock `weight:"RDB"`
}

func NewRRDB(ctx ml.Context, nf, gc int) *RRDB {
	return &RRDB{Blocks: []*ResidualDenseBlock{
		NewResidualDenseBlock(ctx, nf, gc),
		NewResidualDenseBlock(ctx, nf, gc),
		NewResidualDenseBlock(ctx, nf, gc),
	}}
}

func (r *RRDB) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	out := x
	for _, b := range r.Blocks {
		out = b.Forward(ctx, out)
	}
	return out.Scale(ctx, 0.2).Add(ctx, x)
}

// ConditionNet extrahiert aus dem LR-Bild die Konditionierungs-Pyramide.
// Jeder Eintrag ist das Feature der passenden Aufloesung, konkateniert mit den
// auf diese Aufloesung interpolierten Features der StackBlocks.
type ConditionNet struct {
	ConvFirst *nn.Conv2D   `weight:"conv_first"`
	Trunk     []*RRDB      `weight:"RRDB_trunk"`
	TrunkConv *nn.Conv2D   `weight:"trunk_conv"`
	UpConvs   []*nn.Conv2D `weight:"upconv"`

	names  []string
	blocks []int
}

func NewConditionNet(ctx ml.Context, opts Options) (*ConditionNet, error) {
	opts = opts.withDefaults()
	names, ok := levelNames[opts.Scale]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidScale, opts.Scale)
	}

	for _, b := range opts.StackBlocks {
		if b < 0 || b >= opts.RRDBBlocks {
			return nil, fmt.Errorf("%w: stack block %d outside of %d RRDB blocks", ErrInvalidOption, b, opts.RRDBBlocks)
		}
	}

	nf, gc := opts.FeatureWidth, opts.GrowthChannels
	m := &ConditionNet{
		ConvFirst: nn.NewConv2D(ctx, opts.ImageShape[2], nf, 3, 1, 1, true),
		TrunkConv: nn.NewConv2D(ctx, nf, nf, 3, 1, 1, true),
		names:     slices.Compact(slices.Clone(names)),
		blocks:    opts.StackBlocks,
	}

	for range opts.RRDBBlocks {
		m.Trunk = append(m.Trunk, NewRRDB(ctx, nf, gc))
	}

	// eine Upconv pro Verdopplung, scale ist eine Zweierpotenz
	for range bits.TrailingZeros(uint(opts.Scale)) {
		m.UpConvs = append(m.UpConvs, nn.NewConv2D(ctx, nf, nf, 3, 1, 1, true))
	}
	return m, nil
}

// upFactor liest n aus "fea_up{n}"
func upFactor(name string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(name, "fea_up"))
	if err != nil {
		return 0, fmt.Errorf("%w: level name %q", ErrInvalidOption, name)
	}
	return n, nil
}

func resize(ctx ml.Context, x ml.Tensor, h, w int, mode ml.SamplingMode) ml.Tensor {
	if x.Dim(2) == h && x.Dim(3) == w {
		return x
	}
	return x.Interpolate(ctx, [4]int{x.Dim(0), x.Dim(1), h, w}, mode)
}

// Forward berechnet die Pyramide fuer lr (N, C, H, W)
func (m *ConditionNet) Forward(ctx ml.Context, lr ml.Tensor) (Pyramid, error) {
	fea := m.ConvFirst.Forward(ctx, lr)

	var stacked []ml.Tensor
	trunk := fea
	for i, block := range m.Trunk {
		trunk = block.Forward(ctx, trunk)
		if slices.Contains(m.blocks, i) {
			stacked = append(stacked, trunk)
		}
	}
	fea = fea.Add(ctx, m.TrunkConv.Forward(ctx, trunk))

	// fea_up{2^k} ueber Nearest-Upsampling, fea_up1 ist das LR-Feature
	ups := map[int]ml.Tensor{1: fea}
	x := fea
	for i, conv := range m.UpConvs {
		x = resize(ctx, x, 2*x.Dim(2), 2*x.Dim(3), ml.SamplingModeNearest)
		x = conv.Forward(ctx, x).LeakyRELU(ctx, 0.2)
		ups[2<<i] = x
	}

	h, w := lr.Dim(2), lr.Dim(3)
	pyramid := make(Pyramid, len(m.names))
	for _, name := range m.names {
		n, err := upFactor(name)
		if err != nil {
			return nil, err
		}

		t, ok := ups[n]
		switch {
		case ok:
		case n == 0:
			t = resize(ctx, fea, h/2, w/2, ml.SamplingModeBilinear)
		case n == -1:
			t = resize(ctx, fea, h/4, w/4, ml.SamplingModeBilinear)
		default:
			return nil, fmt.Errorf("%w: no feature for %q", ErrMissingConditioning, name)
		}

		for _, b := range stacked {
			t = t.Concat(ctx, resize(ctx, b, t.Dim(2), t.Dim(3), ml.SamplingModeBilinear), 1)
		}
		pyramid[name] = t
	}
	return pyramid, nil
}
