// Package esrgan - Generator und Diskriminator fuer das GAN-Training
//
// Enthaelt den SRResNet-Generator (Residual-Bloecke ohne BatchNorm, Nearest
// Upsampling pro Faktor 2) und den VGG-artigen Diskriminator. Beide werden
// in init() bei der Netzwerk-Registry angemeldet.

package esrgan

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/ml/nn"
	"github.com/srflow/srflow/model"
)

var (
	ErrInvalidScale = errors.New("esrgan: scale must be a power of two")
	ErrInputSize    = errors.New("esrgan: discriminator input size must be a multiple of 32")
	ErrInputShape   = errors.New("esrgan: unexpected input shape")
)

func init() {
	model.RegisterGenerator("sr_resnet", NewGenerator)
	model.RegisterDiscriminator("discriminator_vgg", NewDiscriminator)
}

// ResidualBlock ist conv -> relu -> conv mit Identitaets-Abkuerzung
type ResidualBlock struct {
	Conv1 *nn.Conv2D `weight:"conv1"`
	Conv2 *nn.Conv2D `weight:"conv2"`
}

func (b *ResidualBlock) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	h := b.Conv1.Forward(ctx, x).RELU(ctx)
	return x.Add(ctx, b.Conv2.Forward(ctx, h))
}

// Generator ist ein SRResNet. Die Alternativnamen decken Checkpoints mit
// sequentieller Benennung (model.N) ab.
type Generator struct {
	ConvFirst *nn.Conv2D       `weight:"conv_first,alt:model.0"`
	Trunk     []*ResidualBlock `weight:"recon_trunk"`
	LRConv    *nn.Conv2D       `weight:"LR_conv"`
	UpConvs   []*nn.Conv2D     `weight:"upconv"`
	HRConv0   *nn.Conv2D       `weight:"HR_conv0"`
	HRConv1   *nn.Conv2D       `weight:"HR_conv1"`

	finalCap string
}

// NewGenerator baut den Generator aus opts. Scale muss eine Zweierpotenz
// sein, Scale 1 baut keine Upsampling-Stufe.
func NewGenerator(ctx ml.Context, opts model.Options) (model.Network, error) {
	if opts.Scale < 1 || bits.OnesCount(uint(opts.Scale)) != 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidScale, opts.Scale)
	}
	if _, err := model.ApplyFinalCap(ctx.NoGrad(), ctx.Zeros(1), opts.FinalCap); err != nil {
		return nil, err
	}

	nf := opts.NF
	g := &Generator{
		ConvFirst: nn.NewConv2D(ctx, opts.InChannels, nf, 3, 1, 1, true),
		LRConv:    nn.NewConv2D(ctx, nf, nf, 3, 1, 1, true),
		HRConv0:   nn.NewConv2D(ctx, nf, nf, 3, 1, 1, true),
		HRConv1:   nn.NewConv2D(ctx, nf, opts.OutChannels, 3, 1, 1, true),
		finalCap:  opts.FinalCap,
	}

	for range opts.NB {
		g.Trunk = append(g.Trunk, &ResidualBlock{
			Conv1: nn.NewConv2D(ctx, nf, nf, 3, 1, 1, true),
			Conv2: nn.NewConv2D(ctx, nf, nf, 3, 1, 1, true),
		})
	}

	for range bits.TrailingZeros(uint(opts.Scale)) {
		g.UpConvs = append(g.UpConvs, nn.NewConv2D(ctx, nf, nf, 3, 1, 1, true))
	}
	return g, nil
}

func (g *Generator) Forward(ctx ml.Context, x ml.Tensor) (ml.Tensor, error) {
	if x.Dim(1) != g.ConvFirst.Weight.Dim(1) {
		return nil, fmt.Errorf("%w: %v, expected %d channels", ErrInputShape, x.Shape(), g.ConvFirst.Weight.Dim(1))
	}

	fea := g.ConvFirst.Forward(ctx, x)

	h := fea
	for _, block := range g.Trunk {
		h = block.Forward(ctx, h)
	}
	h = fea.Add(ctx, g.LRConv.Forward(ctx, h))

	for _, up := range g.UpConvs {
		h = h.Interpolate(ctx, [4]int{h.Dim(0), h.Dim(1), h.Dim(2) * 2, h.Dim(3) * 2}, ml.SamplingModeNearest)
		h = up.Forward(ctx, h).RELU(ctx)
	}

	h = g.HRConv1.Forward(ctx, g.HRConv0.Forward(ctx, h).RELU(ctx))
	return model.ApplyFinalCap(ctx, h, g.finalCap)
}
