package esrgan

import (
	"fmt"

	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/ml/nn"
	"github.com/srflow/srflow/model"
)

// stages halbiert die Aufloesung fuenfmal, 128 -> 4
const stages = 5

// vggStage ist conv3 (s1) -> conv4 (s2), jeweils mit BatchNorm und
// LeakyReLU. Die erste Stufe hat vor der ersten Faltung keine Normierung.
type vggStage struct {
	Conv0 *nn.Conv2D      `weight:"conv0"`
	BN0   *nn.BatchNorm2D `weight:"bn0,optional"`
	Conv1 *nn.Conv2D      `weight:"conv1"`
	BN1   *nn.BatchNorm2D `weight:"bn1"`
}

func (s *vggStage) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	x = s.Conv0.Forward(ctx, x)
	if s.BN0 != nil {
		x = s.BN0.Forward(ctx, x)
	}
	x = x.LeakyRELU(ctx, 0.2)
	return s.BN1.Forward(ctx, s.Conv1.Forward(ctx, x)).LeakyRELU(ctx, 0.2)
}

// Discriminator ist der VGG-artige Diskriminator mit linearem Kopf
type Discriminator struct {
	Stages  []*vggStage `weight:"features"`
	Linear1 *nn.Linear  `weight:"linear1"`
	Linear2 *nn.Linear  `weight:"linear2"`

	size int
}

func NewDiscriminator(ctx ml.Context, opts model.Options) (model.Network, error) {
	if opts.InputSize <= 0 || opts.InputSize%(1<<stages) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInputSize, opts.InputSize)
	}

	d := &Discriminator{size: opts.InputSize}
	in, nf := opts.InChannels, opts.NF
	for i := range stages {
		out := nf << min(i, 3)
		stage := &vggStage{
			Conv0: nn.NewConv2D(ctx, in, out, 3, 1, 1, i == 0),
			Conv1: nn.NewConv2D(ctx, out, out, 4, 2, 1, false),
			BN1:   nn.NewBatchNorm2D(ctx, out),
		}
		if i > 0 {
			stage.BN0 = nn.NewBatchNorm2D(ctx, out)
		}
		d.Stages = append(d.Stages, stage)
		in = out
	}

	side := opts.InputSize >> stages
	d.Linear1 = nn.NewLinear(ctx, in*side*side, 100, true)
	d.Linear2 = nn.NewLinear(ctx, 100, 1, true)
	return d, nil
}

// SetTraining schaltet alle BatchNorm-Layer
func (d *Discriminator) SetTraining(training bool) {
	for _, s := range d.Stages {
		if s.BN0 != nil {
			s.BN0.Training = training
		}
		s.BN1.Training = training
	}
}

// Forward gibt die Logits mit Shape (N, 1) zurueck
func (d *Discriminator) Forward(ctx ml.Context, x ml.Tensor) (ml.Tensor, error) {
	if x.Dim(2) != d.size || x.Dim(3) != d.size {
		return nil, fmt.Errorf("%w: %v, expected %dx%d", ErrInputShape, x.Shape(), d.size, d.size)
	}

	for _, s := range d.Stages {
		x = s.Forward(ctx, x)
	}

	x = x.Reshape(ctx, x.Dim(0), -1)
	x = d.Linear1.Forward(ctx, x).LeakyRELU(ctx, 0.2)
	return d.Linear2.Forward(ctx, x), nil
}
