// loss.go - Verlustfunktionen fuer das SR-GAN-Training
// Enthält: Pixel-Verluste (l1, l2, cb), Total Variation, GAN-Kriterien
// und den relativistischen Adversarial-Verlust fuer Generator und
// Diskriminator

package train

import (
	"errors"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/model"
)

var ErrUnknownLoss = errors.New("train: unknown loss")

// Criterion vergleicht Vorhersage und Ziel zu einem Skalar (Shape (1))
type Criterion func(ctx ml.Context, x, y ml.Tensor) ml.Tensor

// charbonnierEps glaettet den L1-Verlust bei Null
const charbonnierEps = 1e-6

// NewPixelLoss gibt das Kriterium l1, l2 oder cb (Charbonnier) zurueck
func NewPixelLoss(kind string) (Criterion, error) {
	switch kind {
	case "l1":
		return func(ctx ml.Context, x, y ml.Tensor) ml.Tensor {
			return x.Sub(ctx, y).Abs(ctx).Mean(ctx).Reshape(ctx, 1)
		}, nil
	case "l2":
		return func(ctx ml.Context, x, y ml.Tensor) ml.Tensor {
			return x.Sub(ctx, y).Sqr(ctx).Mean(ctx).Reshape(ctx, 1)
		}, nil
	case "cb":
		return func(ctx ml.Context, x, y ml.Tensor) ml.Tensor {
			d := x.Sub(ctx, y).Sqr(ctx).AddScalar(ctx, charbonnierEps*charbonnierEps)
			return d.Sqrt(ctx).Mean(ctx).Reshape(ctx, 1)
		}, nil
	default:
		return nil, fmt.Errorf("%w: pixel criterion %q", ErrUnknownLoss, kind)
	}
}

// TVLoss ist die mittlere absolute Differenz benachbarter Pixel
func TVLoss(ctx ml.Context, x ml.Tensor) ml.Tensor {
	h, w := x.Dim(2), x.Dim(3)
	dh := x.Slice(ctx, 2, 1, h, 1).Sub(ctx, x.Slice(ctx, 2, 0, h-1, 1))
	dw := x.Slice(ctx, 3, 1, w, 1).Sub(ctx, x.Slice(ctx, 3, 0, w-1, 1))
	return dh.Abs(ctx).Mean(ctx).Add(ctx, dw.Abs(ctx).Mean(ctx)).Reshape(ctx, 1)
}

// GANLoss bewertet Diskriminator-Ausgaben gegen das Ziel echt/unecht
type GANLoss struct {
	Type string
}

func NewGANLoss(kind string) (GANLoss, error) {
	switch kind {
	case "vanilla", "lsgan", "wgan", "wgan-gp", "srpgan":
		return GANLoss{Type: kind}, nil
	default:
		return GANLoss{}, fmt.Errorf("%w: gan type %q", ErrUnknownLoss, kind)
	}
}

// Loss berechnet den Verlust fuer pred mit Ziel real
func (g GANLoss) Loss(ctx ml.Context, pred ml.Tensor, real bool) ml.Tensor {
	var target float64
	if real {
		target = 1
	}

	var l ml.Tensor
	switch g.Type {
	case "lsgan":
		l = pred.AddScalar(ctx, -target).Sqr(ctx).Mean(ctx)
	case "wgan", "wgan-gp":
		l = pred.Mean(ctx)
		if real {
			l = l.Scale(ctx, -1)
		}
	case "srpgan":
		// BCE auf Wahrscheinlichkeiten, pred liegt bereits in (0, 1)
		p := pred.Clamp(ctx, 1e-12, 1-1e-12)
		if real {
			l = p.Log(ctx).Mean(ctx).Scale(ctx, -1)
		} else {
			l = p.Scale(ctx, -1).AddScalar(ctx, 1).Log(ctx).Mean(ctx).Scale(ctx, -1)
		}
	default:
		// BCE mit Logits: max(x, 0) - x*t + log(1 + exp(-|x|))
		soft := pred.Abs(ctx).Scale(ctx, -1).Exp(ctx).AddScalar(ctx, 1).Log(ctx)
		l = pred.RELU(ctx).Sub(ctx, pred.Scale(ctx, target)).Add(ctx, soft).Mean(ctx)
	}
	return l.Reshape(ctx, 1)
}

// Log ist das geordnete Verlust-Protokoll eines Schritts
type Log = orderedmap.OrderedMap[string, float64]

func newLog() *Log {
	return orderedmap.New[string, float64]()
}

func item(t ml.Tensor) float64 {
	return t.Floats()[0]
}

// Adversarial ist der GAN-Verlust mit Gewicht. Relativistic waehlt die
// relativistische Durchschnittsvariante (RaGAN).
type Adversarial struct {
	GAN          GANLoss
	Weight       float64
	Relativistic bool

	// Filter wird vor dem Diskriminator auf beide Eingaben angewendet
	Filter *Filter
}

func (a *Adversarial) discriminate(ctx ml.Context, d model.Network, x ml.Tensor) (ml.Tensor, error) {
	if a.Filter != nil {
		x = a.Filter.Forward(ctx, x)
	}
	return d.Forward(ctx, x)
}

// Generator berechnet den gewichteten Adversarial-Verlust des Generators.
// Die Referenz-Vorhersage wird vom Graphen getrennt.
func (a *Adversarial) Generator(ctx ml.Context, d model.Network, fake, ref ml.Tensor) (ml.Tensor, error) {
	predFake, err := a.discriminate(ctx, d, fake)
	if err != nil {
		return nil, err
	}

	if !a.Relativistic {
		return a.GAN.Loss(ctx, predFake, true).Scale(ctx, a.Weight), nil
	}

	predReal, err := a.discriminate(ctx.NoGrad(), d, ref)
	if err != nil {
		return nil, err
	}

	lReal := a.GAN.Loss(ctx, predReal.Sub(ctx, predFake.Mean(ctx)), false)
	lFake := a.GAN.Loss(ctx, predFake.Sub(ctx, predReal.Mean(ctx)), true)
	return lReal.Add(ctx, lFake).Scale(ctx, a.Weight/2), nil
}

// Discriminator berechnet den Verlust des Diskriminators. fake wird vom
// Generator-Graphen getrennt. Die Protokollwerte sind l_d_real, l_d_fake,
// D_real und D_fake.
func (a *Adversarial) Discriminator(ctx ml.Context, d model.Network, fake, ref ml.Tensor) (ml.Tensor, *Log, error) {
	predReal, err := a.discriminate(ctx, d, ref)
	if err != nil {
		return nil, nil, err
	}
	predFake, err := a.discriminate(ctx, d, ctx.Detach(fake))
	if err != nil {
		return nil, nil, err
	}

	var lReal, lFake ml.Tensor
	if a.Relativistic {
		lReal = a.GAN.Loss(ctx, predReal.Sub(ctx, predFake.Mean(ctx)), true)
		lFake = a.GAN.Loss(ctx, predFake.Sub(ctx, predReal.Mean(ctx)), false)
	} else {
		lReal = a.GAN.Loss(ctx, predReal, true)
		lFake = a.GAN.Loss(ctx, predFake, false)
	}

	logs := newLog()
	logs.Set("l_d_real", item(lReal))
	logs.Set("l_d_fake", item(lFake))
	logs.Set("D_real", item(predReal.Mean(ctx)))
	logs.Set("D_fake", item(predFake.Mean(ctx)))

	return lReal.Add(ctx, lFake).Scale(ctx, 0.5), logs, nil
}

// GeneratorLoss fasst die Inhaltsverluste des Generators zusammen
type GeneratorLoss struct {
	Pixel       Criterion
	PixelWeight float64
	TVWeight    float64
}

// Compute gibt die gewichteten Einzelverluste zurueck und traegt sie in log
// ein. filter (FilterLow) wird vor dem Pixel-Verlust angewendet, falls
// gesetzt.
func (g *GeneratorLoss) Compute(ctx ml.Context, fake, real ml.Tensor, log *Log, filter *Filter) []ml.Tensor {
	var losses []ml.Tensor
	if g.Pixel != nil && g.PixelWeight > 0 {
		x, y := fake, real
		if filter != nil {
			x, y = filter.Forward(ctx, x), filter.Forward(ctx, y)
		}
		l := g.Pixel(ctx, x, y).Scale(ctx, g.PixelWeight)
		log.Set("l_g_pix", item(l))
		losses = append(losses, l)
	}

	if g.TVWeight > 0 {
		l := TVLoss(ctx, fake).Scale(ctx, g.TVWeight)
		log.Set("l_g_tv", item(l))
		losses = append(losses, l)
	}
	return losses
}
