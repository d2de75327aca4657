package train

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srflow/srflow/fs/checkpoint"
	"github.com/srflow/srflow/logutil"
	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/ml/nn"
	"github.com/srflow/srflow/model"
	"github.com/srflow/srflow/train/batchaug"
)

var (
	ErrNoData = errors.New("train: no data fed")
	ErrNoLoss = errors.New("train: no loss configured")
)

// Model ist das SR-GAN mit relativistischem Diskriminator
type Model struct {
	opts Options

	G model.Network
	D model.Network

	optG, optD Optimizer
	scheduler  Scheduler

	content GeneratorLoss
	adv     *Adversarial
	fLow    *Filter

	accumulations int

	varL, varH, varRef ml.Tensor
	fakeH              ml.Tensor

	log *Log
}

// New baut Generator und (bei gesetztem GAN-Gewicht) Diskriminator, laedt
// vortrainierte Gewichte und erstellt Optimierer und Scheduler
func New(ctx ml.Context, opts Options) (*Model, error) {
	g, err := model.NewGenerator(ctx, opts.Generator)
	if err != nil {
		return nil, err
	}

	m := &Model{
		opts:          opts,
		G:             g,
		accumulations: opts.accumulations(),
		log:           newLog(),
	}

	if opts.GANType != "" && opts.GANWeight > 0 {
		m.D, err = model.NewDiscriminator(ctx, opts.Discriminator)
		if err != nil {
			return nil, err
		}

		gan, err := NewGANLoss(opts.GANType)
		if err != nil {
			return nil, err
		}
		m.adv = &Adversarial{GAN: gan, Weight: opts.GANWeight, Relativistic: opts.Relativistic}

		if m.opts.DUpdateRatio < 1 {
			m.opts.DUpdateRatio = 1
		}
	}

	if opts.PixelWeight > 0 {
		m.content.Pixel, err = NewPixelLoss(opts.PixelCriterion)
		if err != nil {
			return nil, err
		}
		m.content.PixelWeight = opts.PixelWeight
	}
	m.content.TVWeight = opts.TVWeight

	if m.content.Pixel == nil && m.content.TVWeight <= 0 && m.adv == nil {
		return nil, ErrNoLoss
	}

	if opts.FS {
		if m.fLow, err = FilterLow(opts.LowPass); err != nil {
			return nil, err
		}
		if m.adv != nil {
			if m.adv.Filter, err = FilterHigh(opts.HiPass); err != nil {
				return nil, err
			}
		}
	}

	if err := m.Load(); err != nil {
		return nil, err
	}

	if m.optG, err = NewOptimizer(m.G, opts.OptimizerG); err != nil {
		return nil, err
	}
	if m.D != nil {
		if m.optD, err = NewOptimizer(m.D, opts.OptimizerD); err != nil {
			return nil, err
		}
	}

	if m.scheduler, err = NewScheduler(opts.Scheduler); err != nil {
		return nil, err
	}

	m.zeroGrad()
	slog.Info("training model created", "generator", opts.Generator.Which, "discriminator", opts.Discriminator.Which,
		"gan", m.adv != nil, "accumulations", m.accumulations, "scheduler", m.scheduler.Name())
	return m, nil
}

func (m *Model) zeroGrad() {
	m.optG.ZeroGrad()
	if m.optD != nil {
		m.optD.ZeroGrad()
	}
}

// FeedData setzt den naechsten Batch. hr darf fuer reine Inferenz nil
// sein, ref ersetzt hr als Referenz des Diskriminators.
func (m *Model) FeedData(lr, hr, ref ml.Tensor) {
	m.varL, m.varH = lr, hr
	m.varRef = hr
	if ref != nil {
		m.varRef = ref
	}
}

// OptimizeParameters fuehrt einen Trainingsschritt aus. Der Generator wird
// nur bei step % DUpdateRatio == 0 und step > DInitIters aktualisiert, der
// Diskriminator in jedem Schritt. Optimierer-Schritte erfolgen erst am Ende
// eines virtuellen Batches.
func (m *Model) OptimizeParameters(ctx ml.Context, step int) error {
	if m.varL == nil || m.varH == nil {
		return ErrNoData
	}

	if m.D != nil {
		nn.Freeze(m.D, true)
		defer nn.Freeze(m.D, false)
	}

	var mask ml.Tensor
	if m.opts.Mixup {
		r, err := batchaug.Apply(ctx, m.varH, m.varL, m.opts.BatchAug)
		if err != nil {
			return err
		}
		m.varH, m.varL = r.HR, r.LR
		if r.Op == "cutout" {
			mask = r.Mask
		}
		logutil.Trace("batch augmentation", "step", step, "op", r.Op)
	}

	fake, err := m.G.Forward(ctx, m.varL)
	if err != nil {
		return fmt.Errorf("generator: %w", err)
	}

	// ausgeschnittene Pixel fallen aus den Verlusten heraus
	if mask != nil {
		fake, m.varH = fake.Mul(ctx, mask), m.varH.Mul(ctx, mask)
	}
	m.fakeH = fake

	last := (step+1)%m.accumulations == 0

	if m.D == nil {
		return m.optimizeGenerator(ctx, last)
	}

	if step%m.opts.DUpdateRatio == 0 && step > m.opts.DInitIters {
		if err := m.optimizeGenerator(ctx, last); err != nil {
			return err
		}
	}

	nn.Freeze(m.D, false)
	lD, logs, err := m.adv.Discriminator(ctx, m.D, m.fakeH, m.varRef)
	if err != nil {
		return fmt.Errorf("discriminator: %w", err)
	}
	for pair := logs.Oldest(); pair != nil; pair = pair.Next() {
		m.log.Set(pair.Key, pair.Value)
	}

	if err := ctx.Backward(lD.Scale(ctx, 1/float64(m.accumulations))); err != nil {
		return fmt.Errorf("discriminator backward: %w", err)
	}
	if last {
		m.optD.Step()
		m.optD.ZeroGrad()
	}
	return nil
}

// optimizeGenerator berechnet Inhalts- und Adversarial-Verlust des
// Generators und propagiert ihn zurueck
func (m *Model) optimizeGenerator(ctx ml.Context, last bool) error {
	scale := 1 / float64(m.accumulations)

	var total ml.Tensor
	add := func(l ml.Tensor) {
		l = l.Scale(ctx, scale)
		if total == nil {
			total = l
		} else {
			total = total.Add(ctx, l)
		}
	}

	for _, l := range m.content.Compute(ctx, m.fakeH, m.varH, m.log, m.fLow) {
		add(l)
	}

	if m.adv != nil {
		lGAN, err := m.adv.Generator(ctx, m.D, m.fakeH, m.varRef)
		if err != nil {
			return fmt.Errorf("discriminator: %w", err)
		}
		m.log.Set("l_g_gan", item(lGAN))
		add(lGAN)
	}

	if total == nil {
		return ErrNoLoss
	}

	if err := ctx.Backward(total); err != nil {
		return fmt.Errorf("generator backward: %w", err)
	}
	if last {
		m.optG.Step()
		m.optG.ZeroGrad()
	}
	return nil
}

// Test erzeugt das SR-Bild ohne Gradienten
func (m *Model) Test(ctx ml.Context) error {
	if m.varL == nil {
		return ErrNoData
	}

	if t, ok := m.G.(model.Trainer); ok {
		t.SetTraining(false)
		defer t.SetTraining(true)
	}

	fake, err := m.G.Forward(ctx.NoGrad(), m.varL)
	if err != nil {
		return err
	}
	m.fakeH = fake
	return nil
}

// CurrentLog gibt das Verlust-Protokoll in Einfuegereihenfolge zurueck
func (m *Model) CurrentLog() *Log {
	return m.log
}

// CurrentVisuals gibt das erste Sample von LR, SR und (optional) HR zurueck
func (m *Model) CurrentVisuals(ctx ml.Context, needHR bool) *orderedmap.OrderedMap[string, ml.Tensor] {
	first := func(t ml.Tensor) ml.Tensor {
		return ctx.Detach(t.Slice(ctx.NoGrad(), 0, 0, 1, 1))
	}

	visuals := orderedmap.New[string, ml.Tensor]()
	if m.varL != nil {
		visuals.Set("LR", first(m.varL))
	}
	if m.fakeH != nil {
		visuals.Set("SR", first(m.fakeH))
	}
	if needHR && m.varH != nil {
		visuals.Set("HR", first(m.varH))
	}
	return visuals
}

// UpdateLearningRate setzt die Lernraten fuer den naechsten Schritt
func (m *Model) UpdateLearningRate(step int) {
	for _, opt := range []Optimizer{m.optG, m.optD} {
		if opt != nil {
			opt.SetLR(m.scheduler.GetLR(0, step, opt.InitialLR()))
		}
	}
}

// LR ist die aktuelle Lernrate des Generators
func (m *Model) LR() float64 {
	return m.optG.LR()
}

// Load laedt die vortrainierten Gewichte aus den Options. Der Diskriminator
// wird immer strikt geladen.
func (m *Model) Load() error {
	if path := m.opts.PretrainG; path != "" {
		slog.Info("loading pretrained model for G", "path", path)
		if _, err := checkpoint.Load(m.G, path, m.opts.Strict); err != nil {
			return err
		}
	}

	if path := m.opts.PretrainD; path != "" && m.D != nil {
		slog.Info("loading pretrained model for D", "path", path)
		if _, err := checkpoint.Load(m.D, path, true); err != nil {
			return err
		}
	}
	return nil
}

// Save schreibt G (und D) als {step}_G.safetensors nach ModelsDir
func (m *Model) Save(step int) error {
	save := func(n model.Network, label, which string) error {
		path := filepath.Join(m.opts.ModelsDir, fmt.Sprintf("%d_%s.safetensors", step, label))
		return checkpoint.Save(n, path, ml.DTypeF32, map[string]string{
			"step":  strconv.Itoa(step),
			"which": which,
			"name":  m.opts.Name,
		})
	}

	if err := save(m.G, "G", m.opts.Generator.Which); err != nil {
		return err
	}
	if m.D != nil {
		return save(m.D, "D", m.opts.Discriminator.Which)
	}
	return nil
}

// NetworkSummary beschreibt ein Netzwerk fuer print_network
type NetworkSummary struct {
	Label       string
	Type        string
	Params      int
	Description string
}

// PrintNetwork protokolliert Struktur und Parameterzahl beider Netze
func (m *Model) PrintNetwork() []NetworkSummary {
	var out []NetworkSummary
	for _, n := range []struct {
		label string
		net   model.Network
	}{{"G", m.G}, {"D", m.D}} {
		if n.net == nil {
			continue
		}

		s, params := model.Describe(n.net)
		typ := reflect.Indirect(reflect.ValueOf(n.net)).Type().Name()
		slog.Info("network structure", "network", n.label, "type", typ, "params", params)
		slog.Debug(s)
		out = append(out, NetworkSummary{Label: n.label, Type: typ, Params: params, Description: s})
	}
	return out
}
