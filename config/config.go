// MODUL: config
// ZWECK: YAML-Einstellungsdokument lesen und in Options der Pakete umsetzen
// INPUT: Pfad oder Bytes eines YAML-Dokuments
// OUTPUT: Document, daraus srflow.Options, train.Options, pconv.Options,
//         vision.DatasetOptions und train.RunOptions
// NEBENEFFEKTE: Dateisystem-Zugriff bei Load
// ABHAENGIGKEITEN: gopkg.in/yaml.v3, github.com/agnivade/levenshtein
// HINWEISE: Pflichtfelder sind Zeiger, fehlende Werte ergeben ErrMissingKey.
//           Ungueltige Aufzaehlungswerte ergeben ErrInvalidValue mit Vorschlag.

package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/agnivade/levenshtein"
	"gopkg.in/yaml.v3"

	"github.com/srflow/srflow/model"
	"github.com/srflow/srflow/model/models/pconv"
	"github.com/srflow/srflow/model/models/srflow"
	"github.com/srflow/srflow/train"
	"github.com/srflow/srflow/train/batchaug"
	"github.com/srflow/srflow/vision"
)

var (
	ErrMissingKey   = errors.New("config: missing key")
	ErrInvalidValue = errors.New("config: invalid value")
)

// IntList ist eine Liste, die auch als einzelne Zahl geschrieben werden darf
type IntList []int

func (l *IntList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var v int
		if err := node.Decode(&v); err != nil {
			return err
		}
		*l = IntList{v}
		return nil
	}

	var vs []int
	if err := node.Decode(&vs); err != nil {
		return err
	}
	*l = vs
	return nil
}

// Document bildet die Struktur der Einstellungsdatei ab
type Document struct {
	Name  string `yaml:"name"`
	Scale *int   `yaml:"scale"`
	Seed  uint64 `yaml:"manual_seed"`

	NetworkG NetworkG  `yaml:"network_G"`
	NetworkD NetworkD  `yaml:"network_D"`
	Inpaint  Inpaint   `yaml:"network_inpaint"`
	Datasets Datasets  `yaml:"datasets"`
	Train    TrainOpts `yaml:"train"`
	Logger   Logger    `yaml:"logger"`
	Path     Path      `yaml:"path"`
}

type NetworkG struct {
	Which    string  `yaml:"which_model_G"`
	InNC     int     `yaml:"in_nc"`
	OutNC    int     `yaml:"out_nc"`
	NF       int     `yaml:"nf"`
	NB       int     `yaml:"nb"`
	GC       int     `yaml:"gc"`
	FinalCap string  `yaml:"finalcap"`
	Flow     FlowDoc `yaml:"flow"`
}

type FlowDoc struct {
	K                      IntList  `yaml:"K"`
	L                      *int     `yaml:"L"`
	HiddenChannels         int      `yaml:"hidden_channels"`
	ActNormScale           float64  `yaml:"actnorm_scale"`
	Coupling               string   `yaml:"coupling"`
	Permutation            string   `yaml:"flow_permutation"`
	LUDecomposed           bool     `yaml:"LU_decomposed"`
	AdditionalFlowNoAffine int      `yaml:"additionalFlowNoAffine"`
	AffineEps              float64  `yaml:"affineEps"`
	HiddenKernel           int      `yaml:"hidden_kernel"`
	HiddenLayers           int      `yaml:"hidden_layers"`
	BaseHeight             int      `yaml:"base_height"`
	StackRRDB              StackDoc `yaml:"stackRRDB"`
	Split                  SplitDoc `yaml:"split"`
	LevelConditional       LevelDoc `yaml:"levelConditional"`
}

type StackDoc struct {
	Blocks []int `yaml:"blocks"`
	Concat bool  `yaml:"concat"`
}

type SplitDoc struct {
	Enable        bool    `yaml:"enable"`
	CorrectSplits bool    `yaml:"correct_splits"`
	ConsumeRatio  float64 `yaml:"consume_ratio"`
	LogsEps       float64 `yaml:"logs_eps"`
	Conditional   bool    `yaml:"conditional"`
	CondChannels  int     `yaml:"cond_channels"`
}

type LevelDoc struct {
	Conditional bool `yaml:"conditional"`
	NChannels   int  `yaml:"n_channels"`
}

type NetworkD struct {
	Which     string `yaml:"which_model_D"`
	InNC      int    `yaml:"in_nc"`
	NF        int    `yaml:"nf"`
	InputSize int    `yaml:"input_size"`
}

type Inpaint struct {
	InNC     int    `yaml:"in_nc"`
	Widths   []int  `yaml:"widths"`
	FreezeBN bool   `yaml:"freeze_bn"`
	Model    string `yaml:"model"`
}

type Datasets struct {
	Train DatasetDoc `yaml:"train"`
}

type DatasetDoc struct {
	DataRootHR       string `yaml:"dataroot_HR"`
	HRSize           *int   `yaml:"HR_size"`
	BatchSize        int    `yaml:"batch_size"`
	VirtualBatchSize int    `yaml:"virtual_batch_size"`
	ZNorm            bool   `yaml:"znorm"`
	UseFlip          bool   `yaml:"use_flip"`
	UseRot           bool   `yaml:"use_rot"`
	Workers          int    `yaml:"n_workers"`
	Downscale        string `yaml:"lr_downscale_type"`
}

type TrainOpts struct {
	LRG          float64 `yaml:"lr_G"`
	WeightDecayG float64 `yaml:"weight_decay_G"`
	Beta1G       float64 `yaml:"beta1_G"`
	Beta2G       float64 `yaml:"beta2_G"`
	OptimG       string  `yaml:"optim_G"`
	LRD          float64 `yaml:"lr_D"`
	WeightDecayD float64 `yaml:"weight_decay_D"`
	Beta1D       float64 `yaml:"beta1_D"`
	Beta2D       float64 `yaml:"beta2_D"`
	OptimD       string  `yaml:"optim_D"`

	LRScheme   string  `yaml:"lr_scheme"`
	LRSteps    []int   `yaml:"lr_steps"`
	LRGamma    float64 `yaml:"lr_gamma"`
	LRStepSize int     `yaml:"lr_step_size"`
	TMax       int     `yaml:"T_max"`
	EtaMin     float64 `yaml:"eta_min"`

	PixelCriterion string   `yaml:"pixel_criterion"`
	PixelWeight    *float64 `yaml:"pixel_weight"`
	TVWeight       float64  `yaml:"tv_weight"`
	GANType        string   `yaml:"gan_type"`
	GANWeight      float64  `yaml:"gan_weight"`
	Relativistic   *bool    `yaml:"relativistic"`
	DUpdateRatio   int      `yaml:"D_update_ratio"`
	DInitIters     int      `yaml:"D_init_iters"`

	Mixup       bool      `yaml:"mixup"`
	MixOpts     []string  `yaml:"mixopts"`
	MixProb     []float64 `yaml:"mixprob"`
	MixAlpha    []float64 `yaml:"mixalpha"`
	AuxMixProb  float64   `yaml:"aux_mixprob"`
	AuxMixAlpha float64   `yaml:"aux_mixalpha"`
	MixP        []float64 `yaml:"mix_p"`

	FS      bool   `yaml:"fs"`
	LPFType string `yaml:"lpf_type"`
	HPFType string `yaml:"hpf_type"`

	NIter int `yaml:"niter"`
}

type Logger struct {
	PrintFreq int `yaml:"print_freq"`
	SaveFreq  int `yaml:"save_checkpoint_freq"`
}

type Path struct {
	Root      string `yaml:"root"`
	Models    string `yaml:"models"`
	PretrainG string `yaml:"pretrain_model_G"`
	PretrainD string `yaml:"pretrain_model_D"`
	Strict    *bool  `yaml:"strict"`
}

// Load liest und parst die Einstellungsdatei
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	// relative Pfade gelten relativ zur Einstellungsdatei
	dir := filepath.Dir(path)
	for _, p := range []*string{&d.Datasets.Train.DataRootHR, &d.Path.PretrainG, &d.Path.PretrainD, &d.Path.Models, &d.Inpaint.Model} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	return d, nil
}

// Parse dekodiert ein YAML-Dokument
func Parse(data []byte) (*Document, error) {
	var d Document
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return &d, nil
}

// suggest gibt den aehnlichsten erlaubten Wert zurueck oder ""
func suggest(value string, choices []string) string {
	best, score := "", math.MaxInt
	for _, c := range choices {
		if d := levenshtein.ComputeDistance(value, c); d < score {
			best, score = c, d
		}
	}

	if score <= max(2, len(value)/3) {
		return best
	}
	return ""
}

// choice prueft value gegen choices. Ein leerer Wert ist erlaubt.
func choice(key, value string, choices []string) error {
	if value == "" || slices.Contains(choices, value) {
		return nil
	}

	if s := suggest(value, choices); s != "" {
		return fmt.Errorf("%w: %s %q, did you mean %q?", ErrInvalidValue, key, value, s)
	}
	return fmt.Errorf("%w: %s %q, expected one of %v", ErrInvalidValue, key, value, choices)
}

func (d *Document) scale() (int, error) {
	if d.Scale == nil {
		return 0, fmt.Errorf("%w: scale", ErrMissingKey)
	}
	return *d.Scale, nil
}

func (d *Document) hrSize() (int, error) {
	if d.Datasets.Train.HRSize == nil {
		return 0, fmt.Errorf("%w: datasets.train.HR_size", ErrMissingKey)
	}
	return *d.Datasets.Train.HRSize, nil
}

// Flow setzt network_G.flow in srflow.Options um. Die Bildgroesse kommt
// aus datasets.train.HR_size.
func (d *Document) Flow() (srflow.Options, error) {
	f := d.NetworkG.Flow

	scale, err := d.scale()
	if err != nil {
		return srflow.Options{}, err
	}
	size, err := d.hrSize()
	if err != nil {
		return srflow.Options{}, err
	}
	if f.L == nil {
		return srflow.Options{}, fmt.Errorf("%w: network_G.flow.L", ErrMissingKey)
	}
	if len(f.K) == 0 {
		return srflow.Options{}, fmt.Errorf("%w: network_G.flow.K", ErrMissingKey)
	}

	if err := choice("network_G.flow.coupling", f.Coupling, []string{
		srflow.CouplingAffine, srflow.CouplingCondAffineSeparatedAndCond, srflow.CouplingNone,
	}); err != nil {
		return srflow.Options{}, err
	}
	if err := choice("network_G.flow.flow_permutation", f.Permutation, []string{
		srflow.PermutationInvConv, srflow.PermutationReverse, srflow.PermutationShuffle,
	}); err != nil {
		return srflow.Options{}, err
	}

	channels := d.NetworkG.OutNC
	if channels == 0 {
		channels = 3
	}

	opts := srflow.Options{
		ImageShape:             [3]int{size, size, channels},
		L:                      *f.L,
		K:                      slices.Clone(f.K),
		HiddenChannels:         f.HiddenChannels,
		ActNormScale:           f.ActNormScale,
		Permutation:            f.Permutation,
		Coupling:               f.Coupling,
		LUDecomposed:           f.LUDecomposed,
		AdditionalFlowNoAffine: f.AdditionalFlowNoAffine,
		StackBlocks:            slices.Clone(f.StackRRDB.Blocks),
		FeatureWidth:           d.NetworkG.NF,
		Split: srflow.SplitOptions{
			Enable:        f.Split.Enable,
			CorrectSplits: f.Split.CorrectSplits,
			ConsumeRatio:  f.Split.ConsumeRatio,
			LogsEps:       f.Split.LogsEps,
			Conditional:   f.Split.Conditional,
			CondChannels:  f.Split.CondChannels,
		},
		Scale:          scale,
		AffineEps:      f.AffineEps,
		HiddenKernel:   f.HiddenKernel,
		HiddenLayers:   f.HiddenLayers,
		BaseHeight:     f.BaseHeight,
		RRDBBlocks:     d.NetworkG.NB,
		GrowthChannels: d.NetworkG.GC,
	}
	if f.LevelConditional.Conditional {
		opts.LevelConditionalChannels = f.LevelConditional.NChannels
	}
	return opts, nil
}

// Generator setzt network_G fuer das GAN-Training um
func (d *Document) Generator() (model.Options, error) {
	scale, err := d.scale()
	if err != nil {
		return model.Options{}, err
	}

	g := d.NetworkG
	if g.Which == "" {
		return model.Options{}, fmt.Errorf("%w: network_G.which_model_G", ErrMissingKey)
	}
	if err := choice("network_G.which_model_G", g.Which, model.Generators()); err != nil {
		return model.Options{}, err
	}
	if err := choice("network_G.finalcap", g.FinalCap, []string{"tanh", "sigmoid", "clamp"}); err != nil {
		return model.Options{}, err
	}

	return model.Options{
		Which:       g.Which,
		InChannels:  cmpOr(g.InNC, 3),
		OutChannels: cmpOr(g.OutNC, 3),
		NF:          cmpOr(g.NF, 64),
		NB:          cmpOr(g.NB, 16),
		Scale:       scale,
		FinalCap:    g.FinalCap,
	}, nil
}

func cmpOr[T comparable](v, fallback T) T {
	var zero T
	if v == zero {
		return fallback
	}
	return v
}

// Training setzt train, datasets.train und path in train.Options um
func (d *Document) Training() (train.Options, error) {
	o := train.DefaultOptions()
	if d.Name != "" {
		o.Name = d.Name
	}

	var err error
	if o.Generator, err = d.Generator(); err != nil {
		return o, err
	}

	t := d.Train
	if t.GANWeight > 0 {
		nd := d.NetworkD
		if nd.Which == "" {
			return o, fmt.Errorf("%w: network_D.which_model_D", ErrMissingKey)
		}
		if err := choice("network_D.which_model_D", nd.Which, model.Discriminators()); err != nil {
			return o, err
		}

		size, err := d.hrSize()
		if err != nil {
			return o, err
		}
		o.Discriminator = model.Options{
			Which:      nd.Which,
			InChannels: cmpOr(nd.InNC, 3),
			NF:         cmpOr(nd.NF, 64),
			InputSize:  cmpOr(nd.InputSize, size),
		}
	}

	for _, c := range []struct {
		key, value string
		choices    []string
	}{
		{"train.pixel_criterion", t.PixelCriterion, []string{"l1", "l2", "cb"}},
		{"train.gan_type", t.GANType, []string{"vanilla", "lsgan", "wgan", "wgan-gp", "srpgan"}},
		{"train.lr_scheme", t.LRScheme, []string{"MultiStepLR", "StepLR", "CosineAnnealingLR"}},
		{"train.optim_G", t.OptimG, []string{"adam", "sgd"}},
		{"train.optim_D", t.OptimD, []string{"adam", "sgd"}},
		{"train.lpf_type", t.LPFType, []string{"average", "gaussian"}},
		{"train.hpf_type", t.HPFType, []string{"average", "gaussian"}},
	} {
		if err := choice(c.key, c.value, c.choices); err != nil {
			return o, err
		}
	}
	for _, op := range t.MixOpts {
		if err := choice("train.mixopts", op, batchaug.Ops()); err != nil {
			return o, err
		}
	}

	o.OptimizerG = optimizer(t.OptimG, t.LRG, t.WeightDecayG, t.Beta1G, t.Beta2G)
	o.OptimizerD = optimizer(t.OptimD, t.LRD, t.WeightDecayD, t.Beta1D, t.Beta2D)
	o.Scheduler = train.SchedulerOptions{
		Scheme:     t.LRScheme,
		Milestones: slices.Clone(t.LRSteps),
		Gamma:      t.LRGamma,
		StepSize:   t.LRStepSize,
		TMax:       t.TMax,
		EtaMin:     t.EtaMin,
	}

	o.PixelCriterion = cmpOr(t.PixelCriterion, o.PixelCriterion)
	if t.PixelWeight != nil {
		o.PixelWeight = *t.PixelWeight
	}
	o.TVWeight = t.TVWeight
	o.GANType = t.GANType
	o.GANWeight = t.GANWeight
	if t.Relativistic != nil {
		o.Relativistic = *t.Relativistic
	}
	o.DUpdateRatio = cmpOr(t.DUpdateRatio, 1)
	o.DInitIters = t.DInitIters

	o.BatchSize = cmpOr(d.Datasets.Train.BatchSize, o.BatchSize)
	o.VirtualBatchSize = d.Datasets.Train.VirtualBatchSize

	o.Mixup = t.Mixup
	if len(t.MixOpts) > 0 {
		o.BatchAug.Ops = slices.Clone(t.MixOpts)
		o.BatchAug.Probs = slices.Clone(t.MixProb)
		o.BatchAug.Alphas = slices.Clone(t.MixAlpha)

		// fehlende Listen werden mit 1 bzw. den Standard-Alphas gefuellt
		if len(o.BatchAug.Probs) == 0 {
			o.BatchAug.Probs = slices.Repeat([]float64{1}, len(t.MixOpts))
		}
		if len(o.BatchAug.Alphas) == 0 {
			for _, op := range t.MixOpts {
				o.BatchAug.Alphas = append(o.BatchAug.Alphas, batchaug.DefaultAlpha(op))
			}
		}
	}
	o.BatchAug.AuxProb = cmpOr(t.AuxMixProb, o.BatchAug.AuxProb)
	o.BatchAug.AuxAlpha = cmpOr(t.AuxMixAlpha, o.BatchAug.AuxAlpha)
	o.BatchAug.MixP = slices.Clone(t.MixP)

	o.FS = t.FS
	o.LowPass.Type = cmpOr(t.LPFType, o.LowPass.Type)
	o.HiPass.Type = cmpOr(t.HPFType, o.HiPass.Type)

	o.PretrainG = d.Path.PretrainG
	o.PretrainD = d.Path.PretrainD
	if d.Path.Strict != nil {
		o.Strict = *d.Path.Strict
	}
	o.ModelsDir = d.Path.Models
	return o, nil
}

func optimizer(kind string, lr, wd, beta1, beta2 float64) train.OptimizerOptions {
	o := train.DefaultAdamOptions()
	o.Type = cmpOr(kind, o.Type)
	o.LR = cmpOr(lr, o.LR)
	o.WeightDecay = wd
	o.Beta1 = cmpOr(beta1, o.Beta1)
	o.Beta2 = cmpOr(beta2, o.Beta2)
	return o
}

// Dataset gibt den Bildordner und die Aufbereitung der Trainingsdaten zurueck
func (d *Document) Dataset() (string, vision.DatasetOptions, error) {
	ds := d.Datasets.Train
	if ds.DataRootHR == "" {
		return "", vision.DatasetOptions{}, fmt.Errorf("%w: datasets.train.dataroot_HR", ErrMissingKey)
	}

	scale, err := d.scale()
	if err != nil {
		return "", vision.DatasetOptions{}, err
	}
	size, err := d.hrSize()
	if err != nil {
		return "", vision.DatasetOptions{}, err
	}
	if err := choice("datasets.train.lr_downscale_type", ds.Downscale, []string{"nearest", "bilinear", "bicubic"}); err != nil {
		return "", vision.DatasetOptions{}, err
	}

	r := vision.Range01
	if ds.ZNorm {
		r = vision.RangeZNorm
	}

	return ds.DataRootHR, vision.DatasetOptions{
		HRSize:  size,
		Scale:   scale,
		Interp:  ds.Downscale,
		Flip:    ds.UseFlip,
		Rotate:  ds.UseRot,
		Range:   r,
		Workers: ds.Workers,
	}, nil
}

// Run gibt die Einstellungen der Trainingsschleife zurueck
func (d *Document) Run() train.RunOptions {
	return train.RunOptions{
		Iterations: d.Train.NIter,
		BatchSize:  cmpOr(d.Datasets.Train.BatchSize, 1),
		Seed:       d.Seed,
		PrintFreq:  d.Logger.PrintFreq,
		SaveFreq:   d.Logger.SaveFreq,
	}
}

// Inpainting setzt network_inpaint in pconv.Options um
func (d *Document) Inpainting() (pconv.Options, error) {
	o := pconv.DefaultOptions()
	o.InChannels = cmpOr(d.Inpaint.InNC, o.InChannels)
	o.FreezeBN = d.Inpaint.FreezeBN

	switch n := len(d.Inpaint.Widths); n {
	case 0:
	case 4:
		copy(o.Widths[:], d.Inpaint.Widths)
	default:
		return o, fmt.Errorf("%w: network_inpaint.widths needs 4 entries, got %d", ErrInvalidValue, n)
	}
	return o, nil
}
