// Package train - GAN-Training fuer Super-Resolution (SRRaGAN)
//
// Dieses Paket enthaelt den Trainingsschritt mit Generator und
// Diskriminator, die Optimierer, Lernraten-Scheduler, Verluste und
// Frequenzfilter sowie die Trainingsschleife.
//
// Hauptkomponenten:
// - Model: FeedData, OptimizeParameters, Test, Save/Load
// - Optimizer/Scheduler: Adam, SGD, MultiStepLR, StepLR, CosineAnnealingLR
// - Criterion/GANLoss/Adversarial: Pixel- und GAN-Verluste
// - Filter: Tief- und Hochpass fuer Frequenztrennung
// - Run: Schleife ueber einen Datensatz mit Protokoll und Checkpoints

package train

import (
	"github.com/srflow/srflow/model"
	"github.com/srflow/srflow/train/batchaug"
)

// Options sind die Trainings-Einstellungen eines Laufs
type Options struct {
	Name string

	Generator     model.Options
	Discriminator model.Options

	OptimizerG OptimizerOptions
	OptimizerD OptimizerOptions
	Scheduler  SchedulerOptions

	PixelCriterion string
	PixelWeight    float64
	TVWeight       float64

	// GANType leer oder GANWeight 0 trainiert nur den Generator
	GANType      string
	GANWeight    float64
	Relativistic bool
	DUpdateRatio int
	DInitIters   int

	BatchSize        int
	VirtualBatchSize int

	Mixup    bool
	BatchAug batchaug.Options

	// FS aktiviert die Frequenztrennung: Tiefpass fuer Pixel-Verluste,
	// Hochpass vor dem Diskriminator
	FS      bool
	LowPass FilterOptions
	HiPass  FilterOptions

	PretrainG string
	PretrainD string
	Strict    bool

	// ModelsDir nimmt die Checkpoints auf
	ModelsDir string
}

// DefaultOptions gibt die ESRGAN-Werte zurueck
func DefaultOptions() Options {
	return Options{
		Name:           "srragan",
		Generator:      model.Options{Which: "sr_resnet", InChannels: 3, OutChannels: 3, NF: 64, NB: 16, Scale: 4},
		Discriminator:  model.Options{Which: "discriminator_vgg", InChannels: 3, NF: 64, InputSize: 128},
		OptimizerG:     DefaultAdamOptions(),
		OptimizerD:     DefaultAdamOptions(),
		PixelCriterion: "l1",
		PixelWeight:    1e-2,
		GANType:        "vanilla",
		GANWeight:      5e-3,
		Relativistic:   true,
		DUpdateRatio:   1,
		BatchSize:      16,
		BatchAug:       batchaug.DefaultOptions(),
		LowPass:        FilterOptions{Type: "average"},
		HiPass:         FilterOptions{Type: "average", Normalize: true},
		Strict:         true,
	}
}

// accumulations ist die Anzahl der Schritte eines virtuellen Batches
func (o Options) accumulations() int {
	batch := max(o.BatchSize, 1)
	virtual := batch
	if o.VirtualBatchSize >= batch {
		virtual = o.VirtualBatchSize
	}
	return virtual / batch
}
