package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/train/history"
)

var ErrSmallDataset = errors.New("train: dataset smaller than batch size")

// Dataset liefert LR/HR-Batches fuer Sample-Indizes
type Dataset interface {
	Len() int
	Batch(ctx ml.Context, indices []int) (lr, hr ml.Tensor, err error)
}

// RunOptions steuert die Trainingsschleife
type RunOptions struct {
	// Start ist der erste Schritt, Iterations der Schritt nach dem letzten
	Start      int
	Iterations int

	BatchSize int
	Seed      uint64

	PrintFreq int
	SaveFreq  int

	// Store und RunID sind optional, ohne Store wird nichts protokolliert
	Store *history.Store
	RunID string

	// Progress wird nach jedem Schritt mit dem aktuellen Protokoll aufgerufen
	Progress func(step int, log *Log)
}

// sampler zieht Batches aus einer pro Epoche neu gemischten Reihenfolge.
// Ein unvollstaendiger Rest am Ende einer Epoche wird verworfen.
type sampler struct {
	n, batch int
	rng      *rand.Rand
	order    []int
	pos      int
	epoch    int
}

func (s *sampler) next() []int {
	if s.order == nil || s.pos+s.batch > len(s.order) {
		if s.order != nil {
			s.epoch++
		}
		s.order = s.rng.Perm(s.n)
		s.pos = 0
	}

	b := s.order[s.pos : s.pos+s.batch]
	s.pos += s.batch
	return b
}

// Run trainiert m ueber data von opts.Start bis opts.Iterations. Jeder
// Schritt bekommt einen eigenen Context des Backends. Bei Abbruch ueber
// ctx wird der letzte vollendete Schritt gespeichert.
func Run(ctx context.Context, b ml.Backend, m *Model, data Dataset, opts RunOptions) error {
	batch := max(opts.BatchSize, 1)
	if data.Len() < batch {
		return fmt.Errorf("%w: %d < %d", ErrSmallDataset, data.Len(), batch)
	}

	s := &sampler{n: data.Len(), batch: batch, rng: rand.New(rand.NewPCG(opts.Seed, uint64(opts.Start)))}

	slog.Info("start training", "from", opts.Start, "to", opts.Iterations, "batch", batch, "images", data.Len())
	start := time.Now()

	for step := opts.Start; step < opts.Iterations; step++ {
		if err := ctx.Err(); err != nil {
			slog.Warn("training interrupted", "step", step)
			if step > opts.Start && opts.SaveFreq > 0 {
				return errors.Join(err, m.Save(step-1))
			}
			return err
		}

		if err := runStep(b, m, data, s.next(), step); err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		m.UpdateLearningRate(step + 1)

		if opts.Progress != nil {
			opts.Progress(step, m.CurrentLog())
		}

		if opts.PrintFreq > 0 && (step+1)%opts.PrintFreq == 0 {
			args := []any{"epoch", s.epoch, "step", step, "lr", m.LR(), "elapsed", time.Since(start).Round(time.Millisecond)}
			for p := m.CurrentLog().Oldest(); p != nil; p = p.Next() {
				args = append(args, p.Key, p.Value)
			}
			slog.Info("training", args...)

			if opts.Store != nil {
				if err := opts.Store.Record(opts.RunID, step, logValues(m)); err != nil {
					return err
				}
			}
		}

		if opts.SaveFreq > 0 && (step+1)%opts.SaveFreq == 0 {
			slog.Info("saving models", "step", step)
			if err := m.Save(step); err != nil {
				return err
			}
		}
	}

	slog.Info("end of training", "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// runStep laedt einen Batch und fuehrt den Optimierungsschritt aus
func runStep(b ml.Backend, m *Model, data Dataset, indices []int, step int) error {
	c := b.NewContext()
	defer c.Close()

	lr, hr, err := data.Batch(c, indices)
	if err != nil {
		return err
	}

	m.FeedData(lr, hr, nil)
	return m.OptimizeParameters(c, step)
}

func logValues(m *Model) []history.Value {
	values := []history.Value{{Key: "lr", Value: m.LR()}}
	for p := m.CurrentLog().Oldest(); p != nil; p = p.Next() {
		values = append(values, history.Value{Key: p.Key, Value: p.Value})
	}
	return values
}
