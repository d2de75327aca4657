// backend.go - Backend-Struktur und Basis-Methoden
// Enthält: Backend struct, init(), Close(), lockedSource fuer den geteilten Zufallsgenerator

package cpu

import (
	"log/slog"
	"math/rand/v2"
	"runtime"
	"sync"

	"github.com/srflow/srflow/ml"
)

func init() {
	ml.RegisterBackend("cpu", New)
}

// Backend ist die reine Go-Implementierung fuer ML-Operationen.
// Alle Daten liegen als float64 im Hauptspeicher.
type Backend struct {
	// numThreads begrenzt die parallele Verarbeitung pro Batch-Element
	numThreads int

	rng *rand.Rand
}

// New erstellt ein CPU-Backend
func New(params ml.BackendParams) (ml.Backend, error) {
	return newBackend(params), nil
}

func newBackend(params ml.BackendParams) *Backend {
	threads := params.NumThreads
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}

	seed := params.Seed
	slog.Debug("cpu backend", "threads", threads, "seed", seed)

	return &Backend{
		numThreads: threads,
		rng:        rand.New(&lockedSource{src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}),
	}
}

// Name gibt den Registry-Namen zurueck
func (b *Backend) Name() string {
	return "cpu"
}

// Close gibt keine Ressourcen frei, da alles vom GC verwaltet wird
func (b *Backend) Close() {}

// NewContext erstellt einen aufzeichnenden Context
func (b *Backend) NewContext() ml.Context {
	return &Context{b: b, record: true}
}

// lockedSource serialisiert Zugriffe auf eine rand.Source, da Contexts
// eines Backends parallel benutzt werden duerfen (z.B. im Server).
type lockedSource struct {
	mu  sync.Mutex
	src rand.Source
}

func (s *lockedSource) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Uint64()
}
