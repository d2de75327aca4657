package srflow

import (
	"fmt"

	"github.com/emirpasic/gods/v2/lists/arraylist"

	"github.com/srflow/srflow/ml"
)

// LatentMode legt fest, ob Encode nur das oberste Latent oder die
// komplette Folge aller Split-Latents liefert
type LatentMode int

const (
	ModeSingle LatentMode = iota
	ModeSequence
)

func (m LatentMode) String() string {
	if m == ModeSequence {
		return "sequence"
	}
	return "single"
}

// Latent ist entweder ein einzelner Tensor oder eine geordnete Folge von
// Split-Latents mit dem obersten Latent als letztem Element.
type Latent struct {
	single ml.Tensor
	seq    *arraylist.List[ml.Tensor]
}

// Single verpackt das oberste Latent. Split-Layer samplen beim Decode.
func Single(z ml.Tensor) Latent {
	return Latent{single: z}
}

// Sequence verpackt Split-Latents in Einfuegereihenfolge, das oberste zuletzt
func Sequence(zs ...ml.Tensor) Latent {
	return Latent{seq: arraylist.New(zs...)}
}

func (l Latent) Mode() LatentMode {
	if l.seq != nil {
		return ModeSequence
	}
	return ModeSingle
}

// Len ist 1 fuer Single, sonst die Laenge der Folge
func (l Latent) Len() int {
	if l.seq != nil {
		return l.seq.Size()
	}
	if l.single == nil {
		return 0
	}
	return 1
}

// Top gibt das oberste Latent zurueck
func (l Latent) Top() ml.Tensor {
	if l.seq == nil {
		return l.single
	}
	z, _ := l.seq.Get(l.seq.Size() - 1)
	return z
}

// Tensors gibt alle Latents in Einfuegereihenfolge zurueck
func (l Latent) Tensors() []ml.Tensor {
	if l.seq == nil {
		if l.single == nil {
			return nil
		}
		return []ml.Tensor{l.single}
	}
	return l.seq.Values()
}

// latentStack ist der Arbeitsstapel einer Traversierung. Encode schiebt die
// Split-Latents auf, Decode nimmt sie in umgekehrter Reihenfolge wieder ab.
// Ein nil-Stapel bedeutet: Decode sampelt, Encode verwirft.
type latentStack struct {
	list *arraylist.List[ml.Tensor]
}

func newLatentStack(zs ...ml.Tensor) *latentStack {
	return &latentStack{list: arraylist.New(zs...)}
}

func (s *latentStack) push(z ml.Tensor) {
	s.list.Add(z)
}

func (s *latentStack) pop() (ml.Tensor, error) {
	n := s.list.Size()
	if n == 0 {
		return nil, ErrLatentUnderflow
	}

	z, _ := s.list.Get(n - 1)
	s.list.Remove(n - 1)
	return z, nil
}

func (s *latentStack) size() int {
	return s.list.Size()
}

func (s *latentStack) latent() Latent {
	return Latent{seq: s.list}
}

// stackFor bereitet den Decode-Stapel vor. Die Folge des Aufrufers wird
// kopiert und bleibt unveraendert.
func stackFor(l Latent) (top ml.Tensor, stack *latentStack, err error) {
	if l.seq == nil {
		if l.single == nil {
			return nil, nil, fmt.Errorf("%w: empty latent", ErrLatentUnderflow)
		}
		return l.single, nil, nil
	}

	stack = newLatentStack(l.seq.Values()...)
	top, err = stack.pop()
	if err != nil {
		return nil, nil, err
	}
	return top, stack, nil
}
