// MODUL: srflow/layer
// ZWECK: Gemeinsame Schnittstelle aller reversiblen Layer des Upsamplers
// INPUT: flowState (Features, LogDet, Konditionierung, Latent-Stapel)
// OUTPUT: aktualisierter flowState
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: ml
// HINWEISE: Geschlossene Menge von Varianten {Squeeze, FlowStep, Split}

package srflow

import (
	"github.com/srflow/srflow/ml"
)

// Kind kennzeichnet die Variante eines Layers
type Kind int

const (
	KindSqueeze Kind = iota
	KindFlowStep
	KindSplit
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindSqueeze:
		return "squeeze"
	case KindFlowStep:
		return "flowstep"
	case KindSplit:
		return "split"
	default:
		return "other"
	}
}

// Direction ist die Laufrichtung durch die Layer-Sequenz
type Direction int

const (
	// Encode bildet Bild auf Latent ab
	Encode Direction = iota
	// Decode bildet Latent auf Bild ab
	Decode
)

// flowState wird durch die Layer-Sequenz gereicht
type flowState struct {
	x ml.Tensor

	// logdet hat Shape (N)
	logdet ml.Tensor

	// cond ist der Konditionierungs-Tensor des aktuellen Levels, nil fuer
	// unkonditionierte Layer
	cond ml.Tensor

	// latents nimmt beim Encode die Split-Latents auf und liefert sie beim Decode
	latents *latentStack
	epsStd  float64
}

// addLogDet addiert d (Shape (N) oder (1)) auf den Akkumulator
func (s *flowState) addLogDet(ctx ml.Context, d ml.Tensor) {
	s.logdet = s.logdet.Add(ctx, d)
}

// subLogDet zieht d vom Akkumulator ab
func (s *flowState) subLogDet(ctx ml.Context, d ml.Tensor) {
	s.logdet = s.logdet.Sub(ctx, d)
}

// applier laeuft in Richtung dir und ist mit der Gegenrichtung exakt invers
type applier interface {
	apply(ctx ml.Context, s *flowState, dir Direction) error
}

// Layer ist ein reversibler Baustein der Upsampler-Sequenz
type Layer interface {
	Kind() Kind
	applier
}

// perSample reduziert (N, C, H, W) zu (N)
func perSample(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return t.Sum(ctx, 1, 2, 3).Reshape(ctx, -1)
}

// scalar reduziert einen Parameter auf Shape (1)
func scalar(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return t.Sum(ctx).Reshape(ctx, 1)
}

// splitChannels teilt x nach c Kanaelen
func splitChannels(ctx ml.Context, x ml.Tensor, c int) (ml.Tensor, ml.Tensor) {
	n := x.Dim(1)
	return x.Slice(ctx, 1, 0, c, 1), x.Slice(ctx, 1, c, n, 1)
}

// crossSplit teilt x in gerade und ungerade Kanaele
func crossSplit(ctx ml.Context, x ml.Tensor) (ml.Tensor, ml.Tensor) {
	n := x.Dim(1)
	return x.Slice(ctx, 1, 0, n, 2), x.Slice(ctx, 1, 1, n, 2)
}
