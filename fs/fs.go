// Package fs - Checkpoint-Tensoren und Parameter-Zuordnung
//
// Dieses Paket definiert das formatunabhaengige Abbild eines Checkpoints
// (Name -> Tensor) und uebertraegt es auf die Parameter eines Netzwerks.
// Die Dateiformate liegen in fs/safetensors und fs/torch.
//
// Hauptkomponenten:
// - Tensor: Shape und Daten eines gespeicherten Tensors
// - Load: Ordnet Checkpoint-Tensoren den Parametern zu (strict/non-strict)
// - Collect: Erstellt ein Abbild aus Parametern fuer das Speichern

package fs

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/ml/nn"
)

// Fehler-Definitionen
var (
	ErrMissingTensor    = errors.New("fs: missing tensor")
	ErrUnexpectedTensor = errors.New("fs: unexpected tensor")
	ErrShapeMismatch    = errors.New("fs: shape mismatch")
)

// Tensor ist ein gespeicherter Tensor. DType beschreibt das Format in der
// Datei, Data liegt immer als float64 vor.
type Tensor struct {
	DType ml.DType
	Shape []int
	Data  []float64
}

// Collect kopiert alle Parameter (inklusive Buffer) in ein Abbild
func Collect(params []nn.Param) map[string]Tensor {
	tensors := make(map[string]Tensor, len(params))
	for _, p := range params {
		tensors[p.Name] = Tensor{DType: ml.DTypeF64, Shape: p.Tensor.Shape(), Data: p.Tensor.Floats()}
	}
	return tensors
}

// Report listet, was Load nicht zuordnen konnte
type Report struct {
	Loaded     int
	Missing    []string
	Unexpected []string
	Mismatched []string
}

// Load uebertraegt tensors auf params. Ein Parameter wird unter seinem Namen
// und danach unter seinen Alternativnamen gesucht. Im strict-Modus ist jeder
// fehlende, unerwartete oder falsch geformte Tensor ein Fehler, sonst wird
// er mit einer Warnung uebersprungen.
func Load(params []nn.Param, tensors map[string]Tensor, strict bool) (Report, error) {
	var r Report
	used := make(map[string]bool, len(tensors))

	for _, p := range params {
		name, t, ok := lookup(p, tensors)
		if !ok {
			r.Missing = append(r.Missing, p.Name)
			continue
		}
		used[name] = true

		if !slices.Equal(t.Shape, p.Tensor.Shape()) {
			r.Mismatched = append(r.Mismatched, fmt.Sprintf("%s: checkpoint %v, network %v", name, t.Shape, p.Tensor.Shape()))
			continue
		}

		p.Tensor.FromFloats(t.Data)
		r.Loaded++
	}

	for _, name := range slices.Sorted(maps.Keys(tensors)) {
		if !used[name] {
			r.Unexpected = append(r.Unexpected, name)
		}
	}

	if strict {
		switch {
		case len(r.Missing) > 0:
			return r, fmt.Errorf("%w: %v", ErrMissingTensor, r.Missing)
		case len(r.Unexpected) > 0:
			return r, fmt.Errorf("%w: %v", ErrUnexpectedTensor, r.Unexpected)
		case len(r.Mismatched) > 0:
			return r, fmt.Errorf("%w: %v", ErrShapeMismatch, r.Mismatched)
		}
	}

	if len(r.Missing)+len(r.Unexpected)+len(r.Mismatched) > 0 {
		slog.Warn("checkpoint loaded partially", "loaded", r.Loaded,
			"missing", len(r.Missing), "unexpected", len(r.Unexpected), "mismatched", len(r.Mismatched))
	}
	return r, nil
}

func lookup(p nn.Param, tensors map[string]Tensor) (string, Tensor, bool) {
	for _, name := range append([]string{p.Name}, p.Alternatives...) {
		if t, ok := tensors[name]; ok {
			return name, t, true
		}
	}
	return "", Tensor{}, false
}
