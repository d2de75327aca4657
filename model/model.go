// Package model - Netzwerk-Registry fuer Generator und Diskriminator
//
// Dieses Paket verwaltet die Konstruktoren der SR-Netzwerke. Architekturen
// registrieren sich in ihrem init() unter dem Namen aus der Konfiguration
// (which_model_G / which_model_D).
//
// Hauptkomponenten:
// - Network: Interface fuer alle Architekturen
// - Options: Netzwerk-Parameter aus der Konfiguration
// - RegisterGenerator/RegisterDiscriminator: Registriert Konstruktoren
// - NewGenerator/NewDiscriminator: Erstellt Instanzen
// - Describe: Baumdarstellung fuer print_network

package model

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/ml/nn"
)

// Fehler-Definitionen
var (
	ErrUnsupportedModel = errors.New("model not supported")
	ErrFinalCap         = errors.New("unsupported final cap")
)

// Network ist eine trainierbare Architektur. Parameter werden ueber
// `weight:"..."` Tags der Struktur gefunden.
type Network interface {
	Forward(ml.Context, ml.Tensor) (ml.Tensor, error)
}

// Trainer ist ein optionales Interface fuer Netzwerke mit BatchNorm
type Trainer interface {
	SetTraining(bool)
}

// Options sind die Netzwerk-Parameter aus network_G bzw. network_D
type Options struct {
	Which string

	InChannels  int
	OutChannels int
	NF          int
	NB          int
	Scale       int

	// FinalCap begrenzt die Generator-Ausgabe: tanh, sigmoid, clamp
	FinalCap string

	// InputSize ist die Kantenlaenge der Diskriminator-Eingabe
	InputSize int
}

type constructor func(ml.Context, Options) (Network, error)

var (
	generators     = make(map[string]constructor)
	discriminators = make(map[string]constructor)
)

func register(m map[string]constructor, name string, f constructor) {
	if _, ok := m[name]; ok {
		panic("model: model already registered")
	}

	m[name] = f
}

// RegisterGenerator registriert einen Generator-Konstruktor
func RegisterGenerator(name string, f func(ml.Context, Options) (Network, error)) {
	register(generators, name, f)
}

// RegisterDiscriminator registriert einen Diskriminator-Konstruktor
func RegisterDiscriminator(name string, f func(ml.Context, Options) (Network, error)) {
	register(discriminators, name, f)
}

func build(m map[string]constructor, kind string, ctx ml.Context, opts Options) (Network, error) {
	f, ok := m[opts.Which]
	if !ok {
		return nil, fmt.Errorf("%w: %s %q", ErrUnsupportedModel, kind, opts.Which)
	}

	n, err := f(ctx, opts)
	if err != nil {
		return nil, err
	}

	slog.Info("network created", "kind", kind, "which", opts.Which, "params", nn.Count(n))
	return n, nil
}

// NewGenerator erstellt den Generator opts.Which
func NewGenerator(ctx ml.Context, opts Options) (Network, error) {
	return build(generators, "generator", ctx, opts)
}

// NewDiscriminator erstellt den Diskriminator opts.Which
func NewDiscriminator(ctx ml.Context, opts Options) (Network, error) {
	return build(discriminators, "discriminator", ctx, opts)
}

// Generators gibt die registrierten Generator-Namen sortiert zurueck
func Generators() []string {
	return sortedKeys(generators)
}

// Discriminators gibt die registrierten Diskriminator-Namen sortiert zurueck
func Discriminators() []string {
	return sortedKeys(discriminators)
}

func sortedKeys(m map[string]constructor) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ApplyFinalCap begrenzt x nach cap. Ein leerer Wert laesst x unveraendert.
func ApplyFinalCap(ctx ml.Context, x ml.Tensor, cap string) (ml.Tensor, error) {
	switch cap {
	case "":
		return x, nil
	case "tanh":
		return x.Tanh(ctx), nil
	case "sigmoid":
		return x.Sigmoid(ctx), nil
	case "clamp":
		return x.Clamp(ctx, 0, 1), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrFinalCap, cap)
	}
}
