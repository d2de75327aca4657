// Package checkpoint - Laden und Speichern von Netzwerk-Gewichten
//
// Waehlt das Dateiformat anhand der Endung: .pth/.pt ueber fs/torch,
// alles andere als safetensors. Gespeichert wird immer safetensors.

package checkpoint

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/srflow/srflow/fs"
	"github.com/srflow/srflow/fs/safetensors"
	"github.com/srflow/srflow/fs/torch"
	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/ml/nn"
)

// ReadFile liest alle Tensoren aus path
func ReadFile(path string) (map[string]fs.Tensor, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pth", ".pt":
		return torch.ReadFile(path)
	default:
		tensors, _, err := safetensors.ReadFile(path)
		return tensors, err
	}
}

// AfterLoader wird nach einem erfolgreichen Load aufgerufen, damit ein Modul
// Zustand setzen kann, der nicht in den Tensoren steht
type AfterLoader interface {
	AfterLoad()
}

// Load laedt path in die Parameter von module
func Load(module any, path string, strict bool) (fs.Report, error) {
	tensors, err := ReadFile(path)
	if err != nil {
		return fs.Report{}, fmt.Errorf("read checkpoint %s: %w", path, err)
	}

	r, err := fs.Load(nn.Parameters(module), tensors, strict)
	if err != nil {
		return r, fmt.Errorf("load checkpoint %s: %w", path, err)
	}

	if m, ok := module.(AfterLoader); ok {
		m.AfterLoad()
	}

	slog.Info("checkpoint loaded", "path", path, "tensors", r.Loaded, "strict", strict)
	return r, nil
}

// Save schreibt alle Parameter und Buffer von module nach path
func Save(module any, path string, dtype ml.DType, metadata map[string]string) error {
	if err := safetensors.WriteFile(path, fs.Collect(nn.Parameters(module)), dtype, metadata); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", path, err)
	}

	slog.Debug("checkpoint saved", "path", path, "dtype", dtype)
	return nil
}
