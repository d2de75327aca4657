// config_features.go - Laufzeit- und Feature-Konfiguration
//
// Dieses Modul enthaelt:
// - Backend-Auswahl, Thread-Anzahl und Seed
// - Trainings-Historie
package envconfig

import (
	"path/filepath"
)

// =============================================================================
// Backend
// =============================================================================

var (
	// Backend waehlt das Tensor-Backend (leer = erstes registriertes)
	Backend = String("SRFLOW_BACKEND")

	// NumThreads begrenzt die parallelen Batch-Worker (0 = GOMAXPROCS)
	NumThreads = Uint("SRFLOW_NUM_THREADS", 0)

	// Seed initialisiert den Zufallsgenerator des Backends
	Seed = Uint64("SRFLOW_SEED", 0)
)

// =============================================================================
// Training
// =============================================================================

var (
	// NoHistory deaktiviert die sqlite-Historie des Trainings
	NoHistory = Bool("SRFLOW_NOHISTORY")
)

// HistoryPath gibt den Pfad der Trainings-Historie zurueck
// Konfigurierbar via SRFLOW_HISTORY
// Default: $SRFLOW_MODELS/history.db
func HistoryPath() string {
	if s := Var("SRFLOW_HISTORY"); s != "" {
		return s
	}

	return filepath.Join(Models(), "history.db")
}
