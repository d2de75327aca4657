// Package history - sqlite-Protokoll der Trainingslaeufe
//
// Jeder Lauf bekommt eine UUID, pro Schritt werden die Verluste und die
// Lernrate in der Reihenfolge des Verlust-Protokolls gespeichert.

package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite-Treiber registrieren
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	step INTEGER NOT NULL,
	position INTEGER NOT NULL,
	key TEXT NOT NULL,
	value REAL NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_entries_run_step ON entries(run_id, step);
`

// Store umhuellt die SQLite-Verbindung. SQLite serialisiert Schreiber
// selbst, ein eigenes Lock ist nicht noetig.
type Store struct {
	conn *sql.DB
}

// Value ist ein Eintrag des Verlust-Protokolls
type Value struct {
	Key   string
	Value float64
}

// Run beschreibt einen Trainingslauf
type Run struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Open oeffnet oder erstellt die Datenbank unter path
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return &Store{conn: conn}, nil
}

func (s *Store) Close() error {
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return s.conn.Close()
}

// NewRun legt einen Lauf an und gibt seine ID zurueck
func (s *Store) NewRun(name string) (string, error) {
	id := uuid.NewString()
	if _, err := s.conn.Exec("INSERT INTO runs (id, name) VALUES (?, ?)", id, name); err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// Record speichert die Werte eines Schritts in einer Transaktion
func (s *Store) Record(runID string, step int, values []Value) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO entries (run_id, step, position, key, value) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, v := range values {
		if _, err := stmt.Exec(runID, step, i, v.Key, v.Value); err != nil {
			return fmt.Errorf("insert entry %q: %w", v.Key, err)
		}
	}
	return tx.Commit()
}

// Runs listet alle Laeufe, der neueste zuerst
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.conn.Query("SELECT id, name, created_at FROM runs ORDER BY created_at DESC, rowid DESC")
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Name, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Step gibt die Werte eines Schritts in gespeicherter Reihenfolge zurueck
func (s *Store) Step(runID string, step int) ([]Value, error) {
	rows, err := s.conn.Query("SELECT key, value FROM entries WHERE run_id = ? AND step = ? ORDER BY position", runID, step)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var values []Value
	for rows.Next() {
		var v Value
		if err := rows.Scan(&v.Key, &v.Value); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// LastStep gibt den hoechsten gespeicherten Schritt eines Laufs zurueck,
// -1 wenn keiner existiert
func (s *Store) LastStep(runID string) (int, error) {
	var step sql.NullInt64
	if err := s.conn.QueryRow("SELECT MAX(step) FROM entries WHERE run_id = ?", runID).Scan(&step); err != nil {
		return 0, fmt.Errorf("query last step: %w", err)
	}
	if !step.Valid {
		return -1, nil
	}
	return int(step.Int64), nil
}
