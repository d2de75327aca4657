package envconfig

import (
	"log/slog"
	"path/filepath"
	"testing"
)

func TestHost(t *testing.T) {
	cases := map[string]string{
		"":                    "127.0.0.1:8160",
		"1.2.3.4":             "1.2.3.4:8160",
		":1234":               ":1234",
		"example.com":         "example.com:8160",
		"http://example.com":  "example.com:80",
		"https://example.com": "example.com:443",
		"0.0.0.0:99999":       "0.0.0.0:8160",
	}

	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			t.Setenv("SRFLOW_HOST", in)
			if got := Host().Host; got != want {
				t.Errorf("Host() = %q, erwartet %q", got, want)
			}
		})
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     slog.Level(-8),
	}

	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			t.Setenv("SRFLOW_DEBUG", in)
			if got := LogLevel(); got != want {
				t.Errorf("LogLevel() = %v, erwartet %v", got, want)
			}
		})
	}
}

func TestUintAndSeed(t *testing.T) {
	t.Setenv("SRFLOW_NUM_THREADS", "3")
	t.Setenv("SRFLOW_SEED", "kaputt")

	if got := NumThreads(); got != 3 {
		t.Errorf("NumThreads() = %d, erwartet 3", got)
	}
	if got := Seed(); got != 0 {
		t.Errorf("Seed() = %d, erwartet Default 0 bei ungueltigem Wert", got)
	}
}

func TestHistoryPath(t *testing.T) {
	t.Setenv("SRFLOW_MODELS", "/tmp/srflow")
	t.Setenv("SRFLOW_HISTORY", "")
	if got, want := HistoryPath(), filepath.Join("/tmp/srflow", "history.db"); got != want {
		t.Errorf("HistoryPath() = %q, erwartet %q", got, want)
	}

	t.Setenv("SRFLOW_HISTORY", "/var/h.db")
	if got := HistoryPath(); got != "/var/h.db" {
		t.Errorf("HistoryPath() = %q, erwartet /var/h.db", got)
	}
}

func TestValues(t *testing.T) {
	t.Setenv("SRFLOW_SEED", "7")
	t.Setenv("SRFLOW_MODELS", "/tmp/srflow")

	vals := Values()
	if len(vals) != len(AsMap()) {
		t.Errorf("Values() hat %d Eintraege, erwartet %d", len(vals), len(AsMap()))
	}
	if got := vals["SRFLOW_SEED"]; got != "7" {
		t.Errorf("SRFLOW_SEED = %q, erwartet 7", got)
	}
	if got := vals["SRFLOW_MODELS"]; got != "/tmp/srflow" {
		t.Errorf("SRFLOW_MODELS = %q, erwartet /tmp/srflow", got)
	}
}
