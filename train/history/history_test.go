package history

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	id, err := s.NewRun("x4_flow")
	if err != nil {
		t.Fatal(err)
	}

	last, err := s.LastStep(id)
	if err != nil {
		t.Fatal(err)
	}
	if last != -1 {
		t.Errorf("LastStep ohne Eintraege = %d", last)
	}

	want := []Value{{"l_g_pix", 0.25}, {"l_g_gan", 0.01}, {"l_d_real", 0.7}}
	if err := s.Record(id, 5, want); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(id, 6, want[:1]); err != nil {
		t.Fatal(err)
	}

	got, err := s.Step(id, 5)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Werte falsch (-want +got):\n%s", diff)
	}

	if last, _ := s.LastStep(id); last != 6 {
		t.Errorf("LastStep = %d, erwartet 6", last)
	}

	runs, err := s.Runs()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != id || runs[0].Name != "x4_flow" {
		t.Errorf("Laeufe falsch: %+v", runs)
	}
}
