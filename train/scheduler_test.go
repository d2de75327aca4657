package train

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestSchedulers(t *testing.T) {
	cases := []struct {
		name  string
		opts  SchedulerOptions
		steps []int
		want  []float64
	}{
		{
			name:  "konstant",
			steps: []int{0, 1000},
			want:  []float64{1, 1},
		},
		{
			name:  "MultiStepLR",
			opts:  SchedulerOptions{Scheme: "MultiStepLR", Milestones: []int{20, 10}},
			steps: []int{0, 9, 10, 19, 20, 100},
			want:  []float64{1, 1, 0.5, 0.5, 0.25, 0.25},
		},
		{
			name:  "StepLR",
			opts:  SchedulerOptions{Scheme: "StepLR", StepSize: 5, Gamma: 0.1},
			steps: []int{0, 4, 5, 10},
			want:  []float64{1, 1, 0.1, 0.01},
		},
		{
			name:  "CosineAnnealingLR",
			opts:  SchedulerOptions{Scheme: "CosineAnnealingLR", TMax: 10, EtaMin: 0.2},
			steps: []int{0, 5, 10, 20},
			want:  []float64{1, 0.6, 0.2, 0.2},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewScheduler(tt.opts)
			if err != nil {
				t.Fatal(err)
			}

			got := make([]float64, len(tt.steps))
			for i, step := range tt.steps {
				got[i] = s.GetLR(0, step, 1)
			}
			if diff := cmp.Diff(tt.want, got, approx); diff != "" {
				t.Errorf("Lernraten falsch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSchedulerErrors(t *testing.T) {
	for _, opts := range []SchedulerOptions{
		{Scheme: "ReduceLROnPlateau"},
		{Scheme: "StepLR"},
		{Scheme: "CosineAnnealingLR"},
	} {
		_, err := NewScheduler(opts)
		require.ErrorIs(t, err, ErrUnknownScheduler, opts.Scheme)
	}
}
