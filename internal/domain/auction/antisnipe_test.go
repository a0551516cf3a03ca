package auction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExtendDeadline(t *testing.T) {
	end := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		window  time.Duration
		bidTime time.Time
		want    time.Time
	}{
		{
			name:    "bid_inside_window_extends",
			window:  5 * time.Minute,
			bidTime: end.Add(-2 * time.Minute),
			want:    end.Add(3 * time.Minute),
		},
		{
			name:    "bid_outside_window_no_change",
			window:  5 * time.Minute,
			bidTime: end.Add(-10 * time.Minute),
			want:    end,
		},
		{
			name:    "bid_exactly_on_boundary_extends",
			window:  5 * time.Minute,
			bidTime: end.Add(-5 * time.Minute),
			want:    end,
		},
		{
			name:    "zero_window_disables_extension",
			window:  0,
			bidTime: end.Add(-1 * time.Second),
			want:    end,
		},
		{
			name:    "bid_one_second_before_close",
			window:  2 * time.Minute,
			bidTime: end.Add(-1 * time.Second),
			want:    end.Add(-1 * time.Second).Add(2 * time.Minute),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtendDeadline(end, tt.window, tt.bidTime)
			require.True(t, tt.want.Equal(got), "want %v got %v", tt.want, got)
		})
	}
}

func TestExtendDeadlineRepeatedLateBids(t *testing.T) {
	end := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	window := 5 * time.Minute

	// Each late bid re-applies the rule against the already-extended deadline.
	first := ExtendDeadline(end, window, end.Add(-1*time.Minute))
	require.True(t, first.After(end))

	second := ExtendDeadline(first, window, first.Add(-30*time.Second))
	require.True(t, second.After(first))
}
