package defaults

import "testing"

func TestReconnectDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    int64 // seconds
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 4},
		{4, 8},
		{5, 16},
		{6, 32},
		{7, 60},
		{8, 60},
		{100, 60},
	}
	for _, c := range cases {
		got := ReconnectDelay(c.attempt)
		if got.Seconds() != float64(c.want) {
			t.Errorf("ReconnectDelay(%d) = %v, want %ds", c.attempt, got, c.want)
		}
	}
}
