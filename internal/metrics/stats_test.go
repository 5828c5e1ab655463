package metrics

import (
	"strings"
	"testing"
)

func TestFormatBytesFixedWidth(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{5 * 1024 * 1024, " 5.0 MiB"},
	}

	for _, tc := range testCases {
		got := formatBytes(tc.in)
		if got != tc.want {
			t.Errorf("formatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
		if len(got) != 8 {
			t.Errorf("formatBytes(%v) has width %d, want 8", tc.in, len(got))
		}
	}
}

func TestStatsCounters(t *testing.T) {
	before := Stats.BytesSent.Load()
	Stats.AddSent("Request", 42)
	if got := Stats.BytesSent.Load() - before; got != 42 {
		t.Errorf("BytesSent delta = %d, want 42", got)
	}

	line := formatStats(2048, 0, 1, 0)
	if !strings.Contains(line, "2.0 KiB/s") || !strings.Contains(line, " 1↑") {
		t.Errorf("unexpected stats line %q", line)
	}
}
