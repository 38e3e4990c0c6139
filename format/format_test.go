package format

import (
	"testing"
	"time"
)

func TestHumanBytes(t *testing.T) {
	cases := []struct {
		input int64
		want  string
	}{
		{0, "0 B"},
		{1, "1 B"},
		{999, "999 B"},
		{1000, "1.0 KB"},
		{1536, "1.5 KB"},
		{999999, "1000.0 KB"},
		{1000000, "1.0 MB"},
		{4500000000, "4.5 GB"},
		{1000000000000, "1.0 TB"},
	}

	for _, tt := range cases {
		if got := HumanBytes(tt.input); got != tt.want {
			t.Errorf("HumanBytes(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestHumanTime(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name string
		t    time.Time
		want string
	}{
		{"zero value", time.Time{}, "Never"},
		{"just now", now, "Less than a second ago"},
		{"seconds ago", now.Add(-30 * time.Second), "30 seconds ago"},
		{"about a minute", now.Add(-90 * time.Second), "About a minute ago"},
		{"minutes ago", now.Add(-30 * time.Minute), "30 minutes ago"},
		{"hours ago", now.Add(-5 * time.Hour), "5 hours ago"},
		{"days ago", now.Add(-3 * 24 * time.Hour), "3 days ago"},
		{"weeks ago", now.Add(-3 * 7 * 24 * time.Hour), "3 weeks ago"},
		{"future", now.Add(3*time.Hour + time.Second), "3 hours from now"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := HumanTime(tt.t, "Never"); got != tt.want {
				t.Errorf("HumanTime = %q, want %q", got, tt.want)
			}
		})
	}
}
