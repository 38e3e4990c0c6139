// Package format renders byte counts and timestamps for human eyes.
package format

import (
	"fmt"
	"math"
	"time"
)

const (
	Byte     = 1
	KiloByte = 1000 * Byte
	MegaByte = 1000 * KiloByte
	GigaByte = 1000 * MegaByte
	TeraByte = 1000 * GigaByte
)

// HumanBytes renders a byte count with decimal units, one digit of
// precision from a kilobyte up.
func HumanBytes(n int64) string {
	units := []struct {
		size int64
		name string
	}{
		{TeraByte, "TB"},
		{GigaByte, "GB"},
		{MegaByte, "MB"},
		{KiloByte, "KB"},
	}

	for _, u := range units {
		if n >= u.size {
			return fmt.Sprintf("%.1f %s", float64(n)/float64(u.size), u.name)
		}
	}

	return fmt.Sprintf("%d B", n)
}

// HumanTime renders how far t lies from now, or zero when t is unset.
func HumanTime(t time.Time, zero string) string {
	if t.IsZero() {
		return zero
	}

	d := time.Since(t)
	if d < 0 {
		return humanDuration(-d) + " from now"
	}
	return humanDuration(d) + " ago"
}

// humanDuration names a duration at the coarsest unit that still reads
// naturally, following the docker/go-units ladder.
func humanDuration(d time.Duration) string {
	switch seconds := int(d.Seconds()); {
	case seconds < 1:
		return "Less than a second"
	case seconds == 1:
		return "1 second"
	case seconds < 60:
		return fmt.Sprintf("%d seconds", seconds)
	}

	switch minutes := int(d.Minutes()); {
	case minutes == 1:
		return "About a minute"
	case minutes < 60:
		return fmt.Sprintf("%d minutes", minutes)
	}

	switch hours := int(math.Round(d.Hours())); {
	case hours == 1:
		return "About an hour"
	case hours < 48:
		return fmt.Sprintf("%d hours", hours)
	case hours < 24*7*2:
		return fmt.Sprintf("%d days", hours/24)
	case hours < 24*30*2:
		return fmt.Sprintf("%d weeks", hours/24/7)
	case hours < 24*365*2:
		return fmt.Sprintf("%d months", hours/24/30)
	default:
		return fmt.Sprintf("%d years", hours/24/365)
	}
}
