package progress

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/vlama/vlama/format"
)

// Bar renders byte progress with throughput and a remaining-time
// estimate, squeezed to the current terminal width.
type Bar struct {
	message string

	maxValue     int64
	initialValue int64
	currentValue int64

	started time.Time

	stats   stats
	sampled time.Time
}

type stats struct {
	value     int64
	rate      int64
	remaining time.Duration
}

func NewBar(message string, maxValue, initialValue int64) *Bar {
	return &Bar{
		message:      message,
		maxValue:     maxValue,
		initialValue: initialValue,
		currentValue: initialValue,
		started:      time.Now(),
	}
}

// Set moves the bar to value, clamped to the maximum.
func (b *Bar) Set(value int64) {
	b.currentValue = min(value, b.maxValue)
}

func (b *Bar) percent() float64 {
	if b.maxValue <= 0 {
		return 0
	}
	return float64(b.currentValue) / float64(b.maxValue) * 100
}

// sample refreshes the rate estimate at most once a second so the
// numbers hold still long enough to read.
func (b *Bar) sample() stats {
	if time.Since(b.sampled) < time.Second {
		return b.stats
	}

	switch {
	case b.sampled.IsZero():
		b.stats = stats{value: b.initialValue}
	case b.currentValue >= b.maxValue:
		b.stats = stats{value: b.maxValue}
	default:
		rate := b.currentValue - b.stats.value
		remaining := time.Duration(math.MaxInt64)
		if rate > 0 {
			remaining = time.Duration(float64(b.maxValue-b.currentValue)/float64(rate)) * time.Second
		}
		b.stats = stats{value: b.currentValue, rate: rate, remaining: remaining}
	}

	b.sampled = time.Now()
	return b.stats
}

// formatDuration renders a duration in at most two units.
func formatDuration(d time.Duration) string {
	switch {
	case d >= 100*time.Hour:
		return "99h+"
	case d >= time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return d.Round(time.Second).String()
	}
}

func (b *Bar) String() string {
	termWidth, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termWidth = 80
	}

	var pre, mid, suf strings.Builder

	if b.message != "" {
		pre.WriteString(strings.TrimSpace(b.message))
		pre.WriteString(" ")
	}
	fmt.Fprintf(&pre, "%3.0f%% ", math.Floor(b.percent()))

	fmt.Fprintf(&suf, "(%s/%s", format.HumanBytes(b.currentValue), format.HumanBytes(b.maxValue))

	stats := b.sample()
	inflight := stats.value > b.initialValue && stats.value < b.maxValue
	if inflight {
		fmt.Fprintf(&suf, ", %s/s", format.HumanBytes(stats.rate))
	}
	suf.WriteString(")")

	var timing string
	if inflight {
		timing = fmt.Sprintf("[%s:%s]", formatDuration(time.Since(b.started)), formatDuration(stats.remaining))
	}

	// the right column is padded to 44 cells so bars with and without
	// timing stay aligned
	if pad := 44 - suf.Len() - len(timing); pad > 0 {
		suf.WriteString(strings.Repeat(" ", pad))
	}
	suf.WriteString(timing)

	// two border cells plus one trailing space
	width := termWidth - pre.Len() - suf.Len() - 3
	if width > 0 {
		filled := int(float64(width) * b.percent() / 100)
		mid.WriteString("▕")
		mid.WriteString(strings.Repeat("█", filled))
		mid.WriteString(strings.Repeat(" ", width-filled))
		mid.WriteString("▏")
	}

	return pre.String() + mid.String() + suf.String()
}
