package progress

import (
	"strings"
	"sync"
	"time"
)

// frameInterval advances the spinner once per display repaint.
const frameInterval = 100 * time.Millisecond

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner is a braille spinner with an optional leading message. The
// frame is derived from elapsed time, so it needs no goroutine of its
// own and animates for as long as the display keeps repainting it.
type Spinner struct {
	message string
	started time.Time

	mu      sync.Mutex
	stopped bool
}

func NewSpinner(message string) *Spinner {
	return &Spinner{
		message: message,
		started: time.Now(),
	}
}

func (s *Spinner) String() string {
	var sb strings.Builder
	if s.message != "" {
		sb.WriteString(strings.TrimSpace(s.message))
		sb.WriteString(" ")
	}

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()

	if !stopped {
		frame := int(time.Since(s.started)/frameInterval) % len(spinnerFrames)
		sb.WriteString(spinnerFrames[frame])
		sb.WriteString(" ")
	}

	return sb.String()
}

// Stop freezes the spinner. Later frames render the message alone.
func (s *Spinner) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}
