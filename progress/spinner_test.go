package progress

import (
	"slices"
	"strings"
	"testing"
	"time"
)

func TestSpinnerString(t *testing.T) {
	s := NewSpinner("loading")

	got := s.String()
	if !strings.HasPrefix(got, "loading ") {
		t.Fatalf("String() = %q, want message prefix", got)
	}
	frame := strings.TrimSuffix(strings.TrimPrefix(got, "loading "), " ")
	if !slices.Contains(spinnerFrames, frame) {
		t.Errorf("String() = %q, frame %q not in the animation", got, frame)
	}
}

func TestSpinnerAdvances(t *testing.T) {
	s := NewSpinner("")
	s.started = time.Now().Add(-2*frameInterval - frameInterval/2)

	if got, want := s.String(), spinnerFrames[2]+" "; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestSpinnerStop(t *testing.T) {
	s := NewSpinner("loading")
	s.Stop()

	if got := s.String(); got != "loading " {
		t.Errorf("String() after Stop = %q, want %q", got, "loading ")
	}

	// stopping twice is fine
	s.Stop()
}

func TestSpinnerNoMessage(t *testing.T) {
	s := NewSpinner("")
	if got := s.String(); got == "" {
		t.Error("running spinner rendered nothing")
	}

	s.Stop()
	if got := s.String(); got != "" {
		t.Errorf("String() after Stop = %q, want empty", got)
	}
}
