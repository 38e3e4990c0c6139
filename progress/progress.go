// Package progress renders live terminal status lines: spinners while
// waiting on the server and byte-granular bars for long transfers.
package progress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const defaultTermHeight = 24

const (
	cursorUp   = "\033[A"
	columnOne  = "\033[1G"
	clearLine  = "\033[2K"
	clearRight = "\033[K"
	hideCursor = "\033[?25l"
	showCursor = "\033[?25h"
	beginSync  = "\033[?2026h"
	endSync    = "\033[?2026l"
)

// State is one renderable line of a progress display.
type State interface {
	String() string
}

// Progress repaints its states on a timer until stopped. Frames are
// buffered so slow terminals repaint once per tick instead of
// flickering through partial writes.
type Progress struct {
	w      *bufio.Writer
	ticker *time.Ticker
	done   chan struct{}

	mu      sync.Mutex
	states  []State
	lines   int
	stopped bool
}

func NewProgress(w io.Writer) *Progress {
	p := &Progress{
		w:      bufio.NewWriter(w),
		ticker: time.NewTicker(100 * time.Millisecond),
		done:   make(chan struct{}),
	}

	fmt.Fprint(p.w, hideCursor)
	go p.run()
	return p
}

func (p *Progress) run() {
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			p.render()
		}
	}
}

// Add appends a line to the display.
func (p *Progress) Add(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, state)
}

// stop halts the repaint loop and paints one final frame. It reports
// whether this call was the one that stopped the display, so Stop and
// StopAndClear stay safe to call in any order.
func (p *Progress) stop() bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	p.stopped = true
	states := p.states
	p.mu.Unlock()

	for _, state := range states {
		if spinner, ok := state.(*Spinner); ok {
			spinner.Stop()
		}
	}

	p.ticker.Stop()
	close(p.done)
	p.render()
	return true
}

// Stop ends the display, leaving the final frame on screen.
func (p *Progress) Stop() bool {
	stopped := p.stop()
	if stopped {
		fmt.Fprintln(p.w)
	}

	fmt.Fprint(p.w, showCursor)
	p.w.Flush()
	return stopped
}

// StopAndClear ends the display and erases every line it painted.
func (p *Progress) StopAndClear() bool {
	stopped := p.stop()
	if stopped {
		for range p.lines - 1 {
			fmt.Fprint(p.w, cursorUp)
		}
		fmt.Fprint(p.w, clearLine, columnOne)
	}

	fmt.Fprint(p.w, showCursor)
	p.w.Flush()
	return stopped
}

func (p *Progress) render() {
	_, termHeight, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termHeight = defaultTermHeight
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.w, beginSync)

	for range p.lines - 1 {
		fmt.Fprint(p.w, cursorUp)
	}
	fmt.Fprint(p.w, columnOne)

	// when there are more states than rows, repaint only the newest
	visible := min(len(p.states), termHeight)
	for i := len(p.states) - visible; i < len(p.states); i++ {
		fmt.Fprint(p.w, p.states[i].String(), clearRight)
		if i < len(p.states)-1 {
			fmt.Fprintln(p.w)
		}
	}

	p.lines = len(p.states)
	fmt.Fprint(p.w, endSync)
	p.w.Flush()
}
