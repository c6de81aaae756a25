package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter keeps one status line up to date with elapsed or remaining
// time. It draws nothing unless its writer is a terminal.
//
//	p := NewCountdownProgressPrinter(os.Stderr, "Scanning", "listening", 10*time.Second)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use.
type ProgressPrinter struct {
	w        io.Writer
	enabled  bool
	prefix   string
	phase    atomic.Value // string
	duration time.Duration // zero counts up
	drawn    atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a printer that shows elapsed time.
func NewProgressPrinter(w io.Writer, prefix, phase string) *ProgressPrinter {
	return NewCountdownProgressPrinter(w, prefix, phase, 0)
}

// NewCountdownProgressPrinter creates a printer that counts down from duration.
func NewCountdownProgressPrinter(w io.Writer, prefix, phase string, duration time.Duration) *ProgressPrinter {
	p := &ProgressPrinter{
		w:        w,
		enabled:  isTerminal(w),
		prefix:   prefix,
		duration: duration,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// SetPhase changes the label shown in parentheses. Safe for concurrent use.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
}

// Start begins redrawing in the background.
func (p *ProgressPrinter) Start() {
	p.startOnce.Do(func() {
		if !p.enabled {
			close(p.done)
			return
		}
		started := time.Now()
		p.draw(started)
		go p.loop(started)
	})
}

func (p *ProgressPrinter) loop(started time.Time) {
	defer close(p.done)

	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.draw(started)
		}
	}
}

func (p *ProgressPrinter) draw(started time.Time) {
	p.drawn.Store(true)
	phase := p.phase.Load().(string)
	elapsed := time.Since(started)

	seconds := int(elapsed.Seconds())
	if p.duration > 0 {
		// round to the nearest second; 0 once the countdown is over
		seconds = max(0, int((p.duration-elapsed).Seconds()+0.5))
	}
	if seconds > 0 {
		fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// Stop ends the redraw loop and clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	// a printer that never started has nothing to wait for
	p.startOnce.Do(func() { close(p.done) })
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
		if p.enabled && p.drawn.Load() {
			fmt.Fprint(p.w, clearLineSequence)
		}
	})
}
