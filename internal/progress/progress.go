// Package progress renders discovery progress on a terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/danmuck/topoctl/internal/discovery"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

const defaultInterval = 100 * time.Millisecond

var frames = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// Spinner redraws one status line while a run is in flight. On a
// non-terminal writer it falls back to debug logs.
type Spinner struct {
	discovery.NopObserver

	out      io.Writer
	tty      bool
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	started  time.Time
	count    int
	frame    int
	stop     chan struct{}
	done     chan struct{}
	finished bool
}

func NewSpinner(out io.Writer) *Spinner {
	if out == nil {
		out = os.Stderr
	}
	return &Spinner{
		out:      out,
		tty:      isTerminal(out),
		interval: defaultInterval,
		now:      time.Now,
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Interactive reports whether the spinner draws to a terminal.
func (s *Spinner) Interactive() bool {
	return s.tty
}

// Start begins redrawing. Calling Start twice is a no-op.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil || s.finished {
		return
	}
	s.started = s.now()
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	if !s.tty {
		close(s.done)
		return
	}
	go s.loop(s.stop, s.done)
}

func (s *Spinner) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.frame = (s.frame + 1) % len(frames)
			s.drawLocked()
			s.mu.Unlock()
		}
	}
}

func (s *Spinner) NodeDiscovered(ev discovery.NodeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Count > s.count {
		s.count = ev.Count
	}
	if s.tty {
		s.drawLocked()
		return
	}
	log.Debug().Str("node", ev.NodeID).Int("count", ev.Count).Msg("progress: node discovered")
}

// Finish stops redrawing, clears the line and logs the total.
func (s *Spinner) Finish() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	stop, done := s.stop, s.done
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tty {
		fmt.Fprint(s.out, "\r\033[2K")
	}
	log.Info().Int("nodes", s.count).Dur("elapsed", s.elapsedLocked()).Msg("progress: discovery finished")
}

// Count returns the highest node count observed.
func (s *Spinner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Spinner) drawLocked() {
	fmt.Fprintf(s.out, "\r\033[2K%s", s.lineLocked())
}

func (s *Spinner) lineLocked() string {
	return fmt.Sprintf("%c [%s] Discovered %d nodes", frames[s.frame], formatElapsed(s.elapsedLocked()), s.count)
}

func (s *Spinner) elapsedLocked() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	return s.now().Sub(s.started)
}

// formatElapsed renders d as HH:MM:SS.
func formatElapsed(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}
