package chat

import (
	"io"
	"time"
)

// watchdog fires once if it is not kicked within its timeout. A zero
// timeout disables it.
type watchdog struct {
	timeout time.Duration
	timer   *time.Timer
}

func newWatchdog(timeout time.Duration, fire func()) *watchdog {
	w := &watchdog{timeout: timeout}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, fire)
	}
	return w
}

func (w *watchdog) kick() {
	if w.timer != nil {
		w.timer.Reset(w.timeout)
	}
}

func (w *watchdog) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

// stallReader kicks the watchdog whenever bytes arrive.
type stallReader struct {
	r  io.Reader
	wd *watchdog
}

func (s *stallReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.wd.kick()
	}
	return n, err
}
