package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
)

// DropFunc is called for every data payload the decoder discards.
type DropFunc func(payload string, err error)

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the logger used for dropped-frame diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Decoder) { d.logger = logger }
}

// WithDropHandler registers a callback for discarded payloads.
func WithDropHandler(fn DropFunc) Option {
	return func(d *Decoder) { d.onDrop = fn }
}

// Decoder reads chat stream frames from an [io.Reader] and yields typed
// events. Frames are newline separated; only lines carrying a "data:"
// field are payloads. Other SSE fields and comment lines are ignored.
//
// Usage:
//
//	dec := NewDecoder(body)
//	for dec.Next() {
//	    ev := dec.Event()
//	    // dispatch on ev.Kind
//	}
//	if err := dec.Err(); err != nil {
//	    // transport failure
//	}
//
// A payload that is not valid JSON, or has no type tag, is logged and
// skipped. It never ends the stream.
type Decoder struct {
	reader  *bufio.Reader
	current Event
	err     error
	done    bool
	dropped int

	logger *slog.Logger
	onDrop DropFunc
}

// NewDecoder creates a decoder over r. The reader is consumed
// incrementally.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		reader: bufio.NewReaderSize(r, 64*1024),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next advances to the next event. It returns false once the underlying
// reader is exhausted or fails; call [Decoder.Err] to tell the two apart.
func (d *Decoder) Next() bool {
	if d.done {
		return false
	}
	for {
		line, err := d.reader.ReadString('\n')

		// A final line without a trailing newline is still a frame.
		if line != "" && d.decodeLine(line) {
			if err != nil {
				d.finish(err)
			}
			return true
		}
		if err != nil {
			d.finish(err)
			return false
		}
	}
}

func (d *Decoder) finish(err error) {
	d.done = true
	if err != io.EOF {
		d.err = err
	}
}

func (d *Decoder) decodeLine(line string) bool {
	line = strings.TrimRight(line, "\r\n")
	if line == "" || strings.HasPrefix(line, ":") {
		return false
	}

	field, value, ok := strings.Cut(line, ":")
	if !ok || field != "data" {
		return false
	}
	value = strings.TrimPrefix(value, " ")
	if strings.TrimSpace(value) == "" {
		return false
	}

	ev, err := Parse([]byte(value))
	if err != nil {
		d.dropped++
		d.logger.Warn("dropping malformed stream frame", "error", err, "payload", truncate(value, 200))
		if d.onDrop != nil {
			d.onDrop(value, err)
		}
		return false
	}
	d.current = ev
	return true
}

// Event returns the event produced by the last successful call to Next.
func (d *Decoder) Event() Event {
	return d.current
}

// Err returns the transport error that ended decoding, or nil if the
// stream ended with a clean EOF.
func (d *Decoder) Err() error {
	return d.err
}

// Dropped reports how many payloads have been discarded so far.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// All returns the remaining events as a single-use sequence.
func (d *Decoder) All() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for d.Next() {
			if !yield(d.Event()) {
				return
			}
		}
	}
}

// WriteFrame marshals v as JSON and writes it as a single data frame.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
