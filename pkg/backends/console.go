package backends

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
)

// Stream selects the console output stream.
type Stream int

const (
	// Stdout writes to standard output
	Stdout Stream = iota
	// Stderr writes to standard error
	Stderr
)

// ParseStream maps "stdout"/"stderr" to a Stream.
func ParseStream(name string) (Stream, error) {
	switch name {
	case "", "stdout":
		return Stdout, nil
	case "stderr":
		return Stderr, nil
	}
	return Stdout, errors.Errorf("unknown console stream %q", name)
}

// ConsoleSink writes to stdout or stderr. Closing it never closes the
// process's standard streams.
type ConsoleSink struct {
	*WriterSink
	file     *os.File
	terminal bool
}

// NewConsoleSink creates a console sink for the given stream.
func NewConsoleSink(stream Stream) *ConsoleSink {
	f := os.Stdout
	name := "stdout"
	if stream == Stderr {
		f = os.Stderr
		name = "stderr"
	}
	return &ConsoleSink{
		WriterSink: NewWriterSink(name, consoleWriter{f}),
		file:       f,
		terminal:   isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()),
	}
}

// IsTerminal reports whether the stream is attached to a terminal.
func (c *ConsoleSink) IsTerminal() bool { return c.terminal }

// consoleWriter hides the Close method of *os.File so WriterSink.Close
// leaves the standard stream open.
type consoleWriter struct{ f *os.File }

func (w consoleWriter) Write(p []byte) (int, error) { return w.f.Write(p) }
