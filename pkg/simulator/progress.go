package simulator

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogProgressSink writes progress as structured log events.
type LogProgressSink struct {
	logger zerolog.Logger
}

// NewLogProgressSink creates a sink that logs through logger.
func NewLogProgressSink(logger zerolog.Logger) *LogProgressSink {
	return &LogProgressSink{logger: logger.With().Str("component", "ProgressSink").Logger()}
}

func (s *LogProgressSink) ReportIncrement(sent, total int, message string) {
	s.logger.Info().Int("sent", sent).Int("total", total).Msg(message)
}

func (s *LogProgressSink) ReportFinal(summary string) {
	s.logger.Info().Msg(summary)
}

// WriterProgressSink appends human readable lines, each prefixed with the local
// wall-clock time, to an io.Writer such as os.Stdout.
type WriterProgressSink struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

// NewWriterProgressSink creates a sink writing to out.
func NewWriterProgressSink(out io.Writer) *WriterProgressSink {
	return &WriterProgressSink{out: out, now: time.Now}
}

func (s *WriterProgressSink) ReportIncrement(sent, total int, message string) {
	s.writeLine(fmt.Sprintf("%s (%d of %d)", message, sent, total))
}

func (s *WriterProgressSink) ReportFinal(summary string) {
	s.writeLine(summary)
}

func (s *WriterProgressSink) writeLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.out, "[%s] %s\n", s.now().Format(time.TimeOnly), line)
}

// ProgressSinks fans every report out to each sink in order.
type ProgressSinks []ProgressSink

func (ps ProgressSinks) ReportIncrement(sent, total int, message string) {
	for _, s := range ps {
		s.ReportIncrement(sent, total, message)
	}
}

func (ps ProgressSinks) ReportFinal(summary string) {
	for _, s := range ps {
		s.ReportFinal(summary)
	}
}

type nopProgressSink struct{}

func (nopProgressSink) ReportIncrement(int, int, string) {}
func (nopProgressSink) ReportFinal(string)               {}
