// Package portscan extracts the listening port from a child process's
// line-oriented stdout.
//
// The child announces readiness with a log line containing a fixed marker
// followed by the port number, e.g. "supervisor: listen on 4021". The scanner
// reads lines as they arrive, reports every valid port it sees, and keeps
// consuming until the stream closes so the child never blocks on a full pipe.
package portscan

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
)

// DefaultMarker is the text that precedes the port in the readiness line.
const DefaultMarker = ": listen on "

// maxLineBytes bounds a single stdout line. Longer lines are skipped and
// scanning resumes at the next line.
const maxLineBytes = 1024 * 1024

// ErrInvalidPort is returned by Parse when a readiness line carries a port
// outside 1-65535 or one that does not fit an int.
var ErrInvalidPort = errors.New("invalid port")

// Scanner matches readiness lines.
type Scanner struct {
	pattern *regexp.Regexp
	logger  *slog.Logger
}

// New builds a Scanner for marker. An empty marker selects DefaultMarker.
func New(marker string, logger *slog.Logger) *Scanner {
	if marker == "" {
		marker = DefaultMarker
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		pattern: regexp.MustCompile(regexp.QuoteMeta(marker) + `(\d+)`),
		logger:  logger,
	}
}

// Parse inspects one line. ok is false when the line is not a readiness line.
// A readiness line whose port is out of range yields ok=true and ErrInvalidPort.
func (s *Scanner) Parse(line string) (port int, ok bool, err error) {
	m := s.pattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false, nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, true, fmt.Errorf("%w: %q", ErrInvalidPort, m[1])
	}
	if n < 1 || n > 65535 {
		return 0, true, fmt.Errorf("%w: %d", ErrInvalidPort, n)
	}
	return n, true, nil
}

// Scan reads r until EOF or ctx is done, calling found for every valid port.
// Malformed readiness lines are logged and skipped. Every line is logged at
// debug level. After ctx is done the remaining input is discarded rather than
// left unread.
func (s *Scanner) Scan(ctx context.Context, r io.Reader, found func(port int)) error {
	rd := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	skipping := false

	for {
		chunk, err := rd.ReadSlice('\n')
		if !skipping {
			if len(line)+len(chunk) > maxLineBytes {
				s.logger.Warn("discarding overlong child stdout line", "limit_bytes", maxLineBytes)
				skipping = true
				line = line[:0]
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if !skipping && len(line) > 0 {
			s.handleLine(ctx, line, found)
		}
		line = line[:0]
		skipping = false

		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("scan child stdout: %w", err)
		}
	}
}

func (s *Scanner) handleLine(ctx context.Context, raw []byte, found func(port int)) {
	raw = bytes.TrimSuffix(raw, []byte("\n"))
	raw = bytes.TrimSuffix(raw, []byte("\r"))
	line := string(raw)
	s.logger.Debug("child stdout", "line", line)

	if ctx.Err() != nil {
		return
	}

	port, ok, err := s.Parse(line)
	if !ok {
		return
	}
	if err != nil {
		s.logger.Warn("ignoring malformed readiness line", "line", line, "error", err)
		return
	}
	found(port)
}
