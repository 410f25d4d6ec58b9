package dialect

import (
	"bufio"
	"io"
	"strings"
)

// errorCode is the taxonomy code attached to CLI-reported errors. The
// engines surface statement problems as error lines; anything structural
// enough to be classified lands here.
const errorCode = "QUERY_SYNTAX_ERROR"

// maxLineBytes bounds one CLI output line. Wide rows past this are a
// caller problem; the scanner fails rather than silently truncating.
const maxLineBytes = 1 << 20

// ParseBatch consumes the batch-format stdout of a query command line by
// line and emits events through emit. It recognizes tab-separated result
// sets (header row followed by data rows), engine status messages, and
// error lines; everything else passes through as line events. Parsing is
// streaming: emit is called as soon as each event is complete, and an emit
// error aborts the walk.
func ParseBatch(r io.Reader, a Adapter, emit func(Event) error) error {
	lines := newLineReader(r)

	for {
		line, ok, err := lines.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		line = strings.TrimSpace(line)

		switch {
		case line == "":
			continue
		case isStatusLine(line):
			if err := emit(Line(line)); err != nil {
				return err
			}
		case a.IsErrorLine(line):
			if err := emit(ErrorEvent(errorCode, line, "")); err != nil {
				return err
			}
		case strings.Contains(line, "\t"):
			// Header only if the following line continues the table.
			peek, peeked, err := lines.peek()
			if err != nil {
				return err
			}
			trimmedPeek := strings.TrimSpace(peek)
			if peeked && (strings.Contains(trimmedPeek, "\t") || trimmedPeek == "") {
				if err := emitResultSet(splitCells(line), lines, emit); err != nil {
					return err
				}
				continue
			}
			// A lone tab-separated line with no table context.
			if err := emit(Line(line)); err != nil {
				return err
			}
		default:
			if err := emit(Line(line)); err != nil {
				return err
			}
		}
	}
}

// ParseStderr folds the stderr stream into the event stream: lines the
// adapter classifies as errors become error events, the rest (warnings,
// notices) become line events.
func ParseStderr(r io.Reader, a Adapter, emit func(Event) error) error {
	lines := newLineReader(r)
	for {
		line, ok, err := lines.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev Event
		if a.IsErrorLine(line) {
			ev = ErrorEvent(errorCode, line, "")
		} else {
			ev = Line(line)
		}
		if err := emit(ev); err != nil {
			return err
		}
	}
}

// emitResultSet drains one table: data rows until a blank line or EOF,
// skipping decorative separator rows sqlcmd prints under the header.
func emitResultSet(header []string, lines *lineReader, emit func(Event) error) error {
	for {
		line, ok, err := lines.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return nil
		}
		if isSeparatorLine(line) {
			continue
		}

		cells := strings.Split(line, "\t")
		row := make([]*string, len(cells))
		for i, c := range cells {
			row[i] = ParseCell(c)
		}
		if err := emit(Record(header, row)); err != nil {
			return err
		}
	}
}

// isStatusLine matches the engines' affected-row and acknowledgement
// messages, which belong in line events even when tab-adjacent.
func isStatusLine(line string) bool {
	return strings.HasPrefix(line, "Query OK") ||
		strings.HasPrefix(line, "Rows matched") ||
		strings.Contains(line, "row(s) affected") ||
		strings.Contains(line, "rows affected")
}

// isSeparatorLine matches ruling rows made only of dashes, plus signs,
// tabs, and spaces.
func isSeparatorLine(line string) bool {
	for _, c := range line {
		switch c {
		case '-', '+', '\t', ' ':
		default:
			return false
		}
	}
	return true
}

func splitCells(line string) []string {
	cells := strings.Split(line, "\t")
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = strings.TrimSpace(c)
	}
	return out
}

// lineReader is a scanner with single-line pushback, enough lookahead to
// tell a header row from a lone data line.
type lineReader struct {
	sc      *bufio.Scanner
	pending string
	has     bool
}

func newLineReader(r io.Reader) *lineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &lineReader{sc: sc}
}

func (l *lineReader) next() (string, bool, error) {
	if l.has {
		l.has = false
		return l.pending, true, nil
	}
	if l.sc.Scan() {
		return l.sc.Text(), true, nil
	}
	return "", false, l.sc.Err()
}

func (l *lineReader) peek() (string, bool, error) {
	if l.has {
		return l.pending, true, nil
	}
	if l.sc.Scan() {
		l.pending = l.sc.Text()
		l.has = true
		return l.pending, true, nil
	}
	return "", false, l.sc.Err()
}
