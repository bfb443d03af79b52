package bmsg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// lineReader reads CRLF (or bare LF) terminated lines and raw byte runs
// from a bMessage stream. Empty lines are skipped.
type lineReader struct {
	r *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReader(r)}
}

// next returns the next non-empty line without its terminator. io.EOF is
// returned when the stream ends before a line is found.
func (lr *lineReader) next() (string, error) {
	for {
		line, err := lr.r.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed != "" {
			return trimmed, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", err
		}
	}
}

// must is next with end of stream reported as a malformed message.
func (lr *lineReader) must() (string, error) {
	line, err := lr.next()
	if errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: message too short", ErrMalformed)
	}
	return line, err
}

// expect reads a line and requires it to contain want, ignoring case.
func (lr *lineReader) expect(want string) (string, error) {
	line, err := lr.must()
	if err != nil {
		return "", err
	}
	if !strings.Contains(strings.ToUpper(line), strings.ToUpper(want)) {
		return "", fmt.Errorf("%w: expected %q in %q", ErrMalformed, want, line)
	}
	return line, nil
}

// bytes reads exactly n bytes. The buffer grows with the data actually
// read, so a declared length larger than the stream fails without
// allocating it up front.
func (lr *lineReader) bytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative body length", ErrMalformed)
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, lr.r, int64(n)); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: body shorter than declared length %d", ErrMalformed, n)
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

// property splits "KEY:value". The value must be present when required.
func property(line, key string, required bool) (string, error) {
	_, value, ok := strings.Cut(line, ":")
	value = strings.TrimSpace(value)
	if !ok || (required && value == "") {
		return "", fmt.Errorf("%w: missing value for %s in %q", ErrMalformed, key, line)
	}
	return value, nil
}
