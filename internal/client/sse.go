package client

import (
	"bufio"
	"io"
	"strings"
)

// dataPrefix is the SSE payload marker, including the trailing space.
const dataPrefix = "data: "

// sseReader extracts `data:` payloads from an event stream. Frames may
// arrive split across arbitrary chunk boundaries; the reader buffers
// partial lines and only ever yields complete ones.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	return &sseReader{scanner: scanner}
}

// Next returns the next data payload, or io.EOF at end of stream.
// Non-data lines (event names, comments, blank separators) are skipped.
func (s *sseReader) Next() (string, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := strings.TrimSpace(line[len(dataPrefix):])
		if payload == "" {
			continue
		}
		return payload, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// lastData drains the stream and returns the final data payload, which
// carries the JSON-RPC response when a call is answered over SSE.
func lastData(r io.Reader) (string, error) {
	sse := newSSEReader(r)
	last := ""
	for {
		payload, err := sse.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		last = payload
	}
	return last, nil
}
