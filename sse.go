package d2e

import (
	"bufio"
	"io"
	"strings"
)

// maxSSELine bounds a single SSE line. Activities with large attachments
// can be a few hundred KB.
const maxSSELine = 4 * 1024 * 1024

// sseEvent is one dispatched Server-Sent Event.
type sseEvent struct {
	Event string
	Data  string
}

// sseReader splits an event stream into events.
//
// SSE format expected:
//
//	event: activity\n
//	data: {"type":"message",...}\n
//	\n
//	event: end\n
//	data: end\n
//	\n
type sseReader struct {
	scanner *bufio.Scanner
	first   bool
}

func newSSEReader(r io.Reader) *sseReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &sseReader{scanner: scanner, first: true}
}

// next returns the next event, or io.EOF when the stream ends. A trailing
// event that is not followed by a blank line is discarded.
func (s *sseReader) next() (sseEvent, error) {
	var (
		ev      sseEvent
		data    strings.Builder
		hasData bool
	)
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if s.first {
			line = strings.TrimPrefix(line, "\ufeff")
			s.first = false
		}

		if line == "" {
			if !hasData && ev.Event == "" {
				continue
			}
			ev.Data = data.String()
			if ev.Event == "" {
				ev.Event = "message"
			}
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
		// id and retry carry no meaning for turn streams.
	}
	if err := s.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	return sseEvent{}, io.EOF
}
