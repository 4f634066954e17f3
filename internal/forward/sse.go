package forward

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

const (
	// maxEventSize bounds a single SSE event frame.
	maxEventSize = 1 << 20 // 1 MiB
	sseBufSize   = 16 * 1024
)

// NewEventScanner returns a bufio.Scanner that yields whole SSE event frames
// delimited by a blank line. Each token includes its trailing delimiter so
// relaying the tokens reproduces the upstream byte stream exactly, even when
// the network coalesced or split frames arbitrarily.
func NewEventScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, sseBufSize), maxEventSize)
	s.Split(splitEvents)
	return s
}

// splitEvents is a bufio.SplitFunc cutting on "\n\n" (or "\r\n\r\n").
func splitEvents(data []byte, atEOF bool) (advance int, token []byte, err error) {
	lf := bytes.Index(data, []byte("\n\n"))
	crlf := bytes.Index(data, []byte("\r\n\r\n"))

	switch {
	case lf >= 0 && (crlf < 0 || lf < crlf):
		return lf + 2, data[:lf+2], nil
	case crlf >= 0:
		return crlf + 4, data[:crlf+4], nil
	case atEOF && len(data) > 0:
		// Trailing partial frame (e.g. stream cut mid-event).
		return len(data), data, nil
	}
	return 0, nil, nil
}

// parseEvent extracts the event name and concatenated data payload from one
// SSE frame. Comments and unknown fields are ignored per the SSE spec.
func parseEvent(frame []byte) (event string, data []byte) {
	var dataLines [][]byte
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		key, value, found := bytes.Cut(line, []byte(":"))
		if !found {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(key) {
		case "event":
			event = string(value)
		case "data":
			dataLines = append(dataLines, value)
		}
	}
	return event, bytes.Join(dataLines, []byte("\n"))
}

// isStreamContentType reports whether a response should be relayed
// event-by-event with flushing.
func isStreamContentType(ct string) bool {
	return strings.Contains(ct, "text/event-stream") ||
		strings.Contains(ct, "application/x-ndjson") ||
		strings.Contains(ct, "application/stream+json")
}
