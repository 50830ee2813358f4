package ami

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Event is one AMI frame: a block of "Key: Value" lines terminated by a
// blank line. Both events and action responses use the same framing.
type Event map[string]string

// Name returns the Event header, empty for non-event frames.
func (e Event) Name() string {
	return e["Event"]
}

// Get returns a header value with case-insensitive lookup. AMI header
// casing varies between Asterisk versions.
func (e Event) Get(key string) string {
	if v, ok := e[key]; ok {
		return v
	}
	for k, v := range e {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// IsResponse reports whether the frame is an action response.
func (e Event) IsResponse() bool {
	_, ok := e["Response"]
	return ok
}

// Success reports whether the frame is a successful action response.
func (e Event) Success() bool {
	return e["Response"] == "Success"
}

// readFrame reads one CRLF-delimited key/value frame from the reader.
// It returns io.EOF when the connection closes cleanly between frames.
func readFrame(r *bufio.Reader) (Event, error) {
	ev := make(Event)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(ev) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(ev) == 0 {
				// Stray blank line between frames; keep reading.
				continue
			}
			return ev, nil
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			// AMI responses to some actions include free-form lines
			// (e.g. command output). They carry no key and are skipped.
			continue
		}
		ev[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
}

// writeAction writes an action frame. The Action header goes first; header
// order is otherwise insignificant to Asterisk.
func writeAction(w io.Writer, action string, headers map[string]string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Action: %s\r\n", action)
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("writing %s action: %w", action, err)
	}
	return nil
}
