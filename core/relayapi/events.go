package relayapi

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// Event is one server-sent event.
type Event struct {
	Name string
	Data []byte
}

// ReadEvents parses a text/event-stream and calls fn for every complete
// event. Comment lines (heartbeats) are skipped. It returns fn's error, the
// read error, or nil at EOF.
func ReadEvents(r io.Reader, fn func(Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)

	var (
		name string
		data bytes.Buffer
	)
	for sc.Scan() {
		line := sc.Text()

		if line == "" {
			if name == "" && data.Len() == 0 {
				continue
			}
			ev := Event{Name: name, Data: bytes.Clone(data.Bytes())}
			if ev.Name == "" {
				ev.Name = "message"
			}
			name = ""
			data.Reset()
			if err := fn(ev); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
	return sc.Err()
}
