package stage

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one server-sent event.
type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// parseSSE reads server-sent events and invokes fn for each complete event, stopping at the
// first error fn returns.
func parseSSE(reader io.Reader, fn func(sseEvent) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)

	var current sseEvent
	var dataLines []string

	flush := func() error {
		if len(dataLines) == 0 {
			current = sseEvent{}
			return nil
		}
		ev := current
		ev.Data = strings.Join(dataLines, "\n")
		current = sseEvent{}
		dataLines = dataLines[:0]
		return fn(ev)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
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
			current.Event = strings.TrimSpace(value)
		case "id":
			current.ID = strings.TrimSpace(value)
		case "data":
			dataLines = append(dataLines, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}
