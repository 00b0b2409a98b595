package sandbox

import (
	"bufio"
	"io"
	"strings"
)

// parseSSE reads a text/event-stream body and dispatches each event to fn.
// Returning false from fn stops parsing. Multi-line data fields are joined
// with newlines per the SSE spec; comment lines (leading colon) are ignored.
func parseSSE(r io.Reader, fn func(event, data string) bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	event := ""
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) > 0 || event != "" {
				if !fn(event, strings.Join(data, "\n")) {
					return
				}
			}
			event = ""
			data = nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
		}
	}
	if len(data) > 0 || event != "" {
		fn(event, strings.Join(data, "\n"))
	}
}
