package replicate

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// errStopEvents ends readEvents without reporting a failure.
var errStopEvents = errors.New("replicate: stop events")

type event struct {
	name string
	data string
}

// readEvents decodes a text/event-stream body and calls fn for every event.
// Multiple data lines of one event are joined with "\n".
func readEvents(r io.Reader, fn func(event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		name string
		data []string
	)
	dispatch := func() error {
		if name == "" && data == nil {
			return nil
		}
		ev := event{name: name, data: strings.Join(data, "\n")}
		if ev.name == "" {
			ev.name = "message"
		}
		name, data = "", nil
		return fn(ev)
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if err := dispatch(); err != nil {
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
			data = append(data, value)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("replicate: read event stream: %w", err)
	}
	return dispatch()
}
