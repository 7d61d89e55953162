package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/smallnest/chatgraph/workflow"
)

// keepAliveFrame is an SSE comment; clients ignore it.
var keepAliveFrame = []byte(": ping\n\n")

// Frame renders ev as one server-sent event. The event line carries ev.Event
// ("message" when empty) and the data line the JSON of ev.Data, with non-ASCII
// and HTML characters left as they are.
func Frame(ev workflow.Event) ([]byte, error) {
	name := ev.Event
	if name == "" {
		name = "message"
	}
	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return nil, fmt.Errorf("stream: encode %s event: %w", name, err)
	}

	var buf bytes.Buffer
	buf.Grow(body.Len() + len(name) + 16)
	buf.WriteString("event: ")
	buf.WriteString(name)
	buf.WriteString("\ndata: ")
	buf.Write(bytes.TrimRight(body.Bytes(), "\n"))
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}
