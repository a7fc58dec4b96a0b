package stream

import (
	"encoding/json"
	"fmt"
	"io"
)

// Frame is one SSE payload: `data: ` + compact JSON + two newlines.
type Frame struct {
	Step WireEvent `json:"step"`
	Data any       `json:"data"`
}

// WriteTo encodes the frame in SSE format.
func (f Frame) WriteTo(w io.Writer) (int64, error) {
	if f.Data == nil {
		f.Data = map[string]any{}
	}
	body, err := json.Marshal(f)
	if err != nil {
		return 0, fmt.Errorf("encode frame %s: %w", f.Step, err)
	}
	n, err := fmt.Fprintf(w, "data: %s\n\n", body)
	return int64(n), err
}
