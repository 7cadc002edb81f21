package completion

import (
	"encoding/json"
	"fmt"
	"io"

	"inferd/pkg/types"
)

// writeEvent frames one value as a single SSE data line and flushes it.
func writeEvent(w io.Writer, flush func(), v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return err
	}
	if flush != nil {
		flush()
	}
	return nil
}

// writeDone emits the terminal sentinel that ends an SSE stream.
func writeDone(w io.Writer, flush func()) {
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	if flush != nil {
		flush()
	}
}

// WriteStreamError frames an error as a single SSE data line followed by the
// terminal sentinel. Used for errors surfaced after streaming has begun.
func WriteStreamError(w io.Writer, flush func(), err error) {
	resp, ok := err.(*types.ErrorResponse)
	if !ok {
		resp = newError(err.Error(), "BadRequestError", 400, "")
	}
	_ = writeEvent(w, flush, map[string]any{"error": resp})
	writeDone(w, flush)
}
