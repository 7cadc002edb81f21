package completion

import (
	"errors"
	"strings"
	"testing"

	"inferd/pkg/types"
)

func TestWriteEventFraming(t *testing.T) {
	var sb strings.Builder
	flushed := 0
	if err := writeEvent(&sb, func() { flushed++ }, map[string]int{"a": 1}); err != nil {
		t.Fatalf("writeEvent: %v", err)
	}
	if sb.String() != "data: {\"a\":1}\n\n" {
		t.Fatalf("frame=%q", sb.String())
	}
	if flushed != 1 {
		t.Fatalf("flushed=%d", flushed)
	}
}

func TestWriteDone(t *testing.T) {
	var sb strings.Builder
	writeDone(&sb, nil)
	if sb.String() != "data: [DONE]\n\n" {
		t.Fatalf("frame=%q", sb.String())
	}
}

func TestWriteStreamErrorWrapsPlainError(t *testing.T) {
	var sb strings.Builder
	WriteStreamError(&sb, nil, errors.New("backend exploded"))
	body := sb.String()
	if !strings.Contains(body, `"error"`) || !strings.Contains(body, "backend exploded") {
		t.Fatalf("body=%q", body)
	}
	if !strings.Contains(body, "BadRequestError") {
		t.Fatalf("plain errors default to BadRequestError: %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("missing DONE after error frame: %q", body)
	}
}

func TestWriteStreamErrorPassesErrorResponse(t *testing.T) {
	var sb strings.Builder
	WriteStreamError(&sb, nil, &types.ErrorResponse{Object: "error", Message: "nope", Type: "NotFoundError", Code: 404})
	if !strings.Contains(sb.String(), "NotFoundError") {
		t.Fatalf("body=%q", sb.String())
	}
}
