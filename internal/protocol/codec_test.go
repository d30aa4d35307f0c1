package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDecodeSingleFrame(t *testing.T) {
	d := NewDecoder(strings.NewReader(`{"type":"status","id":"req-1"}` + "\n"))

	req, err := d.Decode()
	if err != nil {
		t.Fatalf("Decode returned unexpected error: %v", err)
	}
	if req.Type != RequestStatus {
		t.Errorf("Type = %q, want %q", req.Type, RequestStatus)
	}
	if req.ID != "req-1" {
		t.Errorf("ID = %q, want %q", req.ID, "req-1")
	}

	_, err = d.Decode()
	if err != io.EOF {
		t.Errorf("Decode after last frame = %v, want io.EOF", err)
	}
}

func TestDecodeMultipleFramesOnOneConnection(t *testing.T) {
	input := `{"type":"ping","id":"a"}` + "\n" +
		`{"type":"list","id":"b"}` + "\n"
	d := NewDecoder(strings.NewReader(input))

	first, err := d.Decode()
	if err != nil {
		t.Fatalf("Decode returned unexpected error: %v", err)
	}
	second, err := d.Decode()
	if err != nil {
		t.Fatalf("Decode returned unexpected error: %v", err)
	}

	if first.ID != "a" || second.ID != "b" {
		t.Errorf("frame order = %q, %q, want a, b", first.ID, second.ID)
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	d := NewDecoder(strings.NewReader("{not json}\n"))

	_, err := d.Decode()
	if !errors.Is(err, ErrMalformedRequest) {
		t.Fatalf("Decode error = %v, want ErrMalformedRequest", err)
	}
}

func TestDecodeMissingEnvelopeFields(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"missing type", `{"id":"x"}`},
		{"missing id", `{"type":"status"}`},
		{"empty object", `{}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDecoder(strings.NewReader(tc.line + "\n"))
			_, err := d.Decode()
			if !errors.Is(err, ErrMalformedRequest) {
				t.Errorf("Decode error = %v, want ErrMalformedRequest", err)
			}
		})
	}
}

func TestDecodeSkipsBlankLines(t *testing.T) {
	d := NewDecoder(strings.NewReader("\n\n" + `{"type":"ping","id":"p"}` + "\n"))

	req, err := d.Decode()
	if err != nil {
		t.Fatalf("Decode returned unexpected error: %v", err)
	}
	if req.ID != "p" {
		t.Errorf("ID = %q, want %q", req.ID, "p")
	}
}

func TestDecodeOversizedFrameIsTerminal(t *testing.T) {
	// An overlong line followed by a frame that would be valid if the
	// decoder could resynchronize.
	var input bytes.Buffer
	input.Write(bytes.Repeat([]byte("a"), MaxFrameBytes+10))
	input.WriteString("\n")
	input.WriteString(`{"type":"ping","id":"after"}` + "\n")
	d := NewDecoder(&input)

	_, err := d.Decode()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Decode error = %v, want ErrFrameTooLarge", err)
	}
	if errors.Is(err, ErrMalformedRequest) {
		t.Error("oversized frame classified as recoverable malformed request")
	}

	// The scanner cannot find the lost frame boundary; every further call
	// must keep reporting the terminal error, never the queued frame.
	for i := 0; i < 3; i++ {
		if _, err := d.Decode(); !errors.Is(err, ErrFrameTooLarge) {
			t.Fatalf("Decode after overflow = %v, want ErrFrameTooLarge", err)
		}
	}
}

func TestEncodeTerminatesWithNewline(t *testing.T) {
	var buf bytes.Buffer
	e := NewEncoder(&buf)

	resp := NewResponse("req-9", true)
	if err := resp.SetData(StatusData{Status: "swimming", Port: "42"}); err != nil {
		t.Fatalf("SetData returned unexpected error: %v", err)
	}
	if err := e.Encode(resp); err != nil {
		t.Fatalf("Encode returned unexpected error: %v", err)
	}

	out := buf.String()
	if !strings.HasSuffix(out, "\n") {
		t.Error("encoded frame is not newline-terminated")
	}
	if strings.Count(out, "\n") != 1 {
		t.Errorf("encoded frame contains %d newlines, want 1", strings.Count(out, "\n"))
	}

	var decoded Response
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("round-trip unmarshal failed: %v", err)
	}
	if decoded.ID != "req-9" || !decoded.Success {
		t.Errorf("round-trip = %+v, want id req-9 success", decoded)
	}
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse("r", "unknown request type: dance")
	if resp.Success {
		t.Error("error response marked success")
	}
	if !strings.Contains(resp.Error, "dance") {
		t.Errorf("error %q does not carry the offending type", resp.Error)
	}
}
