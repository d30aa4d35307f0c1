package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single request line. Possess payloads carry whole
// user messages, so the limit is generous.
const MaxFrameBytes = 4 << 20

// Decoder reads newline-delimited request frames from a connection. It does
// not buffer across connections: each Decoder belongs to exactly one.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a frame decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameBytes)
	return &Decoder{scanner: scanner}
}

// Decode reads the next frame. It returns io.EOF when the peer closes the
// connection cleanly, and ErrMalformedRequest when the bytes up to the
// delimiter are not a valid request envelope.
func (d *Decoder) Decode() (Request, error) {
	var req Request

	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue // tolerate blank lines between frames
		}
		if err := json.Unmarshal(line, &req); err != nil {
			return Request{}, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedRequest, err)
		}
		if err := req.Validate(); err != nil {
			return Request{}, err
		}
		return req, nil
	}

	if err := d.scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			// The scanner never recovers from an overlong token, so the
			// caller must drop the connection rather than keep decoding.
			return Request{}, fmt.Errorf("%w: frame exceeds %d bytes", ErrFrameTooLarge, MaxFrameBytes)
		}
		return Request{}, err
	}
	return Request{}, io.EOF
}

// Encoder writes newline-delimited response frames.
type Encoder struct {
	w io.Writer
}

// NewEncoder creates a frame encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one response frame followed by the newline delimiter.
func (e *Encoder) Encode(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	data = append(data, '\n')
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
