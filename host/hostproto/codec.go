package hostproto

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/crosswire/crosswire/errors"
)

// MaxFrameSize bounds a single frame on the wire. Oversized frames fail the
// read rather than exhausting memory.
const MaxFrameSize = 8 << 20

// Encoder writes frames as newline-delimited JSON. Safe for concurrent use:
// a mutex keeps frames from interleaving on the shared pipe.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one frame followed by a newline.
func (e *Encoder) Encode(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.WrapInvalid(err, "hostproto", "Encode", "frame marshaling")
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return errors.WrapTransient(err, "hostproto", "Encode", "frame write")
	}
	return nil
}

// Decoder reads newline-delimited JSON frames. Not safe for concurrent use;
// each pipe has exactly one reader.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a decoder reading from r, bounded by MaxFrameSize.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), MaxFrameSize)
	return &Decoder{scanner: s}
}

// Decode reads the next frame. It returns io.EOF once the pipe closes.
func (d *Decoder) Decode() (Frame, error) {
	var f Frame
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, &f); err != nil {
			return f, errors.WrapInvalid(err, "hostproto", "Decode", "frame unmarshaling")
		}
		return f, nil
	}
	if err := d.scanner.Err(); err != nil {
		return f, errors.WrapTransient(err, "hostproto", "Decode", "frame read")
	}
	return f, io.EOF
}
