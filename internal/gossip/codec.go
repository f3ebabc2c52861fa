package gossip

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cheddar/seaport/internal/clock"
	"github.com/cheddar/seaport/internal/crdt"
)

// ErrDecode is returned when a peer sends something that is not a valid
// header or update line.
var ErrDecode = errors.New("gossip: decode failed")

const maxLineSize = 1 << 20

// Header is the first line each side of a stream sends.
type Header struct {
	ID    string       `json:"id"`
	Clock clock.Vector `json:"clock,omitempty"`
	Meta  *Meta        `json:"meta,omitempty"`
}

// Meta is optional handshake metadata.
type Meta struct {
	// Authorized maps authorize row ids to public key text.
	Authorized map[string]string `json:"authorized,omitempty"`
}

// Decoder reads newline-delimited frames.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineSize)
	return &Decoder{sc: sc}
}

// Header reads the handshake header.
func (d *Decoder) Header() (Header, error) {
	line, err := d.next()
	if err != nil {
		return Header{}, err
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return Header{}, fmt.Errorf("%w: header: %v", ErrDecode, err)
	}
	if h.ID == "" {
		return Header{}, fmt.Errorf("%w: header without id", ErrDecode)
	}
	return h, nil
}

// Update reads the next update. It returns io.EOF when the peer closed the
// stream cleanly.
func (d *Decoder) Update() (crdt.Update, error) {
	line, err := d.next()
	if err != nil {
		return crdt.Update{}, err
	}
	var u crdt.Update
	if err := json.Unmarshal(line, &u); err != nil {
		return crdt.Update{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return u, nil
}

func (d *Decoder) next() ([]byte, error) {
	for d.sc.Scan() {
		line := bytes.TrimSpace(d.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := d.sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return nil, err
	}
	return nil, io.EOF
}

// encodeLine marshals v as one frame.
func encodeLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
