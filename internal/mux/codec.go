package mux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the number of bytes before the payload: id(1) + length(1).
const HeaderSize = 2

// ErrTruncatedFrame is returned when the stream ends between header and payload end.
var ErrTruncatedFrame = errors.New("mux: truncated frame")

// Codec encodes/decodes link frames:
//
//	[id:1][length:1][payload:length]
//
// There is no delimiter or checksum; both ends must stay aligned.
// Stateless and safe for concurrent use.
type Codec struct{}

// Encode returns the wire representation of b.
func (c Codec) Encode(b Block) []byte {
	var buf bytes.Buffer
	buf.Grow(HeaderSize + b.Len())
	_, _ = c.EncodeTo(&buf, b)
	return buf.Bytes()
}

// EncodeTo writes the header and then the payload of b to w and returns bytes written.
func (Codec) EncodeTo(w io.Writer, b Block) (int, error) {
	if b.Len() > MaxPayload {
		return 0, fmt.Errorf("mux encode: %w", ErrPayloadTooLarge)
	}
	hdr := [HeaderSize]byte{b.ID, byte(b.Len())}
	n, err := writeFull(w, hdr[:])
	if err != nil {
		return n, fmt.Errorf("mux encode header: %w", err)
	}
	if b.Len() == 0 {
		return n, nil
	}
	m, err := writeFull(w, b.Payload)
	n += m
	if err != nil {
		return n, fmt.Errorf("mux encode payload: %w", err)
	}
	return n, nil
}

// DecodeHeader reads exactly one header from r.
func (Codec) DecodeHeader(r io.Reader) (id uint8, length int, err error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, err
	}
	return hdr[0], int(hdr[1]), nil
}

// DecodePayload reads exactly n payload bytes from r.
func (Codec) DecodePayload(r io.Reader, n int) ([]byte, error) {
	p := make([]byte, n)
	if n == 0 {
		return p, nil
	}
	if _, err := io.ReadFull(r, p); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("mux decode payload: %w", ErrTruncatedFrame)
		}
		return nil, fmt.Errorf("mux decode payload: %w", err)
	}
	return p, nil
}

// Decode reads exactly one frame from r.
// It returns io.EOF if called at a clean frame boundary and no more data is available.
func (c Codec) Decode(r io.Reader) (Block, error) {
	id, n, err := c.DecodeHeader(r)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Block{}, fmt.Errorf("mux decode header: %w", ErrTruncatedFrame)
		}
		return Block{}, err
	}
	p, err := c.DecodePayload(r, n)
	if err != nil {
		return Block{}, err
	}
	return Block{ID: id, Payload: p}, nil
}

// DecodeN decodes up to max frames (if max>0) or until EOF (if max<=0) invoking onBlock for each.
// It returns the number of frames decoded and the terminal error (which can be io.EOF).
func (c Codec) DecodeN(r io.Reader, max int, onBlock func(Block)) (int, error) {
	var n int
	for max <= 0 || n < max {
		b, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onBlock(b)
		n++
	}
	return n, nil
}

// writeFull loops until p is fully written, like write_all on a serial port.
func writeFull(w io.Writer, p []byte) (int, error) {
	var total int
	for total < len(p) {
		n, err := w.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}
