package mux

import (
	"errors"
	"fmt"
)

// MaxPayload is the largest payload one frame can carry (single length byte).
const MaxPayload = 255

// ErrPayloadTooLarge is returned when a block would not fit in one frame.
var ErrPayloadTooLarge = errors.New("mux: payload exceeds 255 bytes")

// Block is the unit of data moved between channels and the physical link.
// A Block is never mutated after construction.
type Block struct {
	ID      uint8
	Payload []byte
}

// NewBlock copies payload into a new Block for channel id.
func NewBlock(id uint8, payload []byte) (Block, error) {
	if len(payload) > MaxPayload {
		return Block{}, fmt.Errorf("%w (channel %d, %d bytes)", ErrPayloadTooLarge, id, len(payload))
	}
	b := Block{ID: id, Payload: make([]byte, len(payload))}
	copy(b.Payload, payload)
	return b, nil
}

// Split cuts data into as many Blocks as needed to respect MaxPayload.
// Empty input yields no blocks.
func Split(id uint8, data []byte) []Block {
	if len(data) == 0 {
		return nil
	}
	out := make([]Block, 0, (len(data)+MaxPayload-1)/MaxPayload)
	for len(data) > 0 {
		n := len(data)
		if n > MaxPayload {
			n = MaxPayload
		}
		b, _ := NewBlock(id, data[:n]) // n <= MaxPayload
		out = append(out, b)
		data = data[n:]
	}
	return out
}

// Len returns the payload length.
func (b Block) Len() int { return len(b.Payload) }
