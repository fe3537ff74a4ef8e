package mux

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"testing"
)

func TestCodec_KnownVectors(t *testing.T) {
	c := Codec{}
	cases := []struct {
		b    Block
		wire string
	}{
		{Block{ID: 1, Payload: []byte("hi")}, "01026869"},
		{Block{ID: 3, Payload: []byte("world")}, "0305776f726c64"},
		{Block{ID: 9, Payload: []byte{}}, "0900"},
	}
	for _, tc := range cases {
		got := hex.EncodeToString(c.Encode(tc.b))
		if got != tc.wire {
			t.Fatalf("encode %d: got %s want %s", tc.b.ID, got, tc.wire)
		}
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	c := Codec{}
	want := []Block{
		{ID: 0, Payload: []byte{0}},
		{ID: 1, Payload: []byte("hello")},
		{ID: 255, Payload: bytes.Repeat([]byte{0xAA}, MaxPayload)},
		{ID: 4, Payload: []byte{}},
	}
	var buf bytes.Buffer
	for _, b := range want {
		if _, err := c.EncodeTo(&buf, b); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	var got []Block
	n, err := c.DecodeN(&buf, 0, func(b Block) { got = append(got, b) })
	if err != io.EOF {
		t.Fatalf("expected io.EOF at clean boundary, got %v", err)
	}
	if n != len(want) {
		t.Fatalf("decoded %d want %d", n, len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID || !bytes.Equal(got[i].Payload, want[i].Payload) {
			t.Fatalf("frame %d mismatch: %+v vs %+v", i, got[i], want[i])
		}
	}
}

func TestCodec_EncodeRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	_, err := Codec{}.EncodeTo(&buf, Block{ID: 1, Payload: make([]byte, MaxPayload+1)})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("nothing should be written, got %d bytes", buf.Len())
	}
}

func TestCodec_Truncated(t *testing.T) {
	c := Codec{}
	for _, wire := range []string{"01", "0105616263"} {
		raw, _ := hex.DecodeString(wire)
		if _, err := c.Decode(bytes.NewReader(raw)); !errors.Is(err, ErrTruncatedFrame) {
			t.Fatalf("%s: expected ErrTruncatedFrame, got %v", wire, err)
		}
	}
}

// oneByteWriter accepts at most one byte per call.
type oneByteWriter struct{ bytes.Buffer }

func (w *oneByteWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return w.Buffer.Write(p[:1])
}

func TestCodec_EncodeToShortWrites(t *testing.T) {
	var w oneByteWriter
	n, err := Codec{}.EncodeTo(&w, Block{ID: 3, Payload: []byte("world")})
	if err != nil || n != 7 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if hex.EncodeToString(w.Bytes()) != "0305776f726c64" {
		t.Fatalf("unexpected wire % X", w.Bytes())
	}
}

type zeroWriter struct{}

func (zeroWriter) Write([]byte) (int, error) { return 0, nil }

func TestCodec_EncodeToZeroWrite(t *testing.T) {
	if _, err := (Codec{}).EncodeTo(zeroWriter{}, Block{ID: 1, Payload: []byte("x")}); !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("expected io.ErrShortWrite, got %v", err)
	}
}
