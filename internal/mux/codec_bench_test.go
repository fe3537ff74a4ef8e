package mux

import (
	"bytes"
	"testing"
)

func benchmarkBlocks(n, size int) []Block {
	blocks := make([]Block, n)
	for i := range blocks {
		blocks[i] = Block{ID: uint8(i), Payload: bytes.Repeat([]byte{byte(i)}, size)}
	}
	return blocks
}

func BenchmarkCodec_EncodeTo_64(b *testing.B) {
	c := Codec{}
	blocks := benchmarkBlocks(64, 64)
	var buf bytes.Buffer
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		for _, blk := range blocks {
			_, _ = c.EncodeTo(&buf, blk)
		}
	}
}

func BenchmarkCodec_DecodeN_64(b *testing.B) {
	c := Codec{}
	var wire bytes.Buffer
	for _, blk := range benchmarkBlocks(64, 64) {
		_, _ = c.EncodeTo(&wire, blk)
	}
	raw := wire.Bytes()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = c.DecodeN(bytes.NewReader(raw), 0, func(Block) {})
	}
}

func BenchmarkSplit_4K(b *testing.B) {
	data := make([]byte, 4096)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = Split(1, data)
	}
}
