package transport

import (
	"context"
	"io"

	"github.com/kstaniek/go-serial-mux/internal/mux"
)

// BlockEncoder frames one block onto a stream.
type BlockEncoder interface {
	EncodeTo(w io.Writer, b mux.Block) (int, error)
}

// BlockSink is where channel receivers publish blocks bound for the link.
type BlockSink interface {
	Publish(ctx context.Context, b mux.Block) error
}

// Compile-time assertions.
var (
	_ BlockEncoder = mux.Codec{}
	_ BlockSink    = (*Bus)(nil)
)
