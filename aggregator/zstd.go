package aggregator

import (
	"io"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
)

// zstdCompressor wires klauspost/compress's zstd implementation into
// grpc-go's pluggable compressor registry, used when the aggregator
// connection is configured to request zstd compression. A fresh
// encoder/decoder is created per call rather than shared, since neither is
// safe for concurrent use across independent streams.
type zstdCompressor struct{}

const zstdName = "zstd"

func init() {
	encoding.RegisterCompressor(zstdCompressor{})
}

func (zstdCompressor) Name() string {
	return zstdName
}

func (zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

func (zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}
