package owire

import (
	"bytes"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/pierrec/lz4"
)

// Compressor is the message-body compression codec abstraction behind the
// wire format's useCompression option (spec §6). The negotiated wireformat
// carries a CompressionEnabled flag; the concrete algorithm is a connection
// option, not itself negotiated on the wire, mirroring how the teacher's
// kgo client picks a record-batch compression codec from configuration
// rather than from broker negotiation.
type Compressor interface {
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// DeflateCompressor is the default compressor when useCompression=true and
// no algorithm is pinned, using klauspost/compress's drop-in replacement
// for compress/flate (faster encode/decode, same wire format).
type DeflateCompressor struct{ Level int }

func NewDeflateCompressor() *DeflateCompressor { return &DeflateCompressor{Level: flate.DefaultCompression} }

func (d *DeflateCompressor) Name() string { return "deflate" }

func (d *DeflateCompressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := flate.NewWriter(&buf, d.Level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *DeflateCompressor) Decompress(src []byte) ([]byte, error) {
	zr := flate.NewReader(bytes.NewReader(src))
	defer zr.Close()
	return io.ReadAll(zr)
}

// SnappyCompressor uses golang/snappy, a fast low-ratio codec suited to
// brokers/peers that prefer minimal CPU overhead over minimal bytes.
type SnappyCompressor struct{}

func (SnappyCompressor) Name() string { return "snappy" }

func (SnappyCompressor) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (SnappyCompressor) Decompress(src []byte) ([]byte, error) {
	return snappy.Decode(nil, src)
}

// LZ4Compressor uses pierrec/lz4, a third message-body compression choice
// for peers configured to prefer LZ4's compression/speed balance.
type LZ4Compressor struct{}

func (LZ4Compressor) Name() string { return "lz4" }

func (LZ4Compressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (LZ4Compressor) Decompress(src []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(src))
	return io.ReadAll(zr)
}

// CompressorByName resolves a configured algorithm name to its Compressor,
// used when a connection option pins one explicitly instead of accepting
// the deflate default.
func CompressorByName(name string) Compressor {
	switch name {
	case "snappy":
		return SnappyCompressor{}
	case "lz4":
		return LZ4Compressor{}
	case "deflate", "":
		return NewDeflateCompressor()
	default:
		return nil
	}
}
