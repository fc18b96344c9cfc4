package grpcx

import (
	"bytes"
	"encoding/gob"
	"io"

	"github.com/klauspost/compress/s2"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype worker traffic is sent with. Payloads
// are interface values, so the codec is gob rather than protobuf.
const CodecName = "gob"

// CompressorName selects s2 compression for worker traffic.
const CompressorName = "s2"

func init() {
	encoding.RegisterCodec(gobCodec{})
	encoding.RegisterCompressor(s2Compressor{})
}

type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return CodecName }

type s2Compressor struct{}

func (s2Compressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return s2.NewWriter(w), nil
}

func (s2Compressor) Decompress(r io.Reader) (io.Reader, error) {
	return s2.NewReader(r), nil
}

func (s2Compressor) Name() string { return CompressorName }
