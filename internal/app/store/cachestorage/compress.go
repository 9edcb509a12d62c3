package cachestorage

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Body encodings recorded alongside each stored entry. These strings are
// persisted; changing them orphans existing entries.
const (
	EncodingRaw  = ""
	EncodingZstd = "zstd"
)

// minCompressSize is the smallest body worth compressing. Below it the zstd
// frame overhead outweighs any saving.
const minCompressSize = 512

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdInitErr error
)

func initZstd() error {
	zstdOnce.Do(func() {
		zstdEncoder, zstdInitErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdInitErr != nil {
			return
		}
		zstdDecoder, zstdInitErr = zstd.NewReader(nil)
	})
	return zstdInitErr
}

// encodeBody returns the stored form of body and its encoding tag. Bodies
// that do not shrink are kept raw.
func encodeBody(body []byte, compress bool) ([]byte, string, error) {
	if !compress || len(body) < minCompressSize {
		return body, EncodingRaw, nil
	}
	if err := initZstd(); err != nil {
		return nil, "", fmt.Errorf("init zstd: %w", err)
	}
	out := zstdEncoder.EncodeAll(body, make([]byte, 0, len(body)/2))
	if len(out) >= len(body) {
		return body, EncodingRaw, nil
	}
	return out, EncodingZstd, nil
}

// decodeBody reverses encodeBody.
func decodeBody(stored []byte, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingRaw:
		return stored, nil
	case EncodingZstd:
		if err := initZstd(); err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		out, err := zstdDecoder.DecodeAll(stored, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown body encoding: %q", encoding)
	}
}
