package network

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// compress encodes p as one lz4 frame.
func compress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(p); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	return buf.Bytes(), nil
}

// decompress decodes an lz4 frame, refusing output larger than limit.
func decompress(p []byte, limit uint64) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(p))
	out, err := io.ReadAll(io.LimitReader(zr, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if uint64(len(out)) > limit {
		return nil, fmt.Errorf("lz4 decompress: message exceeds %d bytes", limit)
	}
	return out, nil
}
