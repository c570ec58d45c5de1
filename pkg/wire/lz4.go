package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Compress encodes compression per spec.md §6: negative means LZ4 fast at
// -compression, zero means LZ4 default, positive means LZ4 HC at that
// level. CompressionNone must not be passed here; the caller should send
// data uncompressed instead.
func Compress(data []byte, compression Compression) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)

	var opts []lz4.Option
	switch {
	case compression < 0:
		opts = append(opts, lz4.CompressionLevelOption(lz4.Fast))
	case compression == 0:
		// default compression level
	default:
		level := lz4.CompressionLevel(compression)
		opts = append(opts, lz4.CompressionLevelOption(level))
	}
	if err := w.Apply(opts...); err != nil {
		return nil, fmt.Errorf("wire: lz4 options: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("wire: lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("wire: lz4 compress close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress expands an LZ4 frame into a buffer of exactly wantSize bytes,
// surfacing a size mismatch as the Corruption error kind from spec.md §7.
func Decompress(compressed []byte, wantSize int) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	out := make([]byte, wantSize)
	n, err := io.ReadFull(r, out)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("wire: lz4 decompress: %w", err)
	}
	if n != wantSize {
		return nil, fmt.Errorf("wire: decompressed size mismatch: got %d, want %d", n, wantSize)
	}
	return out, nil
}
