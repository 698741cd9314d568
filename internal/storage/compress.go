// Compression for stored response bodies. Bodies above a configured
// threshold are compressed; a one-byte marker prefix records the codec so
// decompression never has to guess.
package storage

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/andybalholm/brotli"
)

// Compression markers, the first byte of every persisted body.
const (
	markerNone   byte = 0x00
	markerGzip   byte = 0x01
	markerBrotli byte = 0x02
)

// Compressor compresses and decompresses stored response bodies.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// NoopCompressor stores bodies verbatim but still writes the marker byte,
// so a Store configured without compression still produces records whose
// format matches the on-disk contract.
type NoopCompressor struct{}

func (NoopCompressor) Compress(data []byte) ([]byte, error) {
	return append([]byte{markerNone}, data...), nil
}

func (NoopCompressor) Decompress(data []byte) ([]byte, error) {
	return stripMarker(data)
}

// GzipCompressor compresses with compress/gzip at a configurable level.
type GzipCompressor struct {
	Level int
}

func (g GzipCompressor) Compress(data []byte) ([]byte, error) {
	level := g.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	var buf bytes.Buffer
	buf.WriteByte(markerGzip)
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g GzipCompressor) Decompress(data []byte) ([]byte, error) {
	return decodeByMarker(data)
}

// BrotliCompressor compresses with andybalholm/brotli at a configurable
// quality level, the alternate codec to gzip.
type BrotliCompressor struct {
	Quality int
}

func (b BrotliCompressor) Compress(data []byte) ([]byte, error) {
	quality := b.Quality
	if quality == 0 {
		quality = brotli.DefaultCompression
	}
	var buf bytes.Buffer
	buf.WriteByte(markerBrotli)
	w := brotli.NewWriterLevel(&buf, quality)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b BrotliCompressor) Decompress(data []byte) ([]byte, error) {
	return decodeByMarker(data)
}

// decodeByMarker inspects the marker byte and decompresses accordingly,
// regardless of which Compressor wrote it — a Store may change its
// configured codec across a deploy and must still read older records.
func decodeByMarker(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	marker, body := data[0], data[1:]
	switch marker {
	case markerNone:
		return body, nil
	case markerGzip:
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case markerBrotli:
		r := brotli.NewReader(bytes.NewReader(body))
		return io.ReadAll(r)
	default:
		// Unmarked legacy record: return as-is.
		return data, nil
	}
}

func stripMarker(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	return decodeByMarker(data)
}
