package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGzipRoundTrip(t *testing.T) {
	c := GzipCompressor{}
	data := []byte("the quick brown fox jumps over the lazy dog, repeatedly, for compressibility")
	compressed, err := c.Compress(data)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data)+len(data)/2)

	decompressed, err := c.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, decompressed)
}

func TestBrotliRoundTrip(t *testing.T) {
	c := BrotliCompressor{}
	data := []byte("the quick brown fox jumps over the lazy dog, repeatedly, for compressibility")
	compressed, err := c.Compress(data)
	require.NoError(t, err)

	decompressed, err := c.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, decompressed)
}

func TestCrossCodecMarkerDispatch(t *testing.T) {
	gz := GzipCompressor{}
	br := BrotliCompressor{}
	data := []byte("payload")

	gzBytes, _ := gz.Compress(data)
	out, err := br.Decompress(gzBytes)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestNoopCompressorRoundTrip(t *testing.T) {
	n := NoopCompressor{}
	data := []byte("payload")
	enc, err := n.Compress(data)
	require.NoError(t, err)
	dec, err := n.Decompress(enc)
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}
