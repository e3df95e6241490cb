package remote

import (
	"bytes"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// defaultCompressThreshold is the request body size above which bodies are
// sent gzip encoded.
const defaultCompressThreshold = 64 << 10

// compressGzip compresses data using gzip.
func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// newGzipReader wraps an io.Reader with gzip decompression.
func newGzipReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

// isGzipEncoded checks if the content encoding includes gzip.
func isGzipEncoded(contentEncoding string) bool {
	return strings.Contains(strings.ToLower(contentEncoding), "gzip")
}
