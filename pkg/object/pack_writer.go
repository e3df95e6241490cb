package object

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pjbgf/sha1cd"
)

func compressPackPayload(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PackWriter writes Git-compatible pack streams with zlib-compressed object
// entries. The trailer checksum is SHA-1 over all bytes preceding the trailer.
type PackWriter struct {
	out      io.Writer
	hasher   hash.Hash
	hashedW  io.Writer
	expected uint32
	written  uint32
	finished bool
}

// NewPackWriter initializes a new writer and writes the fixed pack header.
func NewPackWriter(out io.Writer, numObjects uint32) (*PackWriter, error) {
	hasher := sha1cd.New()
	pw := &PackWriter{
		out:      out,
		hasher:   hasher,
		hashedW:  io.MultiWriter(out, hasher),
		expected: numObjects,
	}

	header := PackHeader{
		Version:    supportedPackVersion,
		NumObjects: numObjects,
	}
	if _, err := pw.hashedW.Write(header.Marshal()); err != nil {
		return nil, fmt.Errorf("write pack header: %w", err)
	}
	return pw, nil
}

// WriteEntry appends one object entry to the pack stream.
func (p *PackWriter) WriteEntry(objType PackObjectType, data []byte) error {
	if p.finished {
		return fmt.Errorf("pack writer already finished")
	}
	if p.written >= p.expected {
		return fmt.Errorf("pack object count exceeded: expected %d", p.expected)
	}

	header := encodePackEntryHeader(objType, uint64(len(data)))
	if _, err := p.hashedW.Write(header); err != nil {
		return fmt.Errorf("write pack entry header: %w", err)
	}

	compressed, err := compressPackPayload(data)
	if err != nil {
		return fmt.Errorf("compress pack entry: %w", err)
	}
	if _, err := p.hashedW.Write(compressed); err != nil {
		return fmt.Errorf("write compressed pack entry: %w", err)
	}

	p.written++
	return nil
}

// WriteRecord appends a typed object as a full (non-delta) entry.
func (p *PackWriter) WriteRecord(rec Record) error {
	pt, ok := packTypeFor(rec.Type)
	if !ok {
		return fmt.Errorf("pack record %s: unsupported object type %q", rec.Hash, rec.Type)
	}
	return p.WriteEntry(pt, rec.Data)
}

// Finish validates object count, writes the trailing pack checksum, and returns
// that checksum as a hex digest.
func (p *PackWriter) Finish() (Hash, error) {
	if p.finished {
		return "", fmt.Errorf("pack writer already finished")
	}
	if p.written != p.expected {
		return "", fmt.Errorf("pack object count mismatch: wrote %d, expected %d", p.written, p.expected)
	}

	sum := p.hasher.Sum(nil)
	if _, err := p.out.Write(sum); err != nil {
		return "", fmt.Errorf("write pack trailer checksum: %w", err)
	}

	p.finished = true
	return Hash(hex.EncodeToString(sum)), nil
}

// EncodePack writes records as a complete pack stream and returns its bytes.
func EncodePack(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	pw, err := NewPackWriter(&buf, uint32(len(records)))
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if err := pw.WriteRecord(rec); err != nil {
			return nil, err
		}
	}
	if _, err := pw.Finish(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
