package remotetest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// maxSidebandChunk is the largest payload of one side-band-64k frame.
const maxSidebandChunk = 65515

var errFlush = errors.New("flush-pkt")

// WritePktLine writes payload framed as a pkt-line.
func WritePktLine(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "%04x", len(payload)+4); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// WriteFlush writes a flush-pkt.
func WriteFlush(w io.Writer) error {
	_, err := io.WriteString(w, "0000")
	return err
}

// SidebandWriter writes side-band-64k frames.
type SidebandWriter struct {
	w io.Writer
}

func NewSidebandWriter(w io.Writer) *SidebandWriter {
	return &SidebandWriter{w: w}
}

func (sw *SidebandWriter) writeFrame(channel byte, data []byte) error {
	for {
		chunk := data
		if len(chunk) > maxSidebandChunk {
			chunk = chunk[:maxSidebandChunk]
		}
		if err := WritePktLine(sw.w, append([]byte{channel}, chunk...)); err != nil {
			return fmt.Errorf("write sideband frame: %w", err)
		}
		data = data[len(chunk):]
		if len(data) == 0 {
			return nil
		}
	}
}

func (sw *SidebandWriter) WriteData(data []byte) error {
	return sw.writeFrame(0x01, data)
}

func (sw *SidebandWriter) WriteProgress(msg string) error {
	return sw.writeFrame(0x02, []byte(msg))
}

func (sw *SidebandWriter) WriteError(msg string) error {
	return sw.writeFrame(0x03, []byte(msg))
}

// Flush ends the sideband stream.
func (sw *SidebandWriter) Flush() error {
	return WriteFlush(sw.w)
}

func readPktLine(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n, err := strconv.ParseUint(string(hdr[:]), 16, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid pkt-line length %q", hdr[:])
	}
	if n == 0 {
		return nil, errFlush
	}
	if n < 4 {
		return []byte{}, nil
	}
	payload := make([]byte, n-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(payload, []byte("\n")), nil
}
