package remote

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	pktLenSize    = 4
	maxPktPayload = 65516
)

// errFlush is returned by readPktLine for a flush-pkt ("0000").
var errFlush = errors.New("flush-pkt")

// appendPktLine appends payload framed as a pkt-line.
func appendPktLine(buf *bytes.Buffer, payload []byte) error {
	if len(payload) > maxPktPayload {
		return fmt.Errorf("pkt-line payload too long: %d", len(payload))
	}
	fmt.Fprintf(buf, "%04x", len(payload)+pktLenSize)
	buf.Write(payload)
	return nil
}

func appendPktString(buf *bytes.Buffer, s string) error {
	return appendPktLine(buf, []byte(s))
}

func appendFlush(buf *bytes.Buffer) {
	buf.WriteString("0000")
}

// pktReader reads pkt-line framed data.
type pktReader struct {
	r   io.Reader
	hdr [pktLenSize]byte
}

func newPktReader(r io.Reader) *pktReader {
	return &pktReader{r: r}
}

// readPktLine returns the next payload. A flush-pkt yields errFlush and a
// delim-pkt ("0001") an empty payload. io.EOF is returned only at a clean
// boundary.
func (p *pktReader) readPktLine() ([]byte, error) {
	if _, err := io.ReadFull(p.r, p.hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("read pkt-line length: %w", err)
		}
		return nil, err
	}
	n, err := strconv.ParseUint(string(p.hdr[:]), 16, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid pkt-line length %q", p.hdr[:])
	}
	switch {
	case n == 0:
		return nil, errFlush
	case n < pktLenSize:
		return []byte{}, nil
	}
	payload := make([]byte, int(n)-pktLenSize)
	if _, err := io.ReadFull(p.r, payload); err != nil {
		return nil, fmt.Errorf("read pkt-line payload: %w", err)
	}
	return payload, nil
}

// readPktString returns the next payload without its trailing newline.
func (p *pktReader) readPktString() (string, error) {
	line, err := p.readPktLine()
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSuffix(line, []byte("\n"))), nil
}
