package remote

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Sideband channel identifiers.
const (
	SidebandData     byte = 0x01
	SidebandProgress byte = 0x02
	SidebandError    byte = 0x03
)

// SidebandReader reads side-band-64k frames: pkt-lines whose first payload
// byte names the channel. A flush-pkt ends the stream.
type SidebandReader struct {
	pr *pktReader
}

func NewSidebandReader(r io.Reader) *SidebandReader {
	return &SidebandReader{pr: newPktReader(r)}
}

// ReadFrame reads one sideband frame, returning channel and payload.
// Returns io.EOF at the terminating flush-pkt or end of input.
func (sr *SidebandReader) ReadFrame() (byte, []byte, error) {
	line, err := sr.pr.readPktLine()
	if errors.Is(err, errFlush) {
		return 0, nil, io.EOF
	}
	if err != nil {
		return 0, nil, err
	}
	if len(line) < 1 {
		return 0, nil, fmt.Errorf("sideband frame too short: %d", len(line))
	}
	return line[0], line[1:], nil
}

// SidebandDataReader presents sideband data frames as a sequential io.Reader,
// discarding progress frames (or forwarding them to a callback).
type SidebandDataReader struct {
	sr         *SidebandReader
	onProgress func(string)
	buf        []byte
	done       bool
}

func NewSidebandDataReader(r io.Reader, onProgress func(string)) *SidebandDataReader {
	return &SidebandDataReader{
		sr:         NewSidebandReader(r),
		onProgress: onProgress,
	}
}

func (dr *SidebandDataReader) Read(p []byte) (int, error) {
	for len(dr.buf) == 0 {
		if dr.done {
			return 0, io.EOF
		}
		channel, payload, err := dr.sr.ReadFrame()
		if err == io.EOF {
			dr.done = true
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}
		switch channel {
		case SidebandData:
			dr.buf = payload
		case SidebandProgress:
			if dr.onProgress != nil {
				dr.onProgress(strings.TrimRight(string(payload), "\r\n"))
			}
		case SidebandError:
			return 0, &RemoteRejected{Message: strings.TrimSpace(string(payload))}
		default:
			return 0, fmt.Errorf("unknown sideband channel %d", channel)
		}
	}

	n := copy(p, dr.buf)
	dr.buf = dr.buf[n:]
	return n, nil
}
