package object

import (
	"bytes"
	"fmt"
	"io"
)

func decodeDeltaVarint(r io.ByteReader) (uint64, error) {
	var (
		value uint64
		shift uint
	)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, nil
		}
		shift += 7
		if shift > 63 {
			return 0, fmt.Errorf("delta varint too large")
		}
	}
}

func decodeOfsDeltaDistance(data []byte) (uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("ofs-delta distance truncated")
	}
	i := 0
	c := data[i]
	i++
	offset := uint64(c & 0x7f)
	for c&0x80 != 0 {
		if i >= len(data) {
			return 0, 0, fmt.Errorf("ofs-delta distance truncated")
		}
		c = data[i]
		i++
		offset = ((offset + 1) << 7) | uint64(c&0x7f)
	}
	return offset, i, nil
}

// applyDelta rebuilds a target object from base and git delta
// instructions: two varint sizes followed by copy and insert commands.
func applyDelta(base, delta []byte) ([]byte, error) {
	dr := bytes.NewReader(delta)

	baseSize, err := decodeDeltaVarint(dr)
	if err != nil {
		return nil, fmt.Errorf("read base size: %w", err)
	}
	if baseSize != uint64(len(base)) {
		return nil, fmt.Errorf("delta base size mismatch: got %d want %d", baseSize, len(base))
	}
	resultSize, err := decodeDeltaVarint(dr)
	if err != nil {
		return nil, fmt.Errorf("read result size: %w", err)
	}

	out := make([]byte, 0, resultSize)
	for dr.Len() > 0 {
		cmd, _ := dr.ReadByte()
		switch {
		case cmd&0x80 != 0:
			offset, size, err := readDeltaCopy(dr, cmd)
			if err != nil {
				return nil, err
			}
			if offset+size > uint64(len(base)) {
				return nil, fmt.Errorf("delta copy [%d, %d) outside base of %d bytes", offset, offset+size, len(base))
			}
			out = append(out, base[offset:offset+size]...)
		case cmd == 0:
			return nil, fmt.Errorf("invalid delta command: 0")
		default:
			start := len(out)
			out = append(out, make([]byte, cmd)...)
			if _, err := io.ReadFull(dr, out[start:]); err != nil {
				return nil, fmt.Errorf("delta insert: %w", err)
			}
		}
	}

	if uint64(len(out)) != resultSize {
		return nil, fmt.Errorf("delta result size mismatch: got %d expected %d", len(out), resultSize)
	}
	return out, nil
}

// readDeltaCopy decodes the operands of a copy command. Bits 0-3 of cmd flag
// which little-endian offset bytes follow, bits 4-6 which size bytes. A size
// of zero means 0x10000.
func readDeltaCopy(r io.ByteReader, cmd byte) (offset, size uint64, err error) {
	for i := 0; i < 7; i++ {
		if cmd&(1<<i) == 0 {
			continue
		}
		b, err := r.ReadByte()
		if err != nil {
			return 0, 0, fmt.Errorf("delta copy operand %d: %w", i, err)
		}
		if i < 4 {
			offset |= uint64(b) << (8 * i)
		} else {
			size |= uint64(b) << (8 * (i - 4))
		}
	}
	if size == 0 {
		size = 0x10000
	}
	return offset, size, nil
}
