package object

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pjbgf/sha1cd"
)

// PackEntry represents one object entry in a pack stream. For delta entries
// Data holds the delta instructions until the entry is resolved.
type PackEntry struct {
	Type         PackObjectType
	OriginalType PackObjectType
	Offset       uint64
	Size         uint64
	BaseOffset   uint64 // OFS_DELTA only
	BaseRef      Hash   // REF_DELTA only
	Data         []byte
}

// PackFile is the decoded content of a full pack stream.
type PackFile struct {
	Header   PackHeader
	Entries  []PackEntry
	Checksum Hash
}

// Records converts resolved entries to typed records. It fails if any entry
// is still a delta.
func (pf *PackFile) Records() ([]Record, error) {
	out := make([]Record, 0, len(pf.Entries))
	for i, e := range pf.Entries {
		objType, ok := objectTypeFor(e.Type)
		if !ok {
			return nil, fmt.Errorf("entry %d: unresolved pack entry type %d", i, e.Type)
		}
		out = append(out, NewRecord(objType, e.Data))
	}
	return out, nil
}

// ReadPack parses a full pack file byte slice, verifies trailer checksum, and
// returns decoded entries. Delta entries are left unresolved.
func ReadPack(data []byte) (*PackFile, error) {
	if len(data) < packHeaderSize+HashSize {
		return nil, fmt.Errorf("pack too short: %d", len(data))
	}

	payload := data[:len(data)-HashSize]
	trailer := data[len(data)-HashSize:]

	hasher := sha1cd.New()
	hasher.Write(payload)
	if !bytes.Equal(hasher.Sum(nil), trailer) {
		return nil, fmt.Errorf("pack checksum mismatch")
	}

	header, err := UnmarshalPackHeader(payload[:packHeaderSize])
	if err != nil {
		return nil, err
	}

	offset := packHeaderSize
	entries := make([]PackEntry, 0, header.NumObjects)
	for i := uint32(0); i < header.NumObjects; i++ {
		entryOffset := uint64(offset)
		objType, size, n, err := decodePackEntryHeaderStrict(payload[offset:])
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		offset += n

		entry := PackEntry{Type: objType, OriginalType: objType, Offset: entryOffset, Size: size}
		switch objType {
		case PackOfsDelta:
			distance, m, err := decodeOfsDeltaDistance(payload[offset:])
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			if distance == 0 || distance > entryOffset {
				return nil, fmt.Errorf("entry %d: ofs-delta base distance %d out of range", i, distance)
			}
			entry.BaseOffset = entryOffset - distance
			offset += m
		case PackRefDelta:
			if len(payload[offset:]) < HashSize {
				return nil, fmt.Errorf("entry %d: ref-delta base truncated", i)
			}
			base, err := HashFromRaw(payload[offset : offset+HashSize])
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			entry.BaseRef = base
			offset += HashSize
		case PackCommit, PackTree, PackBlob, PackTag:
		default:
			return nil, fmt.Errorf("entry %d: invalid pack object type %d", i, objType)
		}
		if offset >= len(payload) {
			return nil, fmt.Errorf("entry %d: missing compressed payload", i)
		}

		sub := bytes.NewReader(payload[offset:])
		zr, err := zlib.NewReader(sub)
		if err != nil {
			return nil, fmt.Errorf("entry %d: zlib reader: %w", i, err)
		}
		raw, err := io.ReadAll(zr)
		if err != nil {
			_ = zr.Close()
			return nil, fmt.Errorf("entry %d: decompress: %w", i, err)
		}
		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("entry %d: close zlib stream: %w", i, err)
		}
		if uint64(len(raw)) != size {
			return nil, fmt.Errorf("entry %d: size mismatch header=%d decoded=%d", i, size, len(raw))
		}

		consumed := len(payload[offset:]) - sub.Len()
		offset += consumed

		entry.Data = raw
		entries = append(entries, entry)
	}

	if offset != len(payload) {
		return nil, fmt.Errorf("pack has trailing undecoded bytes: %d", len(payload)-offset)
	}

	return &PackFile{
		Header:   *header,
		Entries:  entries,
		Checksum: Hash(hex.EncodeToString(trailer)),
	}, nil
}

// ReadPackResolved is ReadPack followed by ResolvePackEntries. External
// supplies bases for REF_DELTA entries whose base is not in the pack (thin
// packs); it may be nil.
func ReadPackResolved(data []byte, external func(Hash) (Record, bool)) (*PackFile, error) {
	pf, err := ReadPack(data)
	if err != nil {
		return nil, err
	}
	resolved, err := ResolvePackEntries(pf.Entries, external)
	if err != nil {
		return nil, err
	}
	pf.Entries = resolved
	return pf, nil
}

// ReadPackFromReader reads a complete pack stream from r and decodes it with
// deltas resolved.
func ReadPackFromReader(r io.Reader, external func(Hash) (Record, bool)) (*PackFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pack stream: %w", err)
	}
	return ReadPackResolved(data, external)
}

// ResolvePackEntries replaces delta entries with the objects they describe.
// Bases may appear anywhere in the pack, so resolution repeats until no
// further progress is possible.
func ResolvePackEntries(entries []PackEntry, external func(Hash) (Record, bool)) ([]PackEntry, error) {
	out := make([]PackEntry, len(entries))
	copy(out, entries)

	byOffset := make(map[uint64]int, len(out))
	byHash := make(map[Hash]int, len(out))
	pending := 0
	for i, e := range out {
		byOffset[e.Offset] = i
		if objType, ok := objectTypeFor(e.Type); ok {
			byHash[HashObject(objType, e.Data)] = i
		} else {
			pending++
		}
	}

	for pending > 0 {
		progress := false
		for i := range out {
			e := &out[i]
			if _, ok := objectTypeFor(e.Type); ok {
				continue
			}

			var (
				baseType ObjectType
				baseData []byte
				found    bool
			)
			switch e.Type {
			case PackOfsDelta:
				if j, ok := byOffset[e.BaseOffset]; ok {
					baseType, found = objectTypeFor(out[j].Type)
					baseData = out[j].Data
				}
			case PackRefDelta:
				if j, ok := byHash[e.BaseRef]; ok {
					baseType, found = objectTypeFor(out[j].Type)
					baseData = out[j].Data
				} else if external != nil {
					if rec, ok := external(e.BaseRef); ok {
						baseType, baseData, found = rec.Type, rec.Data, true
					}
				}
			}
			if !found {
				continue
			}

			data, err := applyDelta(baseData, e.Data)
			if err != nil {
				return nil, fmt.Errorf("resolve delta at offset %d: %w", e.Offset, err)
			}
			pt, _ := packTypeFor(baseType)
			e.Type = pt
			e.Data = data
			e.Size = uint64(len(data))
			byHash[HashObject(baseType, data)] = i
			pending--
			progress = true
		}
		if !progress {
			return nil, fmt.Errorf("pack has %d unresolved delta entries", pending)
		}
	}
	return out, nil
}

func decodePackEntryHeaderStrict(data []byte) (PackObjectType, uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, 0, fmt.Errorf("entry header truncated")
	}

	b := data[0]
	objType := PackObjectType((b >> 4) & 0x7)
	size := uint64(b & 0x0f)
	shift := uint(4)
	consumed := 1

	for b&0x80 != 0 {
		if consumed >= len(data) {
			return 0, 0, 0, fmt.Errorf("entry header truncated")
		}
		b = data[consumed]
		size |= uint64(b&0x7f) << shift
		shift += 7
		consumed++
	}

	return objType, size, consumed, nil
}
