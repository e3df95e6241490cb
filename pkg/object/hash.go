package object

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pjbgf/sha1cd"
)

// HashSize is the raw length of an object id in bytes.
const HashSize = 20

// HashObject computes the SHA-1 of the envelope "type len\0content", which is
// Git's object id.
func HashObject(objType ObjectType, data []byte) Hash {
	h := sha1cd.New()
	fmt.Fprintf(h, "%s %d\x00", objType, len(data))
	h.Write(data)
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

// NewRecord hashes data and wraps it in a Record.
func NewRecord(objType ObjectType, data []byte) Record {
	return Record{Hash: HashObject(objType, data), Type: objType, Data: data}
}

// ParseHash validates a full 40-character hex object id and returns it in
// lowercase form.
func ParseHash(s string) (Hash, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 2*HashSize {
		return "", &EncodingError{Field: "hash", Value: s, Reason: fmt.Sprintf("length %d, expected %d", len(s), 2*HashSize)}
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", &EncodingError{Field: "hash", Value: s, Reason: "contains non-hex characters"}
	}
	return Hash(s), nil
}

// Raw returns the 20-byte binary form of h.
func (h Hash) Raw() ([]byte, error) {
	raw, err := hex.DecodeString(string(h))
	if err != nil || len(raw) != HashSize {
		return nil, &EncodingError{Field: "hash", Value: string(h), Reason: "not a 40-character hex id"}
	}
	return raw, nil
}

// HashFromRaw converts a 20-byte binary id to its hex form.
func HashFromRaw(raw []byte) (Hash, error) {
	if len(raw) != HashSize {
		return "", &EncodingError{Field: "hash", Reason: fmt.Sprintf("raw id has %d bytes, expected %d", len(raw), HashSize)}
	}
	return Hash(hex.EncodeToString(raw)), nil
}
