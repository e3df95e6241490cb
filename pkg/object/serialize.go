package object

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Blob
// ---------------------------------------------------------------------------

// MarshalBlob serializes a Blob to raw bytes (identity).
func MarshalBlob(b *Blob) []byte {
	out := make([]byte, len(b.Data))
	copy(out, b.Data)
	return out
}

// UnmarshalBlob deserializes raw bytes into a Blob.
func UnmarshalBlob(data []byte) (*Blob, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return &Blob{Data: out}, nil
}

// ---------------------------------------------------------------------------
// TreeObj
// ---------------------------------------------------------------------------

// ValidateEntryName checks that name can be stored as a single tree entry.
func ValidateEntryName(name string) error {
	switch {
	case name == "":
		return &EncodingError{Field: "tree entry name", Reason: "empty name"}
	case name == "." || name == "..":
		return &EncodingError{Field: "tree entry name", Value: name, Reason: "reserved name"}
	case strings.IndexByte(name, 0) >= 0:
		return &EncodingError{Field: "tree entry name", Value: name, Reason: "contains NUL byte"}
	case strings.IndexByte(name, '/') >= 0:
		return &EncodingError{Field: "tree entry name", Value: name, Reason: "contains path separator"}
	}
	return nil
}

// ValidMode reports whether mode is one of git's canonical tree entry modes.
func ValidMode(mode string) bool {
	switch mode {
	case TreeModeDir, TreeModeFile, TreeModeExecutable, TreeModeSymlink, TreeModeSubmodule:
		return true
	}
	return false
}

// SortEntries orders entries the way git does: by name bytes, with subtrees
// compared as if their name ended in "/".
func SortEntries(entries []TreeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entrySortKey(entries[i]) < entrySortKey(entries[j])
	})
}

func entrySortKey(e TreeEntry) string {
	if e.IsDir() {
		return e.Name + "/"
	}
	return e.Name
}

// MarshalTree serializes a TreeObj in git's binary tree format. Entries are
// sorted for deterministic output. Each entry is:
//
//	<mode> SP <name> NUL <20-byte id>
func MarshalTree(tr *TreeObj) ([]byte, error) {
	sorted := make([]TreeEntry, len(tr.Entries))
	copy(sorted, tr.Entries)
	SortEntries(sorted)

	var buf bytes.Buffer
	seen := make(map[string]bool, len(sorted))
	for _, e := range sorted {
		if err := ValidateEntryName(e.Name); err != nil {
			return nil, err
		}
		// A file and a directory of the same name need not sort next to each other.
		if seen[e.Name] {
			return nil, &EncodingError{Field: "tree entry name", Value: e.Name, Reason: "duplicate entry"}
		}
		seen[e.Name] = true
		if !ValidMode(e.Mode) {
			return nil, &EncodingError{Field: "tree entry mode", Value: e.Mode, Reason: "unknown mode"}
		}
		raw, err := e.Hash.Raw()
		if err != nil {
			return nil, fmt.Errorf("tree entry %q: %w", e.Name, err)
		}
		buf.WriteString(e.Mode)
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(raw)
	}
	return buf.Bytes(), nil
}

// UnmarshalTree parses a TreeObj from git's binary tree format.
func UnmarshalTree(data []byte) (*TreeObj, error) {
	tr := &TreeObj{}
	for len(data) > 0 {
		sp := bytes.IndexByte(data, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("unmarshal tree: missing mode separator")
		}
		mode := normalizeMode(string(data[:sp]))
		if !ValidMode(mode) {
			return nil, fmt.Errorf("unmarshal tree: unknown mode %q", data[:sp])
		}
		data = data[sp+1:]

		nul := bytes.IndexByte(data, 0)
		if nul < 0 {
			return nil, fmt.Errorf("unmarshal tree: missing name terminator")
		}
		name := string(data[:nul])
		data = data[nul+1:]

		if len(data) < HashSize {
			return nil, fmt.Errorf("unmarshal tree: truncated id for %q", name)
		}
		h, err := HashFromRaw(data[:HashSize])
		if err != nil {
			return nil, fmt.Errorf("unmarshal tree: %w", err)
		}
		data = data[HashSize:]

		tr.Entries = append(tr.Entries, TreeEntry{Name: name, Mode: mode, Hash: h})
	}
	return tr, nil
}

// normalizeMode accepts the zero-padded "040000" some APIs report and the
// group-writable "100664" found in old repositories.
func normalizeMode(mode string) string {
	switch mode {
	case "040000":
		return TreeModeDir
	case "100664":
		return TreeModeFile
	}
	return mode
}

// NormalizeMode is the exported form of normalizeMode for API backends.
func NormalizeMode(mode string) string {
	return normalizeMode(strings.TrimSpace(mode))
}

// ---------------------------------------------------------------------------
// Signature
// ---------------------------------------------------------------------------

// FormatSignature renders "Name <email> unix +hhmm".
func FormatSignature(s Signature) string {
	_, offset := s.When.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%s <%s> %d %c%02d%02d", s.Name, s.Email, s.When.Unix(), sign, offset/3600, (offset%3600)/60)
}

// ParseSignature parses the value of an author or committer header.
func ParseSignature(raw string) (Signature, error) {
	open := strings.IndexByte(raw, '<')
	closing := strings.LastIndexByte(raw, '>')
	if open < 0 || closing < open {
		return Signature{}, fmt.Errorf("malformed signature %q", raw)
	}
	sig := Signature{
		Name:  strings.TrimSpace(raw[:open]),
		Email: raw[open+1 : closing],
	}

	fields := strings.Fields(raw[closing+1:])
	if len(fields) == 0 {
		return sig, nil
	}
	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Signature{}, fmt.Errorf("bad timestamp in signature %q: %w", raw, err)
	}
	loc := time.UTC
	if len(fields) > 1 {
		loc, err = parseZone(fields[1])
		if err != nil {
			return Signature{}, fmt.Errorf("bad timezone in signature %q: %w", raw, err)
		}
	}
	sig.When = time.Unix(ts, 0).In(loc)
	return sig, nil
}

func parseZone(tz string) (*time.Location, error) {
	if len(tz) != 5 || (tz[0] != '+' && tz[0] != '-') {
		return nil, fmt.Errorf("expected +hhmm, got %q", tz)
	}
	hh, err := strconv.Atoi(tz[1:3])
	if err != nil {
		return nil, err
	}
	mm, err := strconv.Atoi(tz[3:5])
	if err != nil {
		return nil, err
	}
	offset := hh*3600 + mm*60
	if tz[0] == '-' {
		offset = -offset
	}
	return time.FixedZone("", offset), nil
}

// ValidateIdentity checks that name and email can be stored in a signature
// header.
func ValidateIdentity(name, email string) error {
	if strings.ContainsAny(name, "<>\n") {
		return &EncodingError{Field: "identity name", Value: name, Reason: "contains '<', '>' or newline"}
	}
	if strings.ContainsAny(email, "<>\n") {
		return &EncodingError{Field: "identity email", Value: email, Reason: "contains '<', '>' or newline"}
	}
	return nil
}

// ---------------------------------------------------------------------------
// CommitObj
// ---------------------------------------------------------------------------

// MarshalCommit serializes a CommitObj in git's commit format:
//
//	tree H
//	parent H       (zero or more)
//	author A
//	committer C
//	<extra headers>
//	gpgsig S       (optional, continuation lines prefixed by a space)
//
//	message
func MarshalCommit(c *CommitObj) ([]byte, error) {
	if _, err := ParseHash(string(c.TreeHash)); err != nil {
		return nil, fmt.Errorf("commit tree: %w", err)
	}
	for _, p := range c.Parents {
		if _, err := ParseHash(string(p)); err != nil {
			return nil, fmt.Errorf("commit parent: %w", err)
		}
	}
	for _, s := range []Signature{c.Author, c.Committer} {
		if err := ValidateIdentity(s.Name, s.Email); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.TreeHash)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", FormatSignature(c.Author))
	fmt.Fprintf(&buf, "committer %s\n", FormatSignature(c.Committer))
	for _, h := range c.ExtraHeaders {
		writeHeader(&buf, h.Key, h.Value)
	}
	if strings.TrimSpace(c.Signature) != "" {
		writeHeader(&buf, "gpgsig", c.Signature)
	}
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteByte(' ')
	buf.WriteString(strings.ReplaceAll(value, "\n", "\n "))
	buf.WriteByte('\n')
}

// UnmarshalCommit parses a CommitObj from git's commit format.
func UnmarshalCommit(data []byte) (*CommitObj, error) {
	idx := bytes.Index(data, []byte("\n\n"))
	if idx < 0 {
		return nil, fmt.Errorf("unmarshal commit: missing header/message separator")
	}
	header := string(data[:idx])
	c := &CommitObj{Message: string(data[idx+2:])}

	var headers []Header
	for _, line := range strings.Split(header, "\n") {
		if strings.HasPrefix(line, " ") {
			if len(headers) == 0 {
				return nil, fmt.Errorf("unmarshal commit: continuation line before any header")
			}
			headers[len(headers)-1].Value += "\n" + line[1:]
			continue
		}
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("unmarshal commit: malformed header line %q", line)
		}
		headers = append(headers, Header{Key: key, Value: val})
	}

	for _, h := range headers {
		switch h.Key {
		case "tree":
			c.TreeHash = Hash(h.Value)
		case "parent":
			c.Parents = append(c.Parents, Hash(h.Value))
		case "author":
			sig, err := ParseSignature(h.Value)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: author: %w", err)
			}
			c.Author = sig
		case "committer":
			sig, err := ParseSignature(h.Value)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: committer: %w", err)
			}
			c.Committer = sig
		case "gpgsig":
			c.Signature = h.Value
		default:
			c.ExtraHeaders = append(c.ExtraHeaders, h)
		}
	}
	if c.TreeHash == "" {
		return nil, fmt.Errorf("unmarshal commit: missing tree header")
	}
	return c, nil
}
