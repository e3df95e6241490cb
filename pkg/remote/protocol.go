package remote

import (
	"sort"
	"strings"
)

const (
	serviceUploadPack  = "git-upload-pack"
	serviceReceivePack = "git-receive-pack"
)

// Capabilities is the capability list a server advertises after the first
// ref, e.g. "report-status side-band-64k agent=git/2.43.0".
type Capabilities struct {
	set map[string]string
}

// ParseCapabilities parses a space-separated capability string.
func ParseCapabilities(raw string) Capabilities {
	caps := Capabilities{set: make(map[string]string)}
	for _, c := range strings.Fields(raw) {
		name, value, _ := strings.Cut(c, "=")
		caps.set[name] = value
	}
	return caps
}

// Has returns true if the capability is present.
func (c Capabilities) Has(name string) bool {
	_, ok := c.set[name]
	return ok
}

// Value returns the value of a "name=value" capability.
func (c Capabilities) Value(name string) string {
	return c.set[name]
}

// Request returns the subset of wanted capabilities the server advertised,
// in the order given, ready to append to the first command line.
func (c Capabilities) Request(wanted ...string) []string {
	out := make([]string, 0, len(wanted))
	for _, w := range wanted {
		name, _, _ := strings.Cut(w, "=")
		if name == "agent" || c.Has(name) {
			out = append(out, w)
		}
	}
	return out
}

// String returns the sorted space-separated capability string.
func (c Capabilities) String() string {
	names := make([]string, 0, len(c.set))
	for k, v := range c.set {
		if v != "" {
			k += "=" + v
		}
		names = append(names, k)
	}
	sort.Strings(names)
	return strings.Join(names, " ")
}
