package commit

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/odvcencio/commit-headless/pkg/object"
)

// Identity is a name and email pair used for author and committer headers.
type Identity struct {
	Name  string
	Email string
}

// DefaultIdentity is used when neither flags nor configuration name a
// committer.
var DefaultIdentity = Identity{
	Name:  "commit-headless",
	Email: "commit-headless-bot@users.noreply.github.com",
}

// IsZero reports whether both fields are empty.
func (id Identity) IsZero() bool {
	return id.Name == "" && id.Email == ""
}

func (id Identity) String() string {
	return fmt.Sprintf("%s <%s>", id.Name, id.Email)
}

// Validate checks that the identity can be written into a commit header.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.Name) == "" {
		return &ValidationError{Field: "identity", Message: "name is empty"}
	}
	if strings.TrimSpace(id.Email) == "" {
		return &ValidationError{Field: "identity", Message: fmt.Sprintf("email is empty for %q", id.Name)}
	}
	return object.ValidateIdentity(id.Name, id.Email)
}

// ParseIdentity parses "A U Thor <author@example.com>".
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	open := strings.LastIndexByte(s, '<')
	if open < 0 || !strings.HasSuffix(s, ">") {
		return Identity{}, &ValidationError{Field: "author", Message: fmt.Sprintf("%q is not in 'Name <email>' form", s)}
	}
	id := Identity{
		Name:  strings.TrimSpace(s[:open]),
		Email: strings.TrimSpace(s[open+1 : len(s)-1]),
	}
	if _, err := mail.ParseAddress(id.Email); err != nil {
		return Identity{}, &ValidationError{Field: "author", Message: fmt.Sprintf("invalid email %q", id.Email), Err: err}
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}
