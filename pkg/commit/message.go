package commit

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// DefaultMessageTemplate renders the message used when none is given.
const DefaultMessageTemplate = `Automated commit by commit-headless

{{- if .Branch}}

Updates {{.Branch}}: {{.Added}} file(s) written, {{.Deleted}} file(s) deleted.
{{- end}}`

// MessageData is the input to a message template.
type MessageData struct {
	Branch  string
	Added   int
	Deleted int
}

// ParseMessageTemplate compiles a message template.
func ParseMessageTemplate(text string) (*template.Template, error) {
	tmpl, err := template.New("message").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, &ValidationError{Field: "message template", Message: err.Error(), Err: err}
	}
	return tmpl, nil
}

var defaultTemplate = template.Must(template.New("message").Parse(DefaultMessageTemplate))

// Trailer is a "Key: value" line appended to the message.
type Trailer struct {
	Key   string
	Value string
}

// ParseTrailer parses "Key: value" or "Key=value".
func ParseTrailer(s string) (Trailer, error) {
	sep := strings.IndexAny(s, ":=")
	if sep <= 0 {
		return Trailer{}, &ValidationError{Field: "trailer", Message: fmt.Sprintf("%q is not in 'Key: value' form", s)}
	}
	t := Trailer{Key: strings.TrimSpace(s[:sep]), Value: strings.TrimSpace(s[sep+1:])}
	if t.Key == "" || t.Value == "" || strings.ContainsAny(t.Key, " \n") || strings.Contains(t.Value, "\n") {
		return Trailer{}, &ValidationError{Field: "trailer", Message: fmt.Sprintf("invalid trailer %q", s)}
	}
	return t, nil
}

// ComposeMessage joins paragraphs, falls back to the template when there are
// none, appends trailers and normalizes the result to end with exactly one
// newline.
func ComposeMessage(paragraphs []string, tmpl *template.Template, data MessageData, trailers []Trailer) (string, error) {
	var parts []string
	for _, p := range paragraphs {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	msg := strings.Join(parts, "\n\n")

	if msg == "" {
		if tmpl == nil {
			tmpl = defaultTemplate
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return "", &ValidationError{Field: "message template", Message: err.Error(), Err: err}
		}
		msg = strings.TrimSpace(buf.String())
	}
	if msg == "" {
		return "", &ValidationError{Field: "message", Message: "commit message is empty"}
	}

	if len(trailers) > 0 {
		var sb strings.Builder
		sb.WriteString(msg)
		sb.WriteString("\n\n")
		for i, t := range trailers {
			if i > 0 {
				sb.WriteByte('\n')
			}
			fmt.Fprintf(&sb, "%s: %s", t.Key, t.Value)
		}
		msg = sb.String()
	}
	return msg + "\n", nil
}
