package main

import (
	"bufio"
	"errors"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/mattn/go-isatty"
)

var (
	errTerminalStdin  = errors.New("pass commits as arguments or pipe a list of commits to standard input")
	errNoCommitsStdin = errors.New("no commits present on standard input")
)

var leadingHash = regexp.MustCompile(`^[0-9a-f]{4,40}$`)

// commitsFromStdin reads one commit per line, taking the hash from the start
// of each line as printed by git log --oneline. Lines that do not start with
// a hash are skipped.
func commitsFromStdin(r io.Reader) ([]string, error) {
	if f, ok := r.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return nil, errTerminalStdin
	}

	var commits []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if leadingHash.MatchString(fields[0]) {
			commits = append(commits, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, errNoCommitsStdin
	}
	return commits, nil
}
