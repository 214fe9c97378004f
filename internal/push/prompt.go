package push

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Prompter asks the operator yes/no questions.
type Prompter interface {
	Confirm(question string, defaultYes bool) (bool, error)
}

// AutoPrompter answers every question without asking. pinpush uses it
// for --yes and when stdin is not a terminal.
type AutoPrompter struct {
	Answer bool
}

func (p AutoPrompter) Confirm(string, bool) (bool, error) {
	return p.Answer, nil
}

// TerminalPrompter reads answers line by line.
type TerminalPrompter struct {
	out io.Writer

	mu     sync.Mutex
	reader *bufio.Reader
}

// NewTerminalPrompter returns a prompter reading from in and writing
// questions to out.
func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{out: out, reader: bufio.NewReader(in)}
}

// Confirm prints question with a [Y/n] or [y/N] hint and reads one line.
// An empty answer takes the default.
func (p *TerminalPrompter) Confirm(question string, defaultYes bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	for {
		if _, err := fmt.Fprintf(p.out, "%s %s ", question, hint); err != nil {
			return false, err
		}
		line, err := p.reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				return defaultYes, nil
			}
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "":
			return defaultYes, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		_, _ = fmt.Fprintln(p.out, "Please answer y or n.")
	}
}

// IsInteractive reports whether f is attached to a terminal.
func IsInteractive(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// DefaultPrompter picks a TerminalPrompter when stdin is a terminal and
// an AutoPrompter that continues otherwise.
func DefaultPrompter(assumeYes bool) Prompter {
	if assumeYes || !IsInteractive(os.Stdin) {
		return AutoPrompter{Answer: true}
	}
	return NewTerminalPrompter(os.Stdin, os.Stderr)
}
