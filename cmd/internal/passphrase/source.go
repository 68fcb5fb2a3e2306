package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a keystore passphrase from an environment variable or
// by prompting the operator. The value is cached after the first successful
// retrieval.
type Source struct {
	envVar string
	label  string
	lookup func(string) (string, bool)
	prompt func(label string) (string, error)

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source that checks envVar before
// interactively prompting on the terminal. label names the keystore in the
// prompt.
func NewSource(envVar, label string) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "keystore"
	}
	return &Source{
		envVar: strings.TrimSpace(envVar),
		label:  label,
		lookup: os.LookupEnv,
		prompt: promptTerminal,
	}
}

// Get returns the cached passphrase or resolves it if this is the first call.
// A set environment variable is used verbatim, including the empty value
// optiond writes for its generated operator keystore. Prompted passphrases
// must not be blank.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := s.lookup(s.envVar); ok {
				s.value = value
				return
			}
		}
		value, err := s.prompt(s.label)
		if err != nil {
			if s.envVar != "" {
				s.err = fmt.Errorf("%s passphrase required; set %s or run interactively: %w", s.label, s.envVar, err)
			} else {
				s.err = err
			}
			return
		}
		if strings.TrimSpace(value) == "" {
			s.err = fmt.Errorf("%s passphrase cannot be empty", s.label)
			return
		}
		s.value = value
	})
	return s.value, s.err
}

var errNoTerminal = errors.New("no terminal available")

func promptTerminal(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	return readPassword(os.Stderr, label, func() ([]byte, error) { return term.ReadPassword(fd) })
}

func readPassword(w io.Writer, label string, read func() ([]byte, error)) (string, error) {
	fmt.Fprintf(w, "Enter %s passphrase: ", label)
	raw, err := read()
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(raw), nil
}
