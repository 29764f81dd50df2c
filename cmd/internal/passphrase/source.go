// Package passphrase resolves keystore passphrases for the settlement
// binaries: from an environment variable when set, otherwise by prompting on
// the controlling terminal.
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

// ErrMismatch is returned when a confirmed prompt gets two different answers.
var ErrMismatch = errors.New("passphrases do not match")

// Source lazily resolves and caches one passphrase.
type Source struct {
	envVar  string
	label   string
	confirm bool

	lookup       func(string) (string, bool)
	isTerminal   func() bool
	readPassword func() ([]byte, error)
	prompt       io.Writer

	once  sync.Once
	value string
	err   error
}

// Option adjusts a Source.
type Option func(*Source)

// WithConfirmation asks for the passphrase twice when prompting. Use it when
// the passphrase protects a keystore being created.
func WithConfirmation() Option {
	return func(s *Source) { s.confirm = true }
}

// WithTerminal replaces the terminal used for prompting.
func WithTerminal(isTerminal func() bool, readPassword func() ([]byte, error), prompt io.Writer) Option {
	return func(s *Source) {
		s.isTerminal, s.readPassword, s.prompt = isTerminal, readPassword, prompt
	}
}

// WithLookup replaces os.LookupEnv.
func WithLookup(lookup func(string) (string, bool)) Option {
	return func(s *Source) { s.lookup = lookup }
}

// NewSource checks envVar before prompting. label names the key in prompts
// and errors, e.g. "payer keystore".
func NewSource(envVar, label string, opts ...Option) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "keystore"
	}
	fd := int(os.Stdin.Fd())
	s := &Source{
		envVar:       strings.TrimSpace(envVar),
		label:        label,
		lookup:       os.LookupEnv,
		isTerminal:   func() bool { return term.IsTerminal(fd) },
		readPassword: func() ([]byte, error) { return term.ReadPassword(fd) },
		prompt:       os.Stderr,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the passphrase, resolving it on the first call. An environment
// value is used verbatim; blank values are rejected either way.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := s.lookup(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	if !s.isTerminal() {
		if s.envVar != "" {
			return "", fmt.Errorf("%s passphrase required; set %s or run interactively", s.label, s.envVar)
		}
		return "", fmt.Errorf("%s passphrase required and no terminal available", s.label)
	}

	value, err := s.ask(fmt.Sprintf("Enter %s passphrase: ", s.label))
	if err != nil {
		return "", err
	}
	if s.confirm {
		again, err := s.ask(fmt.Sprintf("Repeat %s passphrase: ", s.label))
		if err != nil {
			return "", err
		}
		if again != value {
			return "", ErrMismatch
		}
	}
	return value, nil
}

func (s *Source) ask(prompt string) (string, error) {
	fmt.Fprint(s.prompt, prompt)
	raw, err := s.readPassword()
	fmt.Fprintln(s.prompt)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	value := string(raw)
	if strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s passphrase cannot be empty", s.label)
	}
	return value, nil
}
