package passphrase

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func env(m map[string]string) Option {
	return WithLookup(func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	})
}

// answers feeds the given replies to successive prompts.
func answers(out *bytes.Buffer, replies ...string) Option {
	i := 0
	return WithTerminal(
		func() bool { return true },
		func() ([]byte, error) {
			if i >= len(replies) {
				return nil, errors.New("eof")
			}
			i++
			return []byte(replies[i-1]), nil
		},
		out)
}

func TestSourceReadsEnvironmentOnce(t *testing.T) {
	t.Setenv("SETTLED_KEYSTORE_PASSPHRASE", "s3cret")
	src := NewSource("SETTLED_KEYSTORE_PASSPHRASE", "payer keystore")
	value, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "s3cret", value)

	t.Setenv("SETTLED_KEYSTORE_PASSPHRASE", "changed")
	value, err = src.Get()
	require.NoError(t, err)
	require.Equal(t, "s3cret", value)
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	_, err := NewSource("PASS", "", env(map[string]string{"PASS": "   "})).Get()
	require.ErrorContains(t, err, "is set but empty")
}

func TestSourceWithoutTerminal(t *testing.T) {
	noTTY := WithTerminal(func() bool { return false }, nil, &bytes.Buffer{})
	_, err := NewSource("PASS", "payer keystore", env(nil), noTTY).Get()
	require.ErrorContains(t, err, "set PASS")
}

func TestSourcePrompts(t *testing.T) {
	var out bytes.Buffer
	value, err := NewSource("PASS", "payer keystore", env(nil), answers(&out, "hunter2")).Get()
	require.NoError(t, err)
	require.Equal(t, "hunter2", value)
	require.Contains(t, out.String(), "Enter payer keystore passphrase")

	_, err = NewSource("", "payer keystore", env(nil), answers(&out, "  ")).Get()
	require.ErrorContains(t, err, "cannot be empty")
}

func TestSourceConfirmation(t *testing.T) {
	var out bytes.Buffer
	value, err := NewSource("", "payer keystore", WithConfirmation(), env(nil), answers(&out, "a", "a")).Get()
	require.NoError(t, err)
	require.Equal(t, "a", value)
	require.Contains(t, out.String(), "Repeat")

	_, err = NewSource("", "payer keystore", WithConfirmation(), env(nil), answers(&out, "a", "b")).Get()
	require.ErrorIs(t, err, ErrMismatch)

	_, err = NewSource("", "payer keystore", WithConfirmation(), env(nil), answers(&out, "a")).Get()
	require.ErrorContains(t, err, "failed to read passphrase")
}
