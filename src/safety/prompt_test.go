package safety_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instance-transfer/src/safety"
)

func TestConfirm_AutoYes(t *testing.T) {
	var out bytes.Buffer
	ok, err := safety.Confirm(safety.Options{Yes: true}, strings.NewReader(""), &out, "proceed?")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, out.String())
}

func TestConfirm_DryRun(t *testing.T) {
	var out bytes.Buffer
	ok, err := safety.Confirm(safety.Options{DryRun: true}, strings.NewReader("y\n"), &out, "proceed?")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfirm_UserInput(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"y\n", true},
		{"yes\n", true},
		{"Y\n", true},
		{"No\n", false},
		{"\n", false},
		{"", false},
	}
	for _, c := range cases {
		var out bytes.Buffer
		got, err := safety.Confirm(safety.Options{}, strings.NewReader(c.in), &out, "copy instance?")
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "input %q", c.in)
		assert.Contains(t, out.String(), "copy instance? [y/N]: ")
	}
}

func TestNewToken(t *testing.T) {
	a, b := safety.NewToken(), safety.NewToken()
	assert.Len(t, a, 6)
	assert.NotEqual(t, a, b)
}

func TestConfirmToken(t *testing.T) {
	var out bytes.Buffer
	err := safety.ConfirmToken(safety.Options{}, strings.NewReader("3f9a1c\n"), &out, "The source instance will be deleted.", "3f9a1c")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "The source instance will be deleted.\n")
	assert.Contains(t, out.String(), `Type "3f9a1c" to continue: `)
}

func TestConfirmToken_Mismatch(t *testing.T) {
	err := safety.ConfirmToken(safety.Options{}, strings.NewReader("3f9a1d\n"), nil, "", "3f9a1c")
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
}

func TestConfirmToken_Yes(t *testing.T) {
	assert.NoError(t, safety.ConfirmToken(safety.Options{Yes: true}, strings.NewReader(""), nil, "", "abc123"))
}
