package safety

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// Options control whether prompts are shown.
type Options struct {
	DryRun bool
	Yes    bool
}

// Confirm prompts the user to confirm a potentially destructive action.
// - If opts.Yes is true, it returns true without prompting.
// - If opts.DryRun is true, it returns false but no error (no action should be taken).
// The caller decides what to do with the result.
func Confirm(opts Options, in io.Reader, out io.Writer, question string) (bool, error) {
	if opts.DryRun {
		return false, nil
	}
	if opts.Yes {
		return true, nil
	}
	if out != nil {
		fmt.Fprintf(out, "%s [y/N]: ", strings.TrimSpace(question))
	}
	line, err := readLine(in)
	if err != nil {
		return false, err
	}
	ans := strings.ToLower(line)
	return ans == "y" || ans == "yes", nil
}

// NewToken returns a random six character confirmation token.
func NewToken() string {
	return uuid.NewString()[:6]
}

// ConfirmToken asks the user to type token back. A mismatch is a
// validation error. opts.Yes skips the prompt; opts.DryRun never prompts
// and never confirms.
func ConfirmToken(opts Options, in io.Reader, out io.Writer, warning, token string) error {
	if opts.DryRun {
		return errors.NotValidf("confirmation in dry-run mode")
	}
	if opts.Yes {
		return nil
	}
	if out != nil {
		fmt.Fprintln(out, strings.TrimSpace(warning))
		fmt.Fprintf(out, "Type %q to continue: ", token)
	}
	line, err := readLine(in)
	if err != nil {
		return err
	}
	if line != token {
		return errors.NotValidf("confirmation %q", line)
	}
	return nil
}

func readLine(in io.Reader) (string, error) {
	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", errors.Annotate(err, "reading answer")
	}
	return strings.TrimSpace(line), nil
}
