package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/spf13/cobra"

	"instance-transfer/src/cloudapi"
)

var logger = loggo.GetLogger("instance-transfer.cli")

type options struct {
	client cloudapi.Client
	clock  clock.Clock
}

// Option customizes the command tree. Used by tests.
type Option func(*options)

// WithClient makes every command use c instead of connecting to the
// configured backend.
func WithClient(c cloudapi.Client) Option {
	return func(o *options) { o.client = c }
}

// WithClock sets the clock used for polling and timing.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// NewRootCmd returns the root cobra command for the instance-transfer CLI.
func NewRootCmd(stdout, stderr io.Writer, opts ...Option) *cobra.Command {
	o := &options{clock: clock.WallClock}
	for _, opt := range opts {
		opt(o)
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	cmd := &cobra.Command{
		Use:           "instance-transfer",
		Short:         "Copy or move a cloud instance and its volumes to another project",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd, stderr)
		},
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	addGlobalFlags(cmd)

	cmd.AddCommand(newVersionCmd(stdout))
	cmd.AddCommand(newTransferCmd(stdout, o))
	cmd.AddCommand(newShowCmd(stdout, o))

	return cmd
}

func setupLogging(cmd *cobra.Command, stderr io.Writer) error {
	spec, _ := cmd.Root().PersistentFlags().GetString("log-level")
	if _, err := loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(stderr, loggo.DefaultFormatter)); err != nil {
		return errors.Trace(err)
	}
	loggo.DefaultContext().ResetLoggerLevels()
	if err := loggo.ConfigureLoggers(spec); err != nil {
		return errors.NewNotValid(err, "--log-level")
	}
	return nil
}

// Execute runs the CLI with the process stdio. SIGINT and SIGTERM cancel
// the running command.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
