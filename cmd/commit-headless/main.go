package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/odvcencio/commit-headless/pkg/commit"
	"github.com/odvcencio/commit-headless/pkg/logging"
)

// Set via -ldflags "-X main.version=... -X main.revision=...".
var (
	version  = "dev"
	revision = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, os.Getenv)
	stop()
	os.Exit(code)
}

// app carries the process boundary so commands can run in tests.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string

	configPath string
	log        *logging.Logger
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, getenv func(string) string) int {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr, getenv: getenv}
	root := a.newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if a.log != nil {
		defer a.log.Close()
	}
	if err != nil {
		a.report(err)
	}
	return exitCode(err)
}

func (a *app) newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "commit-headless",
		Short: "Create and push commits to a remote branch without a checkout",
		Long: `commit-headless writes commits straight to a hosted git repository.

The commit command builds one commit from files on disk (or the local index)
on top of the remote branch. The push command publishes commits that already
exist in a local repository. The replay command re-signs the commits after a
given base on the remote branch. Only the resulting commit hash is printed on
standard output; diagnostics go to standard error.

The access token is read from HEADLESS_TOKEN, GITHUB_TOKEN or GH_TOKEN.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a TOML config file (default $HEADLESS_CONFIG)")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &commit.ValidationError{Message: err.Error(), Err: err}
	})

	root.AddCommand(a.newCommitCmd())
	root.AddCommand(a.newPushCmd())
	root.AddCommand(a.newReplayCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "commit-headless %s (%s)\n", version, revision)
		},
	}
}

// report prints the one-line diagnostic for a failed run.
func (a *app) report(err error) {
	if errors.Is(err, context.Canceled) {
		err = fmt.Errorf("interrupted: %w", err)
	}
	if a.log != nil {
		a.log.Error(err.Error())
		return
	}
	fmt.Fprintf(a.stderr, "error: %v\n", err)
}
