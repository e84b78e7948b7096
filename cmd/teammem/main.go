// Package main implements the teammem CLI: capture AI coding sessions into
// encrypted team memory documents committed to the repository.
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
)

// version information
var version = "dev"

// rootOptions are the persistent flags plus the mode the running command
// declared. Auto and quiet commands never report failures to the user.
type rootOptions struct {
	configPath string
	repoDir    string
	logLevel   string

	auto  bool
	quiet bool

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the CLI and maps the outcome to an exit code: 0 on success,
// and always 0 in auto or quiet mode; 1 otherwise.
func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	o := &rootOptions{stdin: stdin, stdout: stdout, stderr: stderr}
	root := newRootCmd(o)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	if o.auto || o.quiet {
		return 0
	}
	var usage *usageError
	if errors.As(err, &usage) {
		fmt.Fprintf(stderr, "teammem: %v\n", usage.err)
		return 2
	}
	fmt.Fprintf(stderr, "teammem: %s\n", describe(err))
	return 1
}

func newRootCmd(o *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "teammem",
		Short: "Shared team memory from AI coding sessions",
		Long: `teammem captures sessions from AI coding tools (Claude Code, Codex, Cursor),
merges them into one event log and commits small, medium and large memory
documents, encrypted with the team key, into the repository.

Examples:
  # Capture new activity and commit it
  teammem save

  # Print the current-state summary for a new session
  teammem load --size small

  # Pull teammates' memory and rewrite the documents
  teammem sync --regenerate`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.PersistentFlags().StringVar(&o.configPath, "config", "", "config file (default ~/.config/teammem/config.yaml)")
	root.PersistentFlags().StringVarP(&o.repoDir, "repo", "C", "", "repository directory (default current directory)")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")

	root.AddCommand(
		newSaveCmd(o),
		newLoadCmd(o),
		newSyncCmd(o),
		newStatusCmd(o),
		newKeyCmd(o),
		newHookCmd(o),
		newWatchCmd(o),
		newInstallHooksCmd(o),
	)
	return root
}

// usageError marks bad flags or arguments.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }
