package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fyrsmithlabs/teammem/internal/extractor"
	"github.com/fyrsmithlabs/teammem/internal/hooks"
	"github.com/fyrsmithlabs/teammem/internal/logging"
	"github.com/fyrsmithlabs/teammem/internal/pipeline"
	"github.com/fyrsmithlabs/teammem/internal/watch"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newHookCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hook <session_end|explicit_save|git_commit>",
		Short: "Entry point for AI tool and git hooks",
		Long: `Run a lifecycle hook. Hooks read an optional JSON payload on stdin (the
Claude Code hook format); its cwd selects the repository when --repo is not
given. Hooks always run in auto mode: they never print and never fail the
calling tool.

Claude Code settings.json:
  "hooks": {"SessionEnd": [{"hooks": [{"type": "command", "command": "teammem hook session_end"}]}]}`,
		Args: cobra.ExactArgs(1),
		PreRun: func(*cobra.Command, []string) {
			o.auto, o.quiet = true, true
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			hookType, err := hooks.ParseType(args[0])
			if err != nil {
				return err
			}
			payload, err := hooks.ReadPayload(o.stdin)
			if err != nil {
				return err
			}
			if o.repoDir == "" && payload.Cwd != "" {
				o.repoDir = payload.Cwd
			}
			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				mgr := hooks.NewHookManager(hooks.FromSettings(a.cfg.Hooks))
				for _, t := range hooks.Types {
					mgr.RegisterHandler(t, saveHandler(a))
				}
				return mgr.Execute(ctx, hookType, payload)
			})
		},
	}
}

// saveHandler runs an automatic save for any hook.
func saveHandler(a *app) hooks.HookHandler {
	return func(ctx context.Context, hookType hooks.HookType, payload hooks.Payload) error {
		ctx = logging.WithTool(ctx, string(hookType))
		res, err := a.svc.Save(ctx, pipeline.SaveOptions{Auto: true, Quiet: true})
		if err != nil {
			return err
		}
		logging.FromContext(ctx).Debug(ctx, "hook save finished",
			zap.String("session_id", payload.SessionID),
			zap.Bool("committed", res.Committed),
			zap.Bool("noop", res.Noop))
		return nil
	}
}

func newWatchCmd(o *rootOptions) *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Save automatically after commits and AI tool activity",
		Long: `Watch the repository for new commits, and AI tool session storage for new
activity, and run an automatic save once activity settles. Runs until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				gitDir, err := a.repo.GitDir()
				if err != nil {
					return err
				}
				opts := watch.Options{Debounce: a.cfg.Watch.Debounce.Duration()}
				if debounce > 0 {
					opts.Debounce = debounce
				}
				if a.cfg.Watch.Sessions {
					for _, e := range a.registry.Entries() {
						if w, ok := e.Extractor.(extractor.Watchable); ok {
							opts.SessionDirs = append(opts.SessionDirs, w.WatchPaths(a.repo.Root())...)
						}
					}
				}

				w, err := watch.New(gitDir, opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(o.stderr, "Watching %s (Ctrl-C to stop)\n", a.repo.Root())
				return w.Run(ctx, func(ctx context.Context, reason watch.Trigger) error {
					ctx = logging.WithTool(ctx, reason.String())
					res, err := a.svc.Save(ctx, pipeline.SaveOptions{Auto: true})
					if err != nil {
						return err
					}
					if res.Committed {
						printResult(o.stdout, "save", res)
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "quiet period before saving (default from watch.debounce)")
	return cmd
}

func newInstallHooksCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install-hooks",
		Short: "Install the git post-commit hook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				gitDir, err := a.repo.GitDir()
				if err != nil {
					return err
				}
				binary, err := os.Executable()
				if err != nil {
					binary = "teammem"
				}
				changed, err := hooks.InstallGitHook(gitDir, binary)
				if err != nil {
					return err
				}
				if changed {
					fmt.Fprintln(o.stdout, "Installed post-commit hook")
				} else {
					fmt.Fprintln(o.stdout, "post-commit hook already installed")
				}
				return nil
			})
		},
	}
}
