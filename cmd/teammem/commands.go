package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fyrsmithlabs/teammem/internal/pipeline"
	"github.com/spf13/cobra"
)

// withApp builds the app for a command and tears it down afterwards.
func withApp(cmd *cobra.Command, o *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx, a, err := newApp(cmd.Context(), o)
	if err != nil {
		return err
	}
	defer a.close(ctx)
	return fn(ctx, a)
}

func newSaveCmd(o *rootOptions) *cobra.Command {
	var auto, quiet bool
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Capture new session activity and commit it",
		Long: `Extract new activity from every active AI tool, merge it into the team's
event log, regenerate the memory documents and commit them.

With --auto (used by hooks) a save with nothing new does nothing, and
failures never produce output or a non-zero exit code.

Examples:
  # Save interactively
  teammem save

  # Save from a hook
  teammem save --auto --quiet`,
		Args: cobra.NoArgs,
		PreRun: func(*cobra.Command, []string) {
			o.auto, o.quiet = auto, quiet || auto
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				res, err := a.svc.Save(ctx, pipeline.SaveOptions{Auto: auto, Quiet: o.quiet})
				if err != nil {
					return err
				}
				if !o.quiet {
					printResult(o.stdout, "save", res)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&auto, "auto", false, "hook mode: no-op without new events, never fail")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "print nothing")
	return cmd
}

func newSyncCmd(o *rootOptions) *cobra.Command {
	var regenerate, quiet bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull teammates' memory and merge it locally",
		Long: `Fetch the remote, merge the team's event log into the local shadow store and
rewrite the documents when the merged log differs.

--regenerate rewrites every document under the current key even when
nothing changed.`,
		Args: cobra.NoArgs,
		PreRun: func(*cobra.Command, []string) {
			o.quiet = quiet
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				res, err := a.svc.Sync(ctx, pipeline.SyncOptions{Regenerate: regenerate, Quiet: quiet})
				if err != nil {
					return err
				}
				if !quiet {
					printResult(o.stdout, "sync", res)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&regenerate, "regenerate", false, "rewrite all documents under the current key")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "print nothing")
	return cmd
}

func newLoadCmd(o *rootOptions) *cobra.Command {
	var size, format string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Print a decrypted memory document",
		Long: `Print one memory document, decrypted, to stdout.

Sizes:
  small  - current state: recent decisions, fixes and sessions
  medium - history of the recent window grouped by day
  large  - the full event log

Examples:
  # Inject the current state into a new session
  teammem load --size small --quiet

  # Machine-readable output
  teammem load --size large --format json`,
		Args: cobra.NoArgs,
		PreRunE: func(*cobra.Command, []string) error {
			o.quiet = quiet
			switch format {
			case pipeline.FormatPlain, pipeline.FormatJSON:
				return nil
			}
			return &usageError{err: fmt.Errorf("--format must be plain or json, got %q", format)}
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				doc, err := a.svc.Load(ctx, pipeline.LoadOptions{Size: size, Format: format})
				if err != nil {
					return err
				}
				out, err := doc.Render(format)
				if err != nil {
					return err
				}
				_, err = io.WriteString(o.stdout, out)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&size, "size", "medium", "document size: small, medium or large")
	cmd.Flags().StringVar(&format, "format", pipeline.FormatPlain, "output format: plain or json")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "print nothing on failure")
	return cmd
}

func newStatusCmd(o *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show extractors, checkpoints and document key versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				st, err := a.svc.Status(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return outputJSON(o.stdout, st)
				}
				printStatus(o.stdout, st)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output results as JSON")
	return cmd
}

func newKeyCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the team encryption key",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Create a new key version and re-encrypt the documents (admins only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				version, res, err := a.svc.RotateKey(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(o.stdout, "Rotated team key to version %d\n", version)
				printResult(o.stdout, "re-encrypt", res)
				return nil
			})
		},
	}, &cobra.Command{
		Use:   "reencrypt",
		Short: "Rewrite the documents under the current key version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				res, err := a.svc.ReEncrypt(ctx)
				if err != nil {
					return err
				}
				printResult(o.stdout, "re-encrypt", res)
				return nil
			})
		},
	})
	return cmd
}

func printResult(w io.Writer, op string, res pipeline.SaveResult) {
	switch {
	case res.Noop:
		fmt.Fprintln(w, "Nothing new to save")
		return
	case res.Pushed:
		fmt.Fprintf(w, "%s: committed and pushed team memory", op)
	case res.Committed:
		fmt.Fprintf(w, "%s: committed team memory (not pushed)", op)
	default:
		fmt.Fprintf(w, "%s: team memory already up to date", op)
	}
	fmt.Fprintf(w, " (%d new events, %d added, %d updated)\n", res.NewEvents, res.Added, res.Updated)
	if res.Detached {
		fmt.Fprintln(w, "note: your branch has unpushed commits; memory was pushed on top of the remote branch, pull to bring it in")
	}
	for _, f := range res.Failures {
		fmt.Fprintf(w, "warning: %s could not be read: %v\n", f.Tool, f.Err)
	}
}

func printStatus(w io.Writer, st pipeline.Status) {
	fmt.Fprintf(w, "Repository: %s\n", st.Repo)
	fmt.Fprintf(w, "Project:    %s\n", st.Project)
	switch {
	case !st.Encryption:
		fmt.Fprintln(w, "Encryption: off")
	case st.KeyVersion == 0:
		fmt.Fprintln(w, "Encryption: on (key service unavailable)")
	default:
		fmt.Fprintf(w, "Encryption: on (key version %d)\n", st.KeyVersion)
	}
	fmt.Fprintf(w, "Local log:  %d events\n\n", st.ShadowEvents)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tINSTALLED\tACTIVE\tLAST EVENT")
	for _, t := range st.Tools {
		last := "-"
		if t.LastTS != nil {
			last = t.LastTS.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Name, yesNo(t.Installed), yesNo(t.Active), last)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "DOCUMENT\tPRESENT\tENCRYPTED\tKEY VERSION")
	for _, d := range st.Documents {
		version := "-"
		if d.KeyVersion > 0 {
			version = fmt.Sprint(d.KeyVersion)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Size, yesNo(d.Present), yesNo(d.Encrypted), version)
	}
	_ = tw.Flush()

	if st.NeedsReencrypt {
		fmt.Fprintln(w, "\nDocuments use an older key; run `teammem key reencrypt`.")
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// outputJSON writes v as indented JSON
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
