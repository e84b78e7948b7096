package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fyrsmithlabs/teammem/internal/config"
	"github.com/fyrsmithlabs/teammem/internal/crypto"
	"github.com/fyrsmithlabs/teammem/internal/extractor"
	"github.com/fyrsmithlabs/teammem/internal/extractor/claudecode"
	"github.com/fyrsmithlabs/teammem/internal/extractor/codex"
	"github.com/fyrsmithlabs/teammem/internal/extractor/cursor"
	"github.com/fyrsmithlabs/teammem/internal/identity"
	"github.com/fyrsmithlabs/teammem/internal/logging"
	"github.com/fyrsmithlabs/teammem/internal/merge"
	"github.com/fyrsmithlabs/teammem/internal/metrics"
	"github.com/fyrsmithlabs/teammem/internal/normalize"
	"github.com/fyrsmithlabs/teammem/internal/persist"
	"github.com/fyrsmithlabs/teammem/internal/pipeline"
	"github.com/fyrsmithlabs/teammem/internal/registry"
	"github.com/fyrsmithlabs/teammem/internal/secrets"
	"github.com/fyrsmithlabs/teammem/internal/state"
	"github.com/fyrsmithlabs/teammem/internal/summarize"
	"github.com/fyrsmithlabs/teammem/internal/telemetry"
	"go.uber.org/zap"
)

// app is everything one command needs, wired from configuration.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	metrics  *metrics.Metrics
	repo     *persist.Repository
	store    *state.Store
	keys     *crypto.Manager
	registry *registry.Registry
	svc      *pipeline.Service
	tel      *telemetry.Telemetry
}

// newApp loads configuration for the repository enclosing o.repoDir and
// builds the pipeline. The returned context carries the logger.
func newApp(ctx context.Context, o *rootOptions) (context.Context, *app, error) {
	dir := o.repoDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return ctx, nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		dir = wd
	}

	// Locate the root first; the repo-local config may move the memory dir.
	located, err := persist.Open(dir, ".teammem")
	if err != nil {
		return ctx, nil, err
	}
	root := located.Root()

	cfg, err := config.Load(config.LoadOptions{ConfigPath: o.configPath, RepoRoot: root})
	if err != nil {
		return ctx, nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.Log.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	logCfg, err := logging.ConfigFromSettings(level, cfg.Log.Format, o.quiet)
	if err != nil {
		return ctx, nil, err
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return ctx, nil, fmt.Errorf("create logger: %w", err)
	}
	ctx = logging.WithLogger(ctx, logger)

	a := &app{cfg: cfg, log: logger, metrics: metrics.Default()}
	a.tel, err = telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		a.close(ctx)
		return ctx, nil, err
	}
	if reason, degraded := a.tel.Degraded(); degraded {
		logger.Warn(ctx, "trace export disabled", zap.String("reason", reason))
	}
	if err := a.wire(ctx, root); err != nil {
		a.close(ctx)
		return ctx, nil, err
	}
	return ctx, a, nil
}

func (a *app) wire(ctx context.Context, root string) error {
	cfg := a.cfg

	repo, err := persist.Open(root, cfg.Memory.Dir)
	if err != nil {
		return err
	}
	a.repo = repo

	allow, err := secrets.LoadRepoAllowlist(root)
	if err != nil {
		return err
	}
	scrubber, err := secrets.New(secrets.Options{
		Enabled:   cfg.Secrets.Enabled,
		Gitleaks:  cfg.Secrets.Gitleaks,
		Allowlist: allow,
	})
	if err != nil {
		return fmt.Errorf("secret scrubber: %w", err)
	}

	entries, err := extractorEntries(cfg.Extractors)
	if err != nil {
		return err
	}
	user := identity.User(root, cfg.Identity.User)
	a.registry = registry.New(normalize.New(user, scrubber), a.metrics, entries...)

	primary, err := summarize.NewFromConfig(cfg.Summarizer)
	if err != nil {
		return fmt.Errorf("summarizer: %w", err)
	}

	provider, err := crypto.NewProvider(cfg.Keys)
	if err != nil {
		return fmt.Errorf("key provider: %w", err)
	}
	if provider != nil {
		a.keys = crypto.NewManager(provider)
	}

	gitDir, err := repo.GitDir()
	if err != nil {
		return fmt.Errorf("locate git directory: %w", err)
	}
	a.store, err = state.Open(state.DBPath(gitDir))
	if err != nil {
		return err
	}

	syncer := persist.NewSyncer(repo, persist.SyncOptions{
		Remote:      cfg.Sync.Remote,
		Branch:      cfg.Sync.Branch,
		Push:        cfg.Sync.Push,
		MaxRetries:  cfg.Sync.MaxRetries,
		Timeout:     cfg.Sync.Timeout.Duration(),
		AuthorName:  cfg.Sync.AuthorName,
		AuthorEmail: cfg.Sync.AuthorEmail,
	}, a.metrics)

	a.svc, err = pipeline.New(pipeline.Deps{
		Registry:   a.registry,
		Engine:     merge.Engine{WindowSize: cfg.Memory.WindowSize, MaxLogEvents: cfg.Memory.MaxLogEvents},
		Summarizer: &summarize.Fallback{Primary: primary, Metrics: a.metrics},
		Keys:       a.keys,
		Repo:       repo,
		Syncer:     syncer,
		State:      a.store,
		Project:    identity.ProjectName(root),
		Metrics:    a.metrics,
	})
	if err != nil {
		return err
	}

	a.log.Debug(ctx, "configured",
		zap.String("repo", root),
		zap.String("user", user),
		zap.Int("extractors", len(entries)),
		zap.String("summarizer", cfg.Summarizer.Backend),
		logging.Secret("summarizer.api_key", cfg.Summarizer.APIKey),
		zap.Any("sync.timeout", cfg.Sync.Timeout),
		zap.Bool("encryption", a.keys != nil))
	return nil
}

// close releases resources and exports metrics.
func (a *app) close(ctx context.Context) {
	if a.cfg != nil {
		if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
			a.log.Warn(ctx, "metrics export failed", zap.Error(err))
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.keys != nil {
		a.keys.Close()
	}
	if err := a.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		a.log.Warn(ctx, "trace flush failed", zap.Error(err))
	}
	_ = a.log.Sync()
}

// extractorEntries builds the enabled extractors. Their order in the
// enabled list is their priority.
func extractorEntries(cfg config.ExtractorsConfig) ([]registry.Entry, error) {
	available := map[string]extractor.Extractor{
		claudecode.Name: claudecode.New(cfg.ClaudeDir),
		codex.Name:      codex.New(cfg.CodexDir),
		cursor.Name:     cursor.New(cfg.CursorDB),
	}
	enabled := cfg.Enabled
	if len(enabled) == 0 {
		enabled = []string{claudecode.Name, codex.Name, cursor.Name}
	}

	entries := make([]registry.Entry, 0, len(enabled))
	for i, name := range enabled {
		x, ok := available[name]
		if !ok {
			return nil, fmt.Errorf("unknown extractor %q in extractors.enabled", name)
		}
		entries = append(entries, registry.Entry{Extractor: x, Priority: i})
	}
	return registry.Select(entries, enabled), nil
}
