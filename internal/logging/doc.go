// Package logging provides structured logging for teammem.
//
// Logger wraps Zap with context-aware methods so every line carries the
// correlation fields stored on the context (trace_id, sync.id, repo, tool).
// Output goes to stderr because stdout belongs to command output such as
// `teammem load`. A redacting encoder masks fields whose names look like
// credentials (key_material, token, api_key...), and an optional OTel log
// bridge forwards records when the host installs a LoggerProvider.
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	ctx = logging.WithSyncID(ctx, runID)
//	logger.Info(ctx, "memory saved", zap.Int("events", n))
//
// Tests use NewTestLogger, which records entries with zaptest/observer.
package logging
