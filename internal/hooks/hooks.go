package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fyrsmithlabs/teammem/internal/logging"
	"go.uber.org/zap"
)

// HookType represents different lifecycle hooks
type HookType string

const (
	// HookSessionEnd is called when an AI tool session ends
	HookSessionEnd HookType = "session_end"

	// HookExplicitSave is called when the user asks a tool to save memory
	HookExplicitSave HookType = "explicit_save"

	// HookGitCommit is called from the git post-commit hook
	HookGitCommit HookType = "git_commit"
)

// Types lists every hook type.
var Types = []HookType{HookSessionEnd, HookExplicitSave, HookGitCommit}

// ParseType validates a hook type name. Claude Code event names
// ("SessionEnd", "Stop") are accepted as aliases.
func ParseType(s string) (HookType, error) {
	switch strings.TrimSpace(s) {
	case string(HookSessionEnd), "SessionEnd", "Stop":
		return HookSessionEnd, nil
	case string(HookExplicitSave):
		return HookExplicitSave, nil
	case string(HookGitCommit), "post-commit":
		return HookGitCommit, nil
	}
	return "", fmt.Errorf("unknown hook type %q (want session_end, explicit_save or git_commit)", s)
}

// Payload is what a hook caller tells us. Tools send JSON on stdin; fields
// they do not know are left empty.
type Payload struct {
	SessionID      string `json:"session_id,omitempty"`
	TranscriptPath string `json:"transcript_path,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	Event          string `json:"hook_event_name,omitempty"`
}

// ReadPayload decodes a payload from r. Empty input is not an error.
func ReadPayload(r io.Reader) (Payload, error) {
	var p Payload
	if r == nil {
		return p, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return p, fmt.Errorf("read hook payload: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode hook payload: %w", err)
	}
	return p, nil
}

// HookHandler is a function that handles a hook event
type HookHandler func(ctx context.Context, hookType HookType, payload Payload) error

// HookManager manages lifecycle hooks
type HookManager struct {
	config   *Config
	handlers map[HookType][]HookHandler
}

// NewHookManager creates a new hook manager
func NewHookManager(config *Config) *HookManager {
	if config == nil {
		config = DefaultConfig()
	}
	return &HookManager{
		config:   config,
		handlers: make(map[HookType][]HookHandler),
	}
}

// RegisterHandler registers a handler for a hook type
func (h *HookManager) RegisterHandler(hookType HookType, handler HookHandler) {
	h.handlers[hookType] = append(h.handlers[hookType], handler)
}

// Execute runs every handler for hookType. Disabled hooks are skipped.
// All handlers run; their errors are joined.
func (h *HookManager) Execute(ctx context.Context, hookType HookType, payload Payload) error {
	log := logging.FromContext(ctx)
	if !h.config.Enabled(hookType) {
		log.Debug(ctx, "hook disabled", zap.String("hook", string(hookType)))
		return nil
	}
	handlers, ok := h.handlers[hookType]
	if !ok {
		// No handlers registered - not an error
		return nil
	}

	var errs []error
	for _, handler := range handlers {
		if err := handler(ctx, hookType, payload); err != nil {
			errs = append(errs, fmt.Errorf("hook %s failed: %w", hookType, err))
		}
	}
	return errors.Join(errs...)
}

// Config returns the hook configuration
func (h *HookManager) Config() *Config {
	return h.config
}
