// Package codex extracts session records from Codex CLI rollout files,
// ~/.codex/sessions/YYYY/MM/DD/rollout-*.jsonl. Only sessions whose
// recorded working directory lies inside the repository are read.
package codex

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/teammem/internal/event"
	"github.com/fyrsmithlabs/teammem/internal/extractor"
	"github.com/fyrsmithlabs/teammem/internal/logging"
	"go.uber.org/zap"
)

// Name is the tool name stamped on Codex records.
const Name = "codex"

// Extractor walks the Codex sessions tree.
type Extractor struct {
	sessionsDir string
}

// New returns an extractor rooted at sessionsDir, or the default when empty.
func New(sessionsDir string) *Extractor {
	if sessionsDir == "" {
		sessionsDir = DefaultDir()
	}
	return &Extractor{sessionsDir: sessionsDir}
}

// DefaultDir is $CODEX_HOME/sessions, falling back to ~/.codex/sessions.
func DefaultDir() string {
	if h := os.Getenv("CODEX_HOME"); h != "" {
		return filepath.Join(h, "sessions")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".codex", "sessions")
}

func (e *Extractor) Name() string { return Name }

func (e *Extractor) IsInstalled(ctx context.Context) bool {
	info, err := os.Stat(e.sessionsDir)
	return err == nil && info.IsDir()
}

// WatchPaths is today's rollout directory. Rollouts are appended in place,
// so a running session shows up there.
func (e *Extractor) WatchPaths(string) []string {
	return []string{filepath.Join(e.sessionsDir, time.Now().Format("2006/01/02"))}
}

func (e *Extractor) IsActive(ctx context.Context, repoRoot string) bool {
	files, err := e.rollouts()
	if err != nil {
		return false
	}
	for _, f := range files {
		if ctx.Err() != nil {
			return false
		}
		if meta, err := readMeta(f); err == nil && extractor.Within(repoRoot, meta.Cwd) {
			return true
		}
	}
	return false
}

func (e *Extractor) rollouts() ([]string, error) {
	var files []string
	err := filepath.WalkDir(e.sessionsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if !d.IsDir() && strings.HasPrefix(d.Name(), "rollout-") && strings.HasSuffix(d.Name(), ".jsonl") {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

func (e *Extractor) Extract(ctx context.Context, repoRoot string, since *time.Time) ([]event.RawRecord, error) {
	log := logging.FromContext(ctx)
	files, err := e.rollouts()
	if err != nil {
		return nil, extractor.Wrap(Name, err)
	}

	var records []event.RawRecord
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, extractor.Wrap(Name, err)
		}
		if info, err := os.Stat(path); err == nil && since != nil && !info.ModTime().After(*since) {
			continue
		}
		meta, err := readMeta(path)
		if err != nil || !extractor.Within(repoRoot, meta.Cwd) {
			continue
		}
		session, bad, err := parseRollout(path, meta, repoRoot)
		if err != nil {
			log.Warn(ctx, "skipping unreadable rollout", zap.String("file", path), zap.Error(err))
			continue
		}
		if bad > 0 {
			log.Debug(ctx, "malformed rollout lines", zap.String("file", path), zap.Int("lines", bad))
		}
		records = append(records, session.Records(since)...)
	}
	return records, nil
}

// item is one rollout line. Current rollouts wrap items as
// {"timestamp","type","payload"}; early ones wrote the payload bare.
type item struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type sessionMeta struct {
	ID        string `json:"id"`
	Cwd       string `json:"cwd"`
	Timestamp string `json:"timestamp"`
}

type responseItem struct {
	Type      string `json:"type"`
	Role      string `json:"role"`
	ID        string `json:"id"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Input     string `json:"input"`
	Content   []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

var errNoMeta = errors.New("rollout has no session_meta")

// readMeta reads the session_meta line, which Codex writes first.
func readMeta(path string) (sessionMeta, error) {
	var meta sessionMeta
	found := false
	_, err := extractor.ScanJSONL(path, func(raw []byte) error {
		if found {
			return nil
		}
		var it item
		if err := json.Unmarshal(raw, &it); err != nil {
			return err
		}
		if it.Type == "session_meta" && len(it.Payload) > 0 {
			if err := json.Unmarshal(it.Payload, &meta); err != nil {
				return err
			}
			found = true
		}
		return nil
	})
	if err != nil {
		return meta, err
	}
	if !found {
		return meta, errNoMeta
	}
	return meta, nil
}

var patchFile = regexp.MustCompile(`(?m)^\*\*\* (?:Add|Update|Delete) File: (.+)$`)

func parseRollout(path string, meta sessionMeta, repoRoot string) (*extractor.Session, int, error) {
	id := meta.ID
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(path), ".jsonl")
	}
	session := extractor.NewSession(Name, id, repoRoot)
	seq := 0

	bad, err := extractor.ScanJSONL(path, func(raw []byte) error {
		var it item
		if err := json.Unmarshal(raw, &it); err != nil {
			return err
		}
		if it.Type != "response_item" || len(it.Payload) == 0 {
			return nil
		}
		var ri responseItem
		if err := json.Unmarshal(it.Payload, &ri); err != nil {
			return err
		}
		seq++
		sourceID := firstNonEmpty(ri.ID, ri.CallID, it.Timestamp+"#"+strconv.Itoa(seq))

		switch ri.Type {
		case "message":
			var texts []string
			for _, c := range ri.Content {
				if t := strings.TrimSpace(c.Text); t != "" && !isEnvironmentContext(t) {
					texts = append(texts, t)
				}
			}
			session.AddMessage(sourceID, it.Timestamp, ri.Role, strings.Join(texts, "\n"), nil)
		case "function_call", "custom_tool_call":
			body := ri.Arguments + "\n" + ri.Input
			var files []string
			for _, m := range patchFile.FindAllStringSubmatch(body, -1) {
				files = append(files, resolve(meta.Cwd, strings.TrimSpace(m[1])))
			}
			session.AddFiles(files...)
			if ts, err := event.ParseTimestamp(it.Timestamp); err == nil {
				session.Touch(ts)
			}
		}
		return nil
	})
	return session, bad, err
}

// isEnvironmentContext matches the injected <environment_context> and
// <user_instructions> turns Codex records as user messages.
func isEnvironmentContext(t string) bool {
	return strings.HasPrefix(t, "<environment_context>") || strings.HasPrefix(t, "<user_instructions>")
}

func resolve(cwd, p string) string {
	if filepath.IsAbs(p) || cwd == "" {
		return p
	}
	return filepath.Join(cwd, p)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
