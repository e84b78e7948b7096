// Package claudecode extracts session records from Claude Code's
// per-project JSONL transcripts under ~/.claude/projects.
package claudecode

import (
	"context"
	"encoding/json"
	"fmt"
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

// Name is the tool name stamped on Claude Code records.
const Name = "claude-code"

// Extractor reads ~/.claude/projects/<encoded-repo>/*.jsonl.
type Extractor struct {
	projectsDir string
}

// New returns an extractor rooted at projectsDir, or the default location when empty.
func New(projectsDir string) *Extractor {
	if projectsDir == "" {
		projectsDir = DefaultDir()
	}
	return &Extractor{projectsDir: projectsDir}
}

// DefaultDir is ~/.claude/projects.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "projects")
}

func (e *Extractor) Name() string { return Name }

func (e *Extractor) IsInstalled(ctx context.Context) bool {
	info, err := os.Stat(e.projectsDir)
	return err == nil && info.IsDir()
}

func (e *Extractor) IsActive(ctx context.Context, repoRoot string) bool {
	files, err := e.sessionFiles(repoRoot)
	return err == nil && len(files) > 0
}

// WatchPaths is the project directory holding repoRoot's session files.
func (e *Extractor) WatchPaths(repoRoot string) []string {
	return []string{filepath.Join(e.projectsDir, EncodePath(repoRoot))}
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9-]`)

// EncodePath maps a repository path to Claude Code's project directory name.
func EncodePath(repoRoot string) string {
	return unsafePathChars.ReplaceAllString(filepath.Clean(repoRoot), "-")
}

func (e *Extractor) sessionFiles(repoRoot string) ([]string, error) {
	dir := filepath.Join(e.projectsDir, EncodePath(repoRoot))
	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (e *Extractor) Extract(ctx context.Context, repoRoot string, since *time.Time) ([]event.RawRecord, error) {
	log := logging.FromContext(ctx)
	files, err := e.sessionFiles(repoRoot)
	if err != nil {
		return nil, extractor.Wrap(Name, err)
	}

	var records []event.RawRecord
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, extractor.Wrap(Name, err)
		}
		// Transcripts are append-only, so an older mtime means nothing new.
		if info, err := os.Stat(path); err == nil && since != nil && !info.ModTime().After(*since) {
			continue
		}
		session, bad, err := parseFile(path, repoRoot)
		if err != nil {
			log.Warn(ctx, "skipping unreadable transcript", zap.String("file", path), zap.Error(err))
			continue
		}
		if bad > 0 {
			log.Debug(ctx, "malformed transcript lines", zap.String("file", path), zap.Int("lines", bad))
		}
		records = append(records, session.Records(since)...)
	}
	return records, nil
}

type line struct {
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	Timestamp string          `json:"timestamp"`
	IsMeta    bool            `json:"isMeta"`
	Summary   string          `json:"summary"`
	Message   json.RawMessage `json:"message"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type block struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Name  string `json:"name"`
	Input struct {
		FilePath     string `json:"file_path"`
		NotebookPath string `json:"notebook_path"`
	} `json:"input"`
}

// fileTools are the tool_use names whose input names a touched file.
var fileTools = map[string]bool{
	"Edit": true, "MultiEdit": true, "Write": true, "NotebookEdit": true, "Read": true,
}

func parseFile(path, repoRoot string) (*extractor.Session, int, error) {
	session := extractor.NewSession(Name, strings.TrimSuffix(filepath.Base(path), ".jsonl"), repoRoot)
	seq := 0
	bad, err := extractor.ScanJSONL(path, func(raw []byte) error {
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return err
		}
		switch l.Type {
		case "summary":
			session.SetTitle(l.Summary)
			return nil
		case "user", "assistant":
		default:
			return nil
		}
		if l.IsMeta || len(l.Message) == 0 {
			return nil
		}
		// Transcripts are append-only, so a message's position is stable.
		seq++
		sourceID := l.UUID
		if sourceID == "" {
			sourceID = l.Timestamp + "#" + strconv.Itoa(seq)
		}
		var m message
		if err := json.Unmarshal(l.Message, &m); err != nil {
			return fmt.Errorf("message: %w", err)
		}
		text, files := content(m.Content)
		role := m.Role
		if role == "" {
			role = l.Type
		}
		if role == "user" && isCommandNoise(text) {
			text = ""
		}
		session.AddMessage(sourceID, l.Timestamp, role, text, files)
		return nil
	})
	return session, bad, err
}

// content flattens a message body that is either a string or a block list.
func content(raw json.RawMessage) (string, []string) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", nil
	}
	var texts, files []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if t := strings.TrimSpace(b.Text); t != "" {
				texts = append(texts, t)
			}
		case "tool_use":
			if !fileTools[b.Name] {
				continue
			}
			if b.Input.FilePath != "" {
				files = append(files, b.Input.FilePath)
			} else if b.Input.NotebookPath != "" {
				files = append(files, b.Input.NotebookPath)
			}
		}
	}
	return strings.Join(texts, "\n"), files
}

// isCommandNoise matches the slash-command and local-command wrappers Claude
// Code writes as user turns.
func isCommandNoise(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, "<command-") || strings.HasPrefix(t, "<local-command") || strings.HasPrefix(t, "Caveat:")
}

var _ extractor.Extractor = (*Extractor)(nil)
