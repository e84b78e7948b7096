// Package cursor extracts composer conversations from Cursor's SQLite
// state. Each workspace's state.vscdb lists the composer ids opened in that
// folder; the conversations themselves live in the global state.vscdb
// under cursorDiskKV keys composerData:<id> and bubbleId:<id>:<bubble>.
// Both databases are opened read-only.
package cursor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/teammem/internal/event"
	"github.com/fyrsmithlabs/teammem/internal/extractor"
	"github.com/fyrsmithlabs/teammem/internal/logging"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Name is the tool name stamped on Cursor records.
const Name = "cursor"

// Extractor reads Cursor's global and workspace state databases.
type Extractor struct {
	globalDB     string
	workspaceDir string
}

// New returns an extractor for the global state.vscdb at globalDB, or the
// platform default when empty. Workspace storage is its sibling directory.
func New(globalDB string) *Extractor {
	if globalDB == "" {
		globalDB = DefaultDB()
	}
	userDir := filepath.Dir(filepath.Dir(globalDB))
	return &Extractor{globalDB: globalDB, workspaceDir: filepath.Join(userDir, "workspaceStorage")}
}

// DefaultDB is Cursor's User/globalStorage/state.vscdb for this platform.
func DefaultDB() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	var base string
	switch runtime.GOOS {
	case "darwin":
		base = filepath.Join(home, "Library", "Application Support", "Cursor")
	case "windows":
		base = filepath.Join(os.Getenv("APPDATA"), "Cursor")
	default:
		base = filepath.Join(home, ".config", "Cursor")
	}
	return filepath.Join(base, "User", "globalStorage", "state.vscdb")
}

func (e *Extractor) Name() string { return Name }

func (e *Extractor) IsInstalled(ctx context.Context) bool {
	_, err := os.Stat(e.globalDB)
	return err == nil
}

// WatchPaths is the global storage directory; Cursor writes its WAL there.
func (e *Extractor) WatchPaths(string) []string {
	return []string{filepath.Dir(e.globalDB)}
}

func (e *Extractor) IsActive(ctx context.Context, repoRoot string) bool {
	ids, err := e.composerIDs(ctx, repoRoot)
	return err == nil && len(ids) > 0
}

// openReadOnly opens a state database without taking write locks; Cursor
// may hold it open while we read.
func openReadOnly(path string) (*sql.DB, error) {
	dsn := "file:" + (&url.URL{Path: path}).EscapedPath() + "?mode=ro&_query_only=true"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

// workspaceFor finds the workspaceStorage entry whose folder is repoRoot.
func (e *Extractor) workspaceFor(repoRoot string) (string, error) {
	entries, err := os.ReadDir(e.workspaceDir)
	if err != nil {
		return "", err
	}
	want := filepath.Clean(repoRoot)
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(e.workspaceDir, ent.Name(), "workspace.json"))
		if err != nil {
			continue
		}
		var ws struct {
			Folder string `json:"folder"`
		}
		if json.Unmarshal(raw, &ws) != nil || ws.Folder == "" {
			continue
		}
		u, err := url.Parse(ws.Folder)
		if err != nil || u.Scheme != "file" {
			continue
		}
		if filepath.Clean(u.Path) == want {
			return filepath.Join(e.workspaceDir, ent.Name(), "state.vscdb"), nil
		}
	}
	return "", os.ErrNotExist
}

func (e *Extractor) composerIDs(ctx context.Context, repoRoot string) ([]string, error) {
	wsDB, err := e.workspaceFor(repoRoot)
	if err != nil {
		return nil, err
	}
	db, err := openReadOnly(wsDB)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var raw []byte
	err = db.QueryRowContext(ctx, `SELECT value FROM ItemTable WHERE key = 'composer.composerData'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace composers: %w", err)
	}
	var data struct {
		AllComposers []struct {
			ComposerID string `json:"composerId"`
		} `json:"allComposers"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode workspace composers: %w", err)
	}
	ids := make([]string, 0, len(data.AllComposers))
	for _, c := range data.AllComposers {
		if c.ComposerID != "" {
			ids = append(ids, c.ComposerID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type composer struct {
	ComposerID    string   `json:"composerId"`
	Name          string   `json:"name"`
	CreatedAt     int64    `json:"createdAt"`
	LastUpdatedAt int64    `json:"lastUpdatedAt"`
	Conversation  []bubble `json:"conversation"`
	Headers       []struct {
		BubbleID string `json:"bubbleId"`
	} `json:"fullConversationHeadersOnly"`
}

// bubble types: 1 = user, 2 = assistant.
type bubble struct {
	BubbleID      string   `json:"bubbleId"`
	Type          int      `json:"type"`
	Text          string   `json:"text"`
	CreatedAt     string   `json:"createdAt"`
	RelevantFiles []string `json:"relevantFiles"`
	TimingInfo    struct {
		ClientStartTime float64 `json:"clientStartTime"`
	} `json:"timingInfo"`
}

func (b bubble) timestamp() string {
	if b.CreatedAt != "" {
		return b.CreatedAt
	}
	if b.TimingInfo.ClientStartTime > 0 {
		return strconv.FormatInt(int64(b.TimingInfo.ClientStartTime), 10)
	}
	return ""
}

func (e *Extractor) Extract(ctx context.Context, repoRoot string, since *time.Time) ([]event.RawRecord, error) {
	ids, err := e.composerIDs(ctx, repoRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, extractor.Wrap(Name, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	db, err := openReadOnly(e.globalDB)
	if err != nil {
		return nil, extractor.Wrap(Name, err)
	}
	defer db.Close()

	log := logging.FromContext(ctx)
	var records []event.RawRecord
	for _, id := range ids {
		c, err := loadComposer(ctx, db, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if ctx.Err() != nil {
				return nil, extractor.Wrap(Name, ctx.Err())
			}
			log.Warn(ctx, "skipping unreadable composer", zap.String("composer", id), zap.Error(err))
			continue
		}
		if since != nil && c.LastUpdatedAt > 0 && !time.UnixMilli(c.LastUpdatedAt).After(*since) {
			continue
		}

		session := extractor.NewSession(Name, id, repoRoot)
		session.SetTitle(c.Name)
		if c.LastUpdatedAt > 0 {
			session.Touch(time.UnixMilli(c.LastUpdatedAt).UTC())
		} else if c.CreatedAt > 0 {
			session.Touch(time.UnixMilli(c.CreatedAt).UTC())
		}
		for _, b := range c.Conversation {
			role := "assistant"
			if b.Type == 1 {
				role = "user"
			}
			session.AddMessage(b.BubbleID, b.timestamp(), role, b.Text, b.RelevantFiles)
		}
		records = append(records, session.Records(since)...)
	}
	return records, nil
}

// loadComposer reads composerData:<id>. Newer Cursor builds store only
// bubble headers inline; their bodies are fetched from bubbleId keys.
func loadComposer(ctx context.Context, db *sql.DB, id string) (*composer, error) {
	var raw []byte
	if err := db.QueryRowContext(ctx, `SELECT value FROM cursorDiskKV WHERE key = ?`, "composerData:"+id).Scan(&raw); err != nil {
		return nil, err
	}
	var c composer
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode composer: %w", err)
	}
	if len(c.Conversation) > 0 || len(c.Headers) == 0 {
		return &c, nil
	}

	rows, err := db.QueryContext(ctx, `SELECT key, value FROM cursorDiskKV WHERE key LIKE ?`, "bubbleId:"+id+":%")
	if err != nil {
		return nil, fmt.Errorf("query bubbles: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]bubble, len(c.Headers))
	for rows.Next() {
		var key string
		var val []byte
		if err := rows.Scan(&key, &val); err != nil {
			return nil, err
		}
		var b bubble
		if json.Unmarshal(val, &b) != nil {
			continue
		}
		if b.BubbleID == "" {
			b.BubbleID = key[len("bubbleId:"+id+":"):]
		}
		byID[b.BubbleID] = b
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, h := range c.Headers {
		if b, ok := byID[h.BubbleID]; ok {
			c.Conversation = append(c.Conversation, b)
		}
	}
	return &c, nil
}

var _ extractor.Extractor = (*Extractor)(nil)
