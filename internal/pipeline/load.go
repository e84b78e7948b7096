package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/teammem/internal/persist"
)

// Output formats for Load.
const (
	FormatPlain = "plain"
	FormatJSON  = "json"
)

// LoadOptions configures Load.
type LoadOptions struct {
	// Size is the tier to load; empty loads medium.
	Size   string
	Format string
}

// Loaded is one decrypted document.
type Loaded struct {
	Size    string `json:"size"`
	Content string `json:"content"`
	// KeyVersion is the key the document was encrypted under; 0 for plaintext.
	KeyVersion int `json:"key_version"`
}

// Load reads one tier from the working tree and decrypts it.
func (s *Service) Load(ctx context.Context, opts LoadOptions) (Loaded, error) {
	size := opts.Size
	if size == "" {
		size = string(persist.Medium)
	}
	tier, err := persist.ParseTier(size)
	if err != nil {
		return Loaded{}, err
	}
	switch opts.Format {
	case "", FormatPlain, FormatJSON:
	default:
		return Loaded{}, fmt.Errorf("unknown format %q (want plain or json)", opts.Format)
	}

	ctx, span := s.tracer.Start(ctx, "teammem.load")
	defer span.End()

	docs, err := s.deps.Repo.ReadDocuments()
	if err != nil {
		return Loaded{}, err
	}
	doc := docs.Get(tier)
	if strings.TrimSpace(doc) == "" {
		return Loaded{}, ErrNoDocument
	}

	text, version, err := s.open(ctx, doc)
	if err != nil {
		return Loaded{}, err
	}
	return Loaded{Size: string(tier), Content: text, KeyVersion: version}, nil
}

// Render formats l for output.
func (l Loaded) Render(format string) (string, error) {
	switch format {
	case "", FormatPlain:
		if strings.HasSuffix(l.Content, "\n") {
			return l.Content, nil
		}
		return l.Content + "\n", nil
	case FormatJSON:
		b, err := json.Marshal(l)
		if err != nil {
			return "", err
		}
		return string(b) + "\n", nil
	default:
		return "", fmt.Errorf("unknown format %q (want plain or json)", format)
	}
}
