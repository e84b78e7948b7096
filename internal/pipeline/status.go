package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/teammem/internal/crypto"
	"github.com/fyrsmithlabs/teammem/internal/logging"
	"github.com/fyrsmithlabs/teammem/internal/persist"
	"go.uber.org/zap"
)

// ToolStatus describes one registered extractor.
type ToolStatus struct {
	Name      string     `json:"name"`
	Installed bool       `json:"installed"`
	Active    bool       `json:"active"`
	LastTS    *time.Time `json:"last_ts,omitempty"`
}

// DocumentStatus describes one stored tier.
type DocumentStatus struct {
	Size       string `json:"size"`
	Present    bool   `json:"present"`
	Encrypted  bool   `json:"encrypted"`
	KeyVersion int    `json:"key_version,omitempty"`
}

// Status is a snapshot of the local setup.
type Status struct {
	Repo       string           `json:"repo"`
	Project    string           `json:"project"`
	Tools      []ToolStatus     `json:"tools"`
	Documents  []DocumentStatus `json:"documents"`
	Encryption bool             `json:"encryption"`
	// KeyVersion is the team's current key; 0 when encryption is off or the
	// key service is unreachable.
	KeyVersion     int  `json:"key_version,omitempty"`
	NeedsReencrypt bool `json:"needs_reencrypt"`
	ShadowEvents   int  `json:"shadow_events"`
}

// Status reports extractors, checkpoints and document key versions. Key
// service failures are logged and leave KeyVersion unset.
func (s *Service) Status(ctx context.Context) (Status, error) {
	st := Status{Repo: s.deps.Repo.Root(), Project: s.deps.Project, Encryption: s.Encrypted()}

	cps, err := s.deps.State.Checkpoints(ctx)
	if err != nil {
		return st, err
	}
	shadow, err := s.deps.State.Events(ctx)
	if err != nil {
		return st, err
	}
	st.ShadowEvents = len(shadow)

	installed := map[string]bool{}
	for _, x := range s.deps.Registry.Installed(ctx) {
		installed[x.Name()] = true
	}
	active := map[string]bool{}
	for _, x := range s.deps.Registry.Active(ctx, s.deps.Repo.Root()) {
		active[x.Name()] = true
	}
	for _, e := range s.deps.Registry.Entries() {
		name := e.Extractor.Name()
		st.Tools = append(st.Tools, ToolStatus{
			Name:      name,
			Installed: installed[name],
			Active:    active[name],
			LastTS:    cps.Since(name),
		})
	}

	docs, err := s.deps.Repo.ReadDocuments()
	if err != nil {
		return st, err
	}
	var envs []crypto.Envelope
	for _, t := range persist.Tiers {
		ds := DocumentStatus{Size: string(t)}
		doc := docs.Get(t)
		if doc != "" {
			ds.Present = true
			if env, err := crypto.ParseEnvelope(doc); err == nil {
				ds.Encrypted = true
				ds.KeyVersion = env.Version
				envs = append(envs, env)
			} else if s.Encrypted() {
				st.NeedsReencrypt = true
			}
		}
		st.Documents = append(st.Documents, ds)
	}

	if s.deps.Keys == nil {
		return st, nil
	}
	log := logging.FromContext(ctx)
	v, err := s.deps.Keys.Current(ctx)
	if err != nil {
		log.Warn(ctx, "key service unavailable", zap.Error(err))
		return st, nil
	}
	st.KeyVersion = v
	needs, err := s.deps.Keys.NeedsReencrypt(ctx, envs)
	if err != nil {
		log.Warn(ctx, "could not compare document key versions", zap.Error(err))
		return st, nil
	}
	st.NeedsReencrypt = st.NeedsReencrypt || needs
	return st, nil
}

// RotateKey creates a new team key version and rewrites every tier under
// it. Only admins may rotate.
func (s *Service) RotateKey(ctx context.Context) (int, SaveResult, error) {
	if s.deps.Keys == nil {
		return 0, SaveResult{}, errors.New("encryption is disabled (keys.provider is none)")
	}
	version, err := s.deps.Keys.Rotate(ctx)
	if err != nil {
		return 0, SaveResult{}, err
	}
	logging.FromContext(ctx).Info(ctx, "rotated team key", zap.Int("key_version", version))
	res, err := s.ReEncrypt(ctx)
	return version, res, err
}

// ReEncrypt rewrites every tier under the current key.
func (s *Service) ReEncrypt(ctx context.Context) (SaveResult, error) {
	if s.deps.Keys == nil {
		return SaveResult{}, errors.New("encryption is disabled (keys.provider is none)")
	}
	return s.Sync(ctx, SyncOptions{Regenerate: true})
}
