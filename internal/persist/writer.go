package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Writer replaces the three document files as a unit.
type Writer struct {
	dir string
	// beforeRename, when set, runs before each tier is moved into place.
	// Tests use it to inject a failure part-way through.
	beforeRename func(Tier) error
}

// NewWriter returns a Writer for the memory directory dir.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

type previous struct {
	content []byte
	existed bool
}

// WriteAtomic writes every tier through a temp file and rename. If any step
// fails, tiers already moved into place are restored to their prior content
// and the directory is left as it was. Tiers with empty content are removed.
func (w *Writer) WriteAtomic(docs Documents) (err error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return &PersistenceError{Op: "write", Err: err}
	}

	prior := make(map[Tier]previous, len(Tiers))
	for _, t := range Tiers {
		raw, err := os.ReadFile(w.path(t))
		switch {
		case err == nil:
			prior[t] = previous{content: raw, existed: true}
		case errors.Is(err, os.ErrNotExist):
			prior[t] = previous{}
		default:
			return &PersistenceError{Op: "write", Err: err}
		}
	}

	temps := make(map[Tier]string, len(Tiers))
	defer func() {
		for _, tmp := range temps {
			os.Remove(tmp)
		}
	}()
	for _, t := range Tiers {
		content := docs.Get(t)
		if content == "" {
			continue
		}
		tmp, err := writeTemp(w.dir, t, []byte(content))
		if err != nil {
			return &PersistenceError{Op: "write", Err: err}
		}
		temps[t] = tmp
	}

	var done []Tier
	defer func() {
		if err == nil {
			return
		}
		if rbErr := w.restore(done, prior); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()
	for _, t := range Tiers {
		if w.beforeRename != nil {
			if err := w.beforeRename(t); err != nil {
				return &PersistenceError{Op: "write " + t.FileName(), Err: err}
			}
		}
		if tmp, ok := temps[t]; ok {
			if err := os.Rename(tmp, w.path(t)); err != nil {
				return &PersistenceError{Op: "write " + t.FileName(), Err: err}
			}
			delete(temps, t)
		} else if err := os.Remove(w.path(t)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return &PersistenceError{Op: "remove " + t.FileName(), Err: err}
		}
		done = append(done, t)
	}
	return nil
}

func (w *Writer) restore(tiers []Tier, prior map[Tier]previous) error {
	var errs []error
	for _, t := range tiers {
		p := prior[t]
		if !p.existed {
			if err := os.Remove(w.path(t)); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		tmp, err := writeTemp(w.dir, t, p.content)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Rename(tmp, w.path(t)); err != nil {
			os.Remove(tmp)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *Writer) path(t Tier) string {
	return filepath.Join(w.dir, t.FileName())
}

func writeTemp(dir string, t Tier, content []byte) (string, error) {
	f, err := os.CreateTemp(dir, "."+string(t)+".*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	if err := os.Chmod(f.Name(), 0o644); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
