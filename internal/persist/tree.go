package persist

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// commitDocuments writes a commit whose tree is parent's tree with the
// memory paths replaced by docs. Only the memory paths differ from parent,
// so the user's staged and unstaged work is never swept into the commit.
// It returns the zero hash when the tree is unchanged.
func (r *Repository) commitDocuments(parent plumbing.Hash, docs Documents, sig object.Signature, msg string) (plumbing.Hash, error) {
	s := r.repo.Storer

	var base *object.Tree
	if !parent.IsZero() {
		c, err := object.GetCommit(s, parent)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("read parent: %w", err)
		}
		if base, err = c.Tree(); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("read parent tree: %w", err)
		}
	}

	files := make(map[string]*string, len(Tiers))
	for _, t := range Tiers {
		content := docs.Get(t)
		if content == "" {
			files[r.Path(t)] = nil
			continue
		}
		files[r.Path(t)] = &content
	}
	treeHash, err := writeTree(s, base, files)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write tree: %w", err)
	}
	if base != nil && base.Hash == treeHash {
		return plumbing.ZeroHash, nil
	}

	if sig.When.IsZero() {
		sig.When = time.Now()
	}
	commit := &object.Commit{
		Author:    sig,
		Committer: sig,
		Message:   msg,
		TreeHash:  treeHash,
	}
	if !parent.IsZero() {
		commit.ParentHashes = []plumbing.Hash{parent}
	}
	obj := s.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.SetEncodedObject(obj)
}

// writeTree stores base with files applied. A nil content removes the path.
func writeTree(s storer.EncodedObjectStorer, base *object.Tree, files map[string]*string) (plumbing.Hash, error) {
	entries := make(map[string]object.TreeEntry)
	if base != nil {
		for _, e := range base.Entries {
			entries[e.Name] = e
		}
	}

	nested := make(map[string]map[string]*string)
	for p, content := range files {
		name, rest, isDir := strings.Cut(p, "/")
		if isDir {
			if nested[name] == nil {
				nested[name] = make(map[string]*string)
			}
			nested[name][rest] = content
			continue
		}
		if content == nil {
			delete(entries, name)
			continue
		}
		h, err := writeBlob(s, *content)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries[name] = object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: h}
	}

	for name, sub := range nested {
		var child *object.Tree
		if e, ok := entries[name]; ok && e.Mode == filemode.Dir {
			t, err := object.GetTree(s, e.Hash)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			child = t
		}
		h, err := writeTree(s, child, sub)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		if h == emptyTreeHash {
			delete(entries, name)
			continue
		}
		entries[name] = object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: h}
	}

	list := make([]object.TreeEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, e)
	}
	// git orders directories as if their name ended in "/".
	sortKey := func(e object.TreeEntry) string {
		if e.Mode == filemode.Dir {
			return e.Name + "/"
		}
		return e.Name
	}
	sort.Slice(list, func(i, j int) bool { return sortKey(list[i]) < sortKey(list[j]) })

	tree := &object.Tree{Entries: list}
	obj := s.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.SetEncodedObject(obj)
}

// emptyTreeHash is the well-known id of a tree with no entries.
var emptyTreeHash = plumbing.NewHash("4b825dc642cb6eb9a060e54bf8d69288fbee4904")

func writeBlob(s storer.EncodedObjectStorer, content string) (plumbing.Hash, error) {
	obj := s.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write([]byte(content)); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.SetEncodedObject(obj)
}
