package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"betledger/internal/ledger"
)

// FileStore persists the ledger document as a single JSON file. This is the
// default backend and the one cross-process shared resource: both front-end
// processes read and replace the same file, last write wins. There is no
// cross-process lock; the write itself is atomic (temp file + rename) so a
// reader never observes a half-written document.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the persisted document. A missing file is a fresh install and
// yields an empty document, not an error.
func (fs *FileStore) Load(ctx context.Context) (*ledger.Document, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ledger.NewDocument(), nil
		}
		return nil, fmt.Errorf("read ledger %s: %w", fs.path, err)
	}

	doc := ledger.NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", fs.path, err)
	}
	doc.Normalize()
	return doc, nil
}

// Save replaces the persisted document atomically.
func (fs *FileStore) Save(ctx context.Context, doc *ledger.Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	dir := filepath.Dir(fs.path)
	tmp, err := os.CreateTemp(dir, ".ledger-*.json")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close ledger: %w", err)
	}
	if err := os.Rename(tmpName, fs.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace ledger %s: %w", fs.path, err)
	}
	return nil
}
