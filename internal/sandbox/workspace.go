package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Workspace is the per-attempt directory holding the source file and any
// build artifacts.
type Workspace struct {
	ID  string
	Dir string
}

// NewWorkspace creates a fresh directory under root and writes the source
// file for lang into it.
func NewWorkspace(root string, lang Language, code string) (*Workspace, error) {
	id := uuid.NewString()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, lang.Source), []byte(code), 0o644); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("writing source file: %w", err)
	}

	return &Workspace{ID: id, Dir: dir}, nil
}

// Remove deletes the workspace directory.
func (w *Workspace) Remove() error {
	if err := os.RemoveAll(w.Dir); err != nil {
		return fmt.Errorf("removing workspace %s: %w", w.ID, err)
	}
	return nil
}
