// Package payload is the content-handle collaborator: it persists each
// task's executable payload as a flat file and hands out opaque refs.
// The scheduler core only ever passes refs through to the sandbox.
package payload

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("payload dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Write persists the payload for a task id and returns its ref.
// Writing an existing id replaces the payload in place, so edits keep
// the same ref.
func (s *Store) Write(id, code string) (string, error) {
	ref := filepath.Join(s.dir, id+".task")
	if err := os.WriteFile(ref, []byte(strings.TrimSpace(code)), 0o644); err != nil {
		return "", fmt.Errorf("write payload %s: %w", id, err)
	}
	return ref, nil
}

func (s *Store) Read(ref string) (string, error) {
	b, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("read payload %s: %w", ref, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// Remove deletes the payload file. A ref that is already gone is not
// an error: the goal state is reached either way.
func (s *Store) Remove(ref string) error {
	err := os.Remove(ref)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove payload %s: %w", ref, err)
	}
	return nil
}
