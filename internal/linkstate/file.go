package linkstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"k8s.io/klog/v2"

	"github.com/CCI-MOC/ulsr/internal/fabric"
)

// FileStore keeps one JSON file per reservation in a directory. A file is
// written once and appears atomically, so a crash never leaves a partial
// pre-image and a later Save never replaces it.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("link state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(reservation string) (string, error) {
	if reservation == "" || strings.ContainsAny(reservation, `/\`) || reservation == "." || reservation == ".." {
		return "", fmt.Errorf("invalid reservation name %q", reservation)
	}
	return filepath.Join(s.dir, reservation+".json"), nil
}

func (s *FileStore) Load(_ context.Context, reservation string) ([]fabric.Record, error) {
	p, err := s.path(reservation)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fabric.ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("read link state: %w", err)
	}
	var records []fabric.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p, err)
	}
	return records, nil
}

func (s *FileStore) Save(_ context.Context, reservation string, records []fabric.Record) error {
	p, err := s.path(reservation)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	t, err := renameio.TempFile(s.dir, p)
	if err != nil {
		return fmt.Errorf("write link state: %w", err)
	}
	defer t.Cleanup()
	if err := t.Chmod(0o600); err != nil {
		return fmt.Errorf("write link state: %w", err)
	}
	if _, err := t.Write(data); err != nil {
		return fmt.Errorf("write link state: %w", err)
	}
	if err := t.Sync(); err != nil {
		return fmt.Errorf("write link state: %w", err)
	}
	// Link fails when the name exists, unlike rename.
	if err := os.Link(t.Name(), p); err != nil {
		if errors.Is(err, os.ErrExist) {
			klog.InfoS("Link state already recorded, keeping it", "reservation", reservation)
			return nil
		}
		return fmt.Errorf("write link state: %w", err)
	}
	return nil
}
