package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// ErrNoSnapshot is returned by Load when no persisted runtime file exists.
var ErrNoSnapshot = errors.New("no persisted snapshot")

// PersistenceStore snapshots the tree to durable storage in the same shape
// as the configuration file, so a later startup can resume with
// server-confirmed ids and the latest state data.
type PersistenceStore struct {
	dir string
	log *zap.Logger
}

func NewPersistenceStore(dir string, logger *zap.Logger) *PersistenceStore {
	return &PersistenceStore{
		dir: dir,
		log: logger.Named("store"),
	}
}

func (s *PersistenceStore) Save(t *Tree) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create save dir: %w", err)
	}
	doc := t.Document()
	data, err := doc.Encode()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	path := filepath.Join(s.dir, doc.Meta.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	s.log.Info("model snapshot saved", zap.String("path", path))
	return nil
}

// Load returns the most recent snapshot in the save directory.
func (s *PersistenceStore) Load() (*Document, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, err
	}
	var latest string
	var latestMod int64
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if latest == "" || info.ModTime().UnixNano() > latestMod {
			latest = filepath.Join(s.dir, e.Name())
			latestMod = info.ModTime().UnixNano()
		}
	}
	if latest == "" {
		return nil, ErrNoSnapshot
	}
	data, err := os.ReadFile(latest)
	if err != nil {
		return nil, err
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	s.log.Info("model snapshot loaded", zap.String("path", latest))
	return doc, nil
}
