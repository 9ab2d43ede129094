package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var ErrModelMissing = errors.New("model artifact missing")

// Model is the on-disk envelope for a trained artifact. Exactly one of
// Regressor and Detector is set depending on the kind.
type Model struct {
	Kind      string     `json:"kind"`
	TrainedAt time.Time  `json:"trained_at"`
	Samples   int        `json:"samples"`
	Regressor *Regressor `json:"regressor,omitempty"`
	Detector  *Detector  `json:"detector,omitempty"`
}

// FileStore persists models and scalers as JSON files under a single
// directory, one file per artifact.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create model dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) modelPath(kind string, targetID *int64) string {
	name := kind + "_predictor"
	if kind == KindAnomaly {
		name = "anomaly_detector"
	}
	if targetID != nil {
		name = fmt.Sprintf("%s_db_%d", name, *targetID)
	}
	return filepath.Join(fs.dir, name+".json")
}

func (fs *FileStore) scalerPath(kind string, targetID *int64) string {
	name := kind + "_scaler"
	if kind == KindLoad {
		name = "scaler"
	}
	if targetID != nil {
		name = fmt.Sprintf("%s_db_%d", name, *targetID)
	}
	return filepath.Join(fs.dir, name+".json")
}

func (fs *FileStore) SaveModel(kind string, targetID *int64, m *Model) error {
	return writeJSON(fs.modelPath(kind, targetID), m)
}

func (fs *FileStore) LoadModel(kind string, targetID *int64) (*Model, error) {
	var m Model
	if err := readJSON(fs.modelPath(kind, targetID), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (fs *FileStore) SaveScaler(kind string, targetID *int64, s *Scaler) error {
	return writeJSON(fs.scalerPath(kind, targetID), s)
}

func (fs *FileStore) LoadScaler(kind string, targetID *int64) (*Scaler, error) {
	var s Scaler
	if err := readJSON(fs.scalerPath(kind, targetID), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteOlderThan removes artifact files whose modification time predates the
// cutoff and returns the number removed.
func (fs *FileStore) DeleteOlderThan(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return 0, fmt.Errorf("list model dir: %w", err)
	}
	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(fs.dir, entry.Name())); err != nil {
				return deleted, fmt.Errorf("remove %s: %w", entry.Name(), err)
			}
			deleted++
		}
	}
	return deleted, nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrModelMissing, filepath.Base(path))
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
