// Package diagnostics keeps screenshots and metadata of failed harvests.
package diagnostics

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

var uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// ErrNotFound is returned for ids without a stored capture.
var ErrNotFound = errors.New("capture not found")

// Capture describes a stored failure capture. It never holds a token.
type Capture struct {
	ID        string    `json:"id"`
	HarvestID string    `json:"harvest_id"`
	TabID     string    `json:"tab_id"`
	URL       string    `json:"url"`
	ErrorCode string    `json:"error_code"`
	Error     string    `json:"error"`
	Format    string    `json:"format,omitempty"`
	SizeBytes int       `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages capture files on disk: <id>.png next to <id>.json.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore creates a Store and ensures the directory exists.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("diagnostics store: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func validateID(id string) error {
	if !uuidRe.MatchString(id) {
		return fmt.Errorf("invalid capture id: %q", id)
	}
	return nil
}

// Save writes the image, when there is one, and the metadata sidecar.
func (s *Store) Save(c Capture, image []byte) error {
	if err := validateID(c.ID); err != nil {
		return err
	}
	c.SizeBytes = len(image)
	if len(image) > 0 && c.Format == "" {
		c.Format = "png"
	}
	if len(image) == 0 {
		c.Format = ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var imgPath string
	if c.Format != "" {
		imgPath = filepath.Join(s.dir, c.ID+"."+c.Format)
		if err := os.WriteFile(imgPath, image, 0o644); err != nil {
			return fmt.Errorf("diagnostics store: write image: %w", err)
		}
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(s.dir, c.ID+".json"), data, 0o644)
	}
	if err != nil {
		if imgPath != "" {
			if rmErr := os.Remove(imgPath); rmErr != nil {
				slog.Debug("capture image cleanup failed", "path", imgPath, "error", rmErr)
			}
		}
		return fmt.Errorf("diagnostics store: write meta: %w", err)
	}
	return nil
}

// Get reads capture metadata by id.
func (s *Store) Get(id string) (Capture, error) {
	if err := validateID(id); err != nil {
		return Capture{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readMeta(filepath.Join(s.dir, id+".json"))
}

func (s *Store) readMeta(path string) (Capture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Capture{}, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
		}
		return Capture{}, fmt.Errorf("diagnostics store: read meta: %w", err)
	}
	var c Capture
	if err := json.Unmarshal(data, &c); err != nil {
		return Capture{}, fmt.Errorf("diagnostics store: unmarshal meta: %w", err)
	}
	return c, nil
}

// List returns all captures, newest first.
func (s *Store) List() ([]Capture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("diagnostics store: glob: %w", err)
	}

	out := make([]Capture, 0, len(matches))
	for _, path := range matches {
		c, err := s.readMeta(path)
		if err != nil {
			slog.Debug("skipping unreadable capture", "path", path, "error", err)
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ReadImage returns the screenshot bytes of a capture.
func (s *Store) ReadImage(id string) ([]byte, error) {
	c, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if c.Format == "" {
		return nil, fmt.Errorf("%w: %s has no image", ErrNotFound, id)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(filepath.Join(s.dir, id+"."+c.Format))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s image", ErrNotFound, id)
		}
		return nil, fmt.Errorf("diagnostics store: read image: %w", err)
	}
	return data, nil
}

// Delete removes the image and metadata files.
func (s *Store) Delete(id string) error {
	c, err := s.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Format != "" {
		imgPath := filepath.Join(s.dir, id+"."+c.Format)
		if err := os.Remove(imgPath); err != nil {
			slog.Debug("capture image cleanup failed", "path", imgPath, "error", err)
		}
	}
	if err := os.Remove(filepath.Join(s.dir, id+".json")); err != nil {
		return fmt.Errorf("diagnostics store: remove meta: %w", err)
	}
	return nil
}
