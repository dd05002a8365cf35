package reconnect

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// TargetStore persists the last known good connection target.
type TargetStore interface {
	Load() (string, error)
	Save(target string) error
	Clear() error
}

// TargetFile stores the target as a single line in a file, typically
// last_target beside the config file.
type TargetFile struct {
	Path string
}

// Load returns the stored target, or "" when none has been saved.
func (f TargetFile) Load() (string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", f.Path, err)
	}
	target := strings.TrimSpace(string(data))
	if target != "" {
		log.Printf("[reconnect] last target %s loaded from %s", target, f.Path)
	}
	return target, nil
}

func (f TargetFile) Save(target string) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
		return err
	}
	return os.WriteFile(f.Path, []byte(target+"\n"), 0644)
}

func (f TargetFile) Clear() error {
	err := os.Remove(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
