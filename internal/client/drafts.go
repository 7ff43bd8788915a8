package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Drafts holds unsent input per chat, so a half typed message survives a restart. Nothing is written
// until Save is called.
type Drafts struct {
	path string

	mu      sync.Mutex
	entries map[string]string
}

type draftsFile struct {
	Drafts map[string]string `yaml:"drafts"`
}

// LoadDrafts reads the drafts stored at path. A missing file yields empty drafts.
func LoadDrafts(path string) (*Drafts, error) {
	d := &Drafts{path: path, entries: map[string]string{}}

	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read drafts: %w", err)
	}

	var f draftsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to decode drafts: %w", err)
	}
	for k, v := range f.Drafts {
		d.entries[k] = v
	}
	return d, nil
}

// Get returns the draft of chatID.
func (d *Drafts) Get(chatID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entries[chatID]
}

// Set replaces the draft of chatID. An empty text removes it.
func (d *Drafts) Set(chatID, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if text == "" {
		delete(d.entries, chatID)
		return
	}
	d.entries[chatID] = text
}

// Save writes all drafts to the file they were loaded from.
func (d *Drafts) Save() error {
	d.mu.Lock()
	b, err := yaml.Marshal(draftsFile{Drafts: d.entries})
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode drafts: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(d.path), 0755); err != nil {
		return fmt.Errorf("failed to create drafts directory: %w", err)
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return fmt.Errorf("failed to write drafts: %w", err)
	}
	return os.Rename(tmp, d.path)
}
