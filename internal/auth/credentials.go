package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/napworks/gallery/internal/models"
)

// CredentialCache persists the tokens of the signed-in user between runs.
type CredentialCache interface {
	Load() (models.SessionTokens, error)
	Save(tokens models.SessionTokens) error
	Clear() error
}

// FileCredentialCache stores tokens as JSON in a single file readable only by
// the current user.
type FileCredentialCache struct {
	path string
	mu   sync.Mutex
}

// NewFileCredentialCache returns a cache rooted at path.
func NewFileCredentialCache(path string) *FileCredentialCache {
	return &FileCredentialCache{path: path}
}

// Load reads the cached tokens, returning ErrNoCredentials when none exist.
func (c *FileCredentialCache) Load() (models.SessionTokens, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.SessionTokens{}, ErrNoCredentials
		}
		return models.SessionTokens{}, fmt.Errorf("read credentials: %w", err)
	}

	var tokens models.SessionTokens
	if err := json.Unmarshal(data, &tokens); err != nil {
		return models.SessionTokens{}, fmt.Errorf("decode credentials: %w", err)
	}
	if tokens.RefreshToken == "" && tokens.AccessToken == "" {
		return models.SessionTokens{}, ErrNoCredentials
	}
	return tokens, nil
}

// Save atomically replaces the cached tokens.
func (c *FileCredentialCache) Save(tokens models.SessionTokens) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}

// Clear removes the cached tokens. A missing file is not an error.
func (c *FileCredentialCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}
