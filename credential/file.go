package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"
)

// DefaultFile is the credential file name under the user's config directory.
const DefaultFile = ".config/cellarsync/credential.json"

type fileToken struct {
	Token   string    `json:"token"`
	SavedAt time.Time `json:"saved_at"`
}

// File persists the credential as JSON readable only by the owner.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile returns a store backed by path. An empty path means DefaultFile in
// the user's home directory.
func NewFile(path string) (*File, error) {
	if path == "" {
		usr, err := user.Current()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(usr.HomeDir, DefaultFile)
	}
	return &File{path: path}, nil
}

// Path returns the backing file.
func (f *File) Path() string { return f.path }

// Credential returns the saved token, or "" when nothing is saved.
func (f *File) Credential(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var t fileToken
	if err := json.Unmarshal(b, &t); err != nil {
		return "", fmt.Errorf("decode %s: %w", f.path, err)
	}
	return t.Token, nil
}

// Set writes token to a temporary file and renames it into place.
func (f *File) Set(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(fileToken{Token: token, SavedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := f.path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Clear removes the file. Clearing twice is not an error.
func (f *File) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
