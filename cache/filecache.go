package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/gregjones/httpcache"
)

var _ httpcache.Cache = (*FileCache)(nil)

// FileCache stores HTTP responses on disk so ETag revalidation survives
// between CLI runs. It implements httpcache.Cache.
type FileCache struct {
	dir string
}

// NewFileCache creates the cache in dir. An empty dir means cellarsync/http
// under the user cache directory.
func NewFileCache(dir string) (*FileCache, error) {
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(base, "cellarsync", "http")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileCache{dir: dir}, nil
}

// Dir returns the cache directory.
func (fc *FileCache) Dir() string { return fc.dir }

// Get returns the stored response for key.
func (fc *FileCache) Get(key string) ([]byte, bool) {
	data, err := os.ReadFile(fc.path(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set writes through a temporary file so readers never see a partial
// response.
func (fc *FileCache) Set(key string, resp []byte) {
	p := fc.path(key)
	tmp := fmt.Sprintf("%s.tmp.%d", p, rand.Int())
	if err := os.WriteFile(tmp, resp, 0o600); err != nil {
		return
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
	}
}

func (fc *FileCache) Delete(key string) {
	_ = os.Remove(fc.path(key))
}

// path maps a request URL to a file name. URLs are hashed since they may be
// longer than a file name allows and contain unsafe characters.
func (fc *FileCache) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(fc.dir, hex.EncodeToString(sum[:])+".http")
}
