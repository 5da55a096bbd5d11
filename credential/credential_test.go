package credential

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestStores(t *testing.T) {
	ctx := context.Background()
	file, err := NewFile(filepath.Join(t.TempDir(), "nested", "cred.json"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		store Store
	}{
		{"memory", NewMemory("")},
		{"file", file},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.store.Credential(ctx)
			require.NoError(t, err)
			assert.Empty(t, got)

			require.NoError(t, tt.store.Set(ctx, "tok-1"))
			got, err = tt.store.Credential(ctx)
			require.NoError(t, err)
			assert.Equal(t, "tok-1", got)

			require.NoError(t, tt.store.Clear(ctx))
			require.NoError(t, tt.store.Clear(ctx))
			got, err = tt.store.Credential(ctx)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")
	f, err := NewFile(path)
	require.NoError(t, err)
	require.NoError(t, f.Set(context.Background(), "secret"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file renamed away")
}

func TestFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	f, _ := NewFile(path)
	_, err := f.Credential(context.Background())
	assert.Error(t, err)
}

type countingSource struct {
	calls int
	tok   *oauth2.Token
}

func (c *countingSource) Token() (*oauth2.Token, error) {
	c.calls++
	return c.tok, nil
}

func TestTokenSource(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{tok: &oauth2.Token{AccessToken: "abc", Expiry: time.Now().Add(time.Hour)}}
	ts := FromTokenSource(src)

	for i := 0; i < 3; i++ {
		got, err := ts.Credential(ctx)
		require.NoError(t, err)
		assert.Equal(t, "abc", got)
	}
	assert.Equal(t, 1, src.calls, "token reused until expiry")

	assert.True(t, errors.Is(ts.Set(ctx, "x"), ErrReadOnly))
	assert.True(t, errors.Is(ts.Clear(ctx), ErrReadOnly))

	got, err := Static("s").Credential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s", got)
}
