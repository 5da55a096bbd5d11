package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyForIsOrderIndependent(t *testing.T) {
	a, err := KeyFor("/api/inventory", map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := KeyFor("/api/inventory", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, Key("/api/inventory?a=1&b=2"), a)
}

func TestKeyForDiffers(t *testing.T) {
	base := MustKey("/api/inventory", map[string]any{"cellarId": 1})

	tests := []struct {
		name   string
		path   string
		params map[string]any
	}{
		{"different path", "/api/wishlist", map[string]any{"cellarId": 1}},
		{"different value", "/api/inventory", map[string]any{"cellarId": 2}},
		{"extra param", "/api/inventory", map[string]any{"cellarId": 1, "q": "rioja"}},
		{"string vs number", "/api/inventory", map[string]any{"cellarId": "1x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := KeyFor(tt.path, tt.params)
			require.NoError(t, err)
			assert.NotEqual(t, base, k)
		})
	}
}

func TestKeyForDropsEmptyValues(t *testing.T) {
	k, err := KeyFor("/api/inventory", map[string]any{"q": "", "color": nil, "cellarId": 1})
	require.NoError(t, err)
	assert.Equal(t, Key("/api/inventory?cellarId=1"), k)

	k, err = KeyFor("/api/stats", map[string]any{"q": ""})
	require.NoError(t, err)
	assert.Equal(t, Key("/api/stats"), k)
}

func TestKeyForFormatsPrimitives(t *testing.T) {
	k, err := KeyFor("/p", map[string]any{
		"f":  2.5,
		"b":  true,
		"u":  uint8(7),
		"s":  "red & white",
		"i6": int64(-3),
	})
	require.NoError(t, err)
	assert.Equal(t, Key("/p?b=true&f=2.5&i6=-3&s=red+%26+white&u=7"), k)
	assert.Equal(t, "/p", k.Path())
	assert.Equal(t, "red & white", k.Params().Get("s"))
}

func TestKeyForValidation(t *testing.T) {
	_, err := KeyFor("  ", nil)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))

	_, err = KeyFor("/p", map[string]any{"bad": []int{1}})
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, err.Error(), "bad")

	assert.Panics(t, func() { MustKey("", nil) })
}

func TestEntryLifecycle(t *testing.T) {
	now := time.Unix(1000, 0)
	e := NewEntry("/k", 30*time.Second, now)
	assert.Equal(t, StatusIdle, e.Status)
	assert.False(t, e.Fresh(now))

	e.MarkLoading()
	assert.Equal(t, "loading", e.Status.String())

	e.Succeed(map[string]any{"x": 1.0}, now)
	assert.True(t, e.Fresh(now.Add(10*time.Second)))
	assert.False(t, e.Fresh(now.Add(30*time.Second)))

	e.Fail(errors.New("boom"))
	assert.Equal(t, StatusError, e.Status)
	assert.True(t, e.HasData(), "failure keeps last known good data")
	assert.Equal(t, now, e.FetchedAt)

	e.Invalidated = true
	assert.False(t, e.Fresh(now))
}

func TestEntrySucceedWithoutBody(t *testing.T) {
	e := NewEntry("/k", time.Second, time.Now())
	e.Succeed(nil, time.Now())
	assert.Equal(t, NoContent{}, e.Data)
	assert.True(t, e.HasData())
}

func TestEntryIdleTracking(t *testing.T) {
	now := time.Unix(0, 0)
	e := NewEntry("/k", time.Second, now)
	assert.True(t, e.Evictable(now.Add(5*time.Minute), 5*time.Minute))

	e.Retain()
	assert.False(t, e.Evictable(now.Add(time.Hour), 5*time.Minute))

	e.Release(now.Add(time.Hour))
	assert.False(t, e.Evictable(now.Add(time.Hour+time.Minute), 5*time.Minute))
	assert.True(t, e.Evictable(now.Add(time.Hour+5*time.Minute), 5*time.Minute))
}
