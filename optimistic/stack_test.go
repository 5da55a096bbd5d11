package optimistic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func add(n int) Func[int] { return func(v int) int { return v + n } }

func TestRollbackRestoresExactly(t *testing.T) {
	s := NewStack(5, nil)
	p := s.Push("a", add(-1), time.Now())
	assert.Equal(t, 5, p.Previous)
	assert.Equal(t, 4, s.Value())

	require.True(t, s.Rollback("a"))
	assert.Equal(t, 5, s.Value())
	assert.Equal(t, 0, s.Pending())
	assert.False(t, s.Rollback("a"))
}

func TestOlderRollbackKeepsNewerPatch(t *testing.T) {
	s := NewStack(10, nil)
	s.Push("older", add(-1), time.Now())
	s.Push("newer", add(-2), time.Now())
	assert.Equal(t, 7, s.Value())

	require.True(t, s.Rollback("older"))
	assert.Equal(t, 8, s.Value(), "newer patch replayed over the restored value")

	require.True(t, s.Rollback("newer"))
	assert.Equal(t, 10, s.Value())
}

func TestCommitFoldsInOrder(t *testing.T) {
	s := NewStack(10, nil)
	s.Push("a", add(-1), time.Now())
	s.Push("b", add(-2), time.Now())

	require.True(t, s.Commit("b"))
	assert.Equal(t, 10, s.Base(), "b cannot fold while a is pending")
	assert.Equal(t, 2, s.Pending())

	require.True(t, s.Rollback("a"))
	assert.Equal(t, 8, s.Value())
	assert.Equal(t, 8, s.Base())
	assert.Equal(t, 0, s.Pending())
}

func TestRebaseReplaysPending(t *testing.T) {
	s := NewStack(5, nil)
	s.Push("a", add(-1), time.Now())
	s.Push("b", add(-1), time.Now())
	s.Commit("b")

	s.Rebase(20)
	assert.Equal(t, 19, s.Value(), "committed b dropped, pending a replayed")
	assert.Equal(t, 1, s.Pending())

	require.True(t, s.Rollback("a"))
	assert.Equal(t, 20, s.Value(), "rollback lands on latest confirmed value")
}

func TestStackClonesMaps(t *testing.T) {
	clone := func(m map[string]int) map[string]int {
		out := make(map[string]int, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	s := NewStack(map[string]int{"q": 5}, clone)
	s.Push("a", func(m map[string]int) map[string]int {
		m["q"]--
		return m
	}, time.Now())

	v := s.Value()
	v["q"] = 100
	assert.Equal(t, 4, s.Value()["q"])
	assert.Equal(t, 5, s.Base()["q"])
}
