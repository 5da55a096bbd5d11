// Package optimistic keeps locally applied, not yet confirmed changes on top
// of the last server-confirmed value of a single target (an entity or a
// query result).
//
// A Stack holds the confirmed base plus an ordered list of patches. The
// visible value is the base with every unresolved patch applied in push
// order. Patches resolve in one of two ways:
//
//   - Rollback removes the patch. If it is the newest, the visible value
//     becomes exactly the Previous value recorded when it was pushed. If
//     newer patches exist they are replayed over that Previous value, so an
//     older rollback never clobbers a newer patch.
//   - Commit keeps the patch's effect. It is folded into the base once all
//     older patches have resolved.
//
// Rebase installs newly confirmed server data as the base. Committed patches
// are dropped (the server already reflects them) and pending ones are
// replayed, so a later rollback lands on the latest confirmed state.
package optimistic

import "time"

// Func transforms a value. It receives a private copy and may modify it.
type Func[T any] func(T) T

// Patch describes one applied optimistic change.
type Patch[T any] struct {
	ID        string
	Previous  T
	AppliedAt time.Time
}

type layer[T any] struct {
	id        string
	apply     Func[T]
	previous  T
	appliedAt time.Time
	committed bool
}

// Stack is not safe for concurrent use; owners serialize access.
type Stack[T any] struct {
	base    T
	visible T
	layers  []*layer[T]
	clone   func(T) T
}

// NewStack returns a stack with the given confirmed base. clone must return an
// independent copy; a nil clone means values are copied by assignment.
func NewStack[T any](base T, clone func(T) T) *Stack[T] {
	if clone == nil {
		clone = func(v T) T { return v }
	}
	s := &Stack[T]{base: base, clone: clone}
	s.visible = clone(base)
	return s
}

// Value returns a copy of the visible value.
func (s *Stack[T]) Value() T {
	return s.clone(s.visible)
}

// Base returns a copy of the last confirmed value.
func (s *Stack[T]) Base() T {
	return s.clone(s.base)
}

// Pending reports how many patches are still stacked.
func (s *Stack[T]) Pending() int {
	return len(s.layers)
}

// Has reports whether a patch with id is stacked.
func (s *Stack[T]) Has(id string) bool {
	return s.index(id) >= 0
}

// Push applies fn on top of the visible value.
func (s *Stack[T]) Push(id string, fn Func[T], at time.Time) Patch[T] {
	prev := s.clone(s.visible)
	l := &layer[T]{id: id, apply: fn, previous: prev, appliedAt: at}
	s.layers = append(s.layers, l)
	s.visible = fn(s.clone(s.visible))
	return Patch[T]{ID: id, Previous: s.clone(prev), AppliedAt: at}
}

// Rollback removes the patch and restores the value it was applied to.
func (s *Stack[T]) Rollback(id string) bool {
	i := s.index(id)
	if i < 0 {
		return false
	}
	prev := s.layers[i].previous
	s.layers = append(s.layers[:i], s.layers[i+1:]...)

	cur := s.clone(prev)
	for _, l := range s.layers[i:] {
		l.previous = s.clone(cur)
		cur = l.apply(s.clone(cur))
	}
	s.visible = cur
	s.compact()
	return true
}

// Commit marks the patch as confirmed.
func (s *Stack[T]) Commit(id string) bool {
	i := s.index(id)
	if i < 0 {
		return false
	}
	s.layers[i].committed = true
	s.compact()
	return true
}

// Rebase replaces the confirmed base and replays unconfirmed patches.
func (s *Stack[T]) Rebase(base T) {
	s.base = s.clone(base)
	kept := s.layers[:0]
	for _, l := range s.layers {
		if !l.committed {
			kept = append(kept, l)
		}
	}
	s.layers = kept
	s.replay()
}

func (s *Stack[T]) replay() {
	cur := s.clone(s.base)
	for _, l := range s.layers {
		l.previous = s.clone(cur)
		cur = l.apply(s.clone(cur))
	}
	s.visible = cur
}

// compact folds committed patches at the bottom of the stack into the base.
func (s *Stack[T]) compact() {
	n := 0
	for n < len(s.layers) && s.layers[n].committed {
		n++
	}
	if n == 0 {
		if len(s.layers) == 0 {
			s.base = s.clone(s.visible)
		}
		return
	}
	if n == len(s.layers) {
		s.base = s.clone(s.visible)
	} else {
		s.base = s.clone(s.layers[n].previous)
	}
	s.layers = s.layers[n:]
}

func (s *Stack[T]) index(id string) int {
	for i, l := range s.layers {
		if l.id == id {
			return i
		}
	}
	return -1
}
