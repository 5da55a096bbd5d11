package entity

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/briangreenhill/cellarsync/cache"
	"github.com/briangreenhill/cellarsync/optimistic"
)

// Listener receives the cache keys whose results changed.
type Listener func(keys []cache.Key)

type slot struct {
	stack *optimistic.Stack[Record]
	keys  map[cache.Key]struct{}
}

// Store is safe for concurrent use. The zero value is not usable; call NewStore.
type Store struct {
	mu        sync.RWMutex
	slots     map[Ref]*slot
	byKey     map[cache.Key]map[Ref]struct{}
	listeners map[int]Listener
	nextID    int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		slots:     make(map[Ref]*slot),
		byKey:     make(map[cache.Key]map[Ref]struct{}),
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers fn for changes made through Upsert and Remove. The
// returned func unregisters it.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Upsert merges patch into the record (creating it if needed) and notifies
// every query result that references it.
func (s *Store) Upsert(typ, id string, patch Record) {
	keys := s.Write(func(w *Writer) { w.Upsert(Ref{Type: typ, ID: id}, patch) })
	s.notify(keys)
}

// Remove deletes the record. Results that referenced it render it as removed.
func (s *Store) Remove(typ, id string) {
	keys := s.Write(func(w *Writer) { w.Remove(Ref{Type: typ, ID: id}) })
	s.notify(keys)
}

// Get returns a copy of the visible record.
func (s *Store) Get(typ, id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(Ref{Type: typ, ID: id})
}

// Len reports how many records are held, including ones that only exist as
// the base of a pending optimistic patch.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// Dependents lists the keys whose results reference ref.
func (s *Store) Dependents(ref Ref) []cache.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[ref]
	if !ok {
		return nil
	}
	return sortedKeys(sl.keys)
}

// Materialize rebuilds a normalized document from the current records.
func (s *Store) Materialize(doc any) any {
	if doc == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := materialize(doc, s.lookup, make(map[Ref]bool))
	if _, gone := out.(removed); gone {
		return nil
	}
	return out
}

// Write runs fn with exclusive access and returns the keys whose results
// changed. Unlike Upsert and Remove it does not notify listeners; the caller
// owns the notification. fn must not call back into the Store.
func (s *Store) Write(fn func(w *Writer)) []cache.Key {
	s.mu.Lock()
	w := &Writer{s: s, changed: make(map[cache.Key]struct{})}
	fn(w)
	s.mu.Unlock()
	return sortedKeys(w.changed)
}

func (s *Store) notify(keys []cache.Key) {
	if len(keys) == 0 {
		return
	}
	s.mu.RLock()
	ls := make([]Listener, 0, len(s.listeners))
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		ls = append(ls, s.listeners[id])
	}
	s.mu.RUnlock()
	for _, fn := range ls {
		fn(keys)
	}
}

func (s *Store) lookup(ref Ref) (Record, bool) {
	sl, ok := s.slots[ref]
	if !ok {
		return nil, false
	}
	v := sl.stack.Value()
	return v, v != nil
}

// Writer mutates the store inside Write.
type Writer struct {
	s       *Store
	changed map[cache.Key]struct{}
}

// Upsert merges confirmed data into the record's base. Pending optimistic
// patches are replayed on top of it.
func (w *Writer) Upsert(ref Ref, patch Record) {
	sl := w.slot(ref)
	before := sl.stack.Value()
	sl.stack.Rebase(sl.stack.Base().Merge(patch))
	w.touch(sl, before)
}

// Confirm installs rec as the confirmed record, dropping fields it lacks.
func (w *Writer) Confirm(ref Ref, rec Record) {
	sl := w.slot(ref)
	before := sl.stack.Value()
	sl.stack.Rebase(rec.Clone())
	w.touch(sl, before)
}

// Remove confirms that the record no longer exists.
func (w *Writer) Remove(ref Ref) {
	sl, ok := w.s.slots[ref]
	if !ok {
		return
	}
	before := sl.stack.Value()
	sl.stack.Rebase(nil)
	w.touch(sl, before)
	w.gc(ref)
}

// Patch applies an optimistic change. fn receives a copy of the visible
// record, or nil when it does not exist, and returns the new record (nil
// removes it).
func (w *Writer) Patch(ref Ref, id string, fn optimistic.Func[Record], at time.Time) optimistic.Patch[Record] {
	sl := w.slot(ref)
	before := sl.stack.Value()
	p := sl.stack.Push(id, fn, at)
	w.touch(sl, before)
	return p
}

// Commit keeps an optimistic change.
func (w *Writer) Commit(ref Ref, id string) {
	sl, ok := w.s.slots[ref]
	if !ok {
		return
	}
	before := sl.stack.Value()
	sl.stack.Commit(id)
	w.touch(sl, before)
	w.gc(ref)
}

// Rollback reverts an optimistic change.
func (w *Writer) Rollback(ref Ref, id string) {
	sl, ok := w.s.slots[ref]
	if !ok {
		return
	}
	before := sl.stack.Value()
	sl.stack.Rollback(id)
	w.touch(sl, before)
	w.gc(ref)
}

// Retain declares that key's result references exactly refs.
func (w *Writer) Retain(key cache.Key, refs []Ref) {
	next := make(map[Ref]struct{}, len(refs))
	for _, r := range refs {
		next[r] = struct{}{}
	}
	for old := range w.s.byKey[key] {
		if _, still := next[old]; !still {
			if sl, ok := w.s.slots[old]; ok {
				delete(sl.keys, key)
			}
			w.collect(old)
		}
	}
	for r := range next {
		w.slot(r).keys[key] = struct{}{}
	}
	if len(next) == 0 {
		delete(w.s.byKey, key)
		return
	}
	w.s.byKey[key] = next
}

// Release drops key's references and collects records nobody references.
func (w *Writer) Release(key cache.Key) {
	for r := range w.s.byKey[key] {
		if sl, ok := w.s.slots[r]; ok {
			delete(sl.keys, key)
		}
		w.collect(r)
	}
	delete(w.s.byKey, key)
}

// Get reads the visible record inside a write.
func (w *Writer) Get(ref Ref) (Record, bool) {
	return w.s.lookup(ref)
}

func (w *Writer) slot(ref Ref) *slot {
	sl, ok := w.s.slots[ref]
	if !ok {
		sl = &slot{
			stack: optimistic.NewStack[Record](nil, Record.Clone),
			keys:  make(map[cache.Key]struct{}),
		}
		w.s.slots[ref] = sl
	}
	return sl
}

func (w *Writer) touch(sl *slot, before Record) {
	if reflect.DeepEqual(before, sl.stack.Value()) {
		return
	}
	for k := range sl.keys {
		w.changed[k] = struct{}{}
	}
}

// gc drops a slot whose record is gone and that nothing references.
func (w *Writer) gc(ref Ref) {
	sl, ok := w.s.slots[ref]
	if !ok || sl.stack.Pending() > 0 {
		return
	}
	if sl.stack.Value() == nil && len(sl.keys) == 0 {
		delete(w.s.slots, ref)
	}
}

// collect removes a record once the last result referencing it is released.
// Records written through Upsert that were never part of a result are kept.
func (w *Writer) collect(ref Ref) {
	sl, ok := w.s.slots[ref]
	if !ok || sl.stack.Pending() > 0 || len(sl.keys) > 0 {
		return
	}
	delete(w.s.slots, ref)
}

func sortedKeys(m map[cache.Key]struct{}) []cache.Key {
	out := make([]cache.Key, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
