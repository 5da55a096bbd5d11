package query

import (
	"time"

	"github.com/briangreenhill/cellarsync/cache"
	"github.com/briangreenhill/cellarsync/entity"
	"github.com/briangreenhill/cellarsync/optimistic"
)

// PatchData applies an optimistic change to key's document. fn receives a
// copy of the normalized document, where records are entity.Ref values, and
// returns the new one. ok is false when the key holds no data.
func (c *Coordinator) PatchData(key cache.Key, id string, fn optimistic.Func[any], at time.Time) (optimistic.Patch[any], bool) {
	var (
		p  optimistic.Patch[any]
		ok bool
	)
	changed := c.writeData(key, func(rec *record, w *entity.Writer) {
		if !rec.entry.HasData() {
			return
		}
		p, ok = rec.stack.Push(id, fn, at), true
		c.syncLocked(rec, w)
	})
	c.Notify(changed)
	return p, ok
}

// CommitData keeps an optimistic change until the next confirmed fetch.
// Fetches already in flight do not replace the document.
func (c *Coordinator) CommitData(key cache.Key, id string) {
	changed := c.writeData(key, func(rec *record, w *entity.Writer) {
		if rec.stack.Commit(id) {
			if c.inflight > 0 {
				rec.committedSeq = c.seq
			}
			c.syncLocked(rec, w)
		}
	})
	c.Notify(changed)
}

// MarkCommitted records that a mutation is about to commit changes to refs.
// Results of fetches already in flight are not written into those records,
// so a response older than the mutation never overwrites it.
func (c *Coordinator) MarkCommitted(refs ...entity.Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight == 0 {
		return
	}
	for _, ref := range refs {
		c.committed[ref] = c.seq
	}
}

// RollbackData reverts an optimistic change. Newer changes on the same key
// are kept.
func (c *Coordinator) RollbackData(key cache.Key, id string) {
	changed := c.writeData(key, func(rec *record, w *entity.Writer) {
		if rec.stack.Rollback(id) {
			c.syncLocked(rec, w)
		}
	})
	c.Notify(changed)
}

func (c *Coordinator) writeData(key cache.Key, fn func(rec *record, w *entity.Writer)) []cache.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entries[key]
	if !ok {
		return nil
	}
	changed := c.store.Write(func(w *entity.Writer) { fn(rec, w) })
	return append(changed, key)
}
