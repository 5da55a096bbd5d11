package mutation

import (
	"strconv"
	"time"

	"github.com/briangreenhill/cellarsync/cache"
	"github.com/briangreenhill/cellarsync/entity"
	"github.com/briangreenhill/cellarsync/optimistic"
)

// Patch records one optimistic change: either to an entity or to a query
// document.
type Patch struct {
	ID        string
	Entity    *entity.Ref
	Key       cache.Key
	Previous  any
	AppliedAt time.Time
}

// Tx collects the optimistic changes of one mutation. It is only valid
// inside Options.Optimistic.
type Tx struct {
	c       *Coordinator
	id      string
	at      time.Time
	patches []Patch
}

// ID identifies the mutation. Patch ids are derived from it.
func (tx *Tx) ID() string { return tx.id }

// UpdateEntity applies fn to the visible record. fn receives a copy, or nil
// when the record is unknown, and returns the new record; nil removes it.
func (tx *Tx) UpdateEntity(typ, id string, fn func(entity.Record) entity.Record) {
	ref := entity.Ref{Type: typ, ID: id}
	pid := tx.nextID()
	var p optimistic.Patch[entity.Record]
	changed := tx.c.store.Write(func(w *entity.Writer) {
		p = w.Patch(ref, pid, optimistic.Func[entity.Record](fn), tx.at)
	})
	tx.patches = append(tx.patches, Patch{ID: pid, Entity: &ref, Previous: p.Previous, AppliedAt: p.AppliedAt})
	tx.c.q.Notify(changed)
}

// UpsertEntity merges fields into the record, creating it if needed.
func (tx *Tx) UpsertEntity(typ, id string, fields entity.Record) {
	tx.UpdateEntity(typ, id, func(r entity.Record) entity.Record {
		return r.Merge(fields)
	})
}

// RemoveEntity makes the record disappear from every result.
func (tx *Tx) RemoveEntity(typ, id string) {
	tx.UpdateEntity(typ, id, func(entity.Record) entity.Record { return nil })
}

// UpdateQuery applies fn to key's document. fn receives a copy of the
// normalized document, where records appear as entity.Ref values. It reports
// false when the key holds no data.
func (tx *Tx) UpdateQuery(key cache.Key, fn func(doc any) any) bool {
	pid := tx.nextID()
	p, ok := tx.c.q.PatchData(key, pid, optimistic.Func[any](fn), tx.at)
	if !ok {
		return false
	}
	tx.patches = append(tx.patches, Patch{ID: pid, Key: key, Previous: p.Previous, AppliedAt: p.AppliedAt})
	return true
}

func (tx *Tx) nextID() string {
	return tx.id + "/" + strconv.Itoa(len(tx.patches))
}

// Patches lists the changes applied so far, oldest first.
func (tx *Tx) Patches() []Patch {
	out := make([]Patch, len(tx.patches))
	copy(out, tx.patches)
	return out
}

func (tx *Tx) rollback() {
	for i := len(tx.patches) - 1; i >= 0; i-- {
		p := tx.patches[i]
		if p.Entity != nil {
			ref := *p.Entity
			changed := tx.c.store.Write(func(w *entity.Writer) { w.Rollback(ref, p.ID) })
			tx.c.q.Notify(changed)
			continue
		}
		tx.c.q.RollbackData(p.Key, p.ID)
	}
}

func (tx *Tx) commit() {
	var refs []entity.Ref
	for _, p := range tx.patches {
		if p.Entity != nil {
			refs = append(refs, *p.Entity)
		}
	}
	tx.c.q.MarkCommitted(refs...)
	for _, p := range tx.patches {
		if p.Entity != nil {
			ref := *p.Entity
			changed := tx.c.store.Write(func(w *entity.Writer) { w.Commit(ref, p.ID) })
			tx.c.q.Notify(changed)
			continue
		}
		tx.c.q.CommitData(p.Key, p.ID)
	}
}
