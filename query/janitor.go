package query

import (
	"time"

	"github.com/briangreenhill/cellarsync/cache"
	"github.com/briangreenhill/cellarsync/entity"
)

func (c *Coordinator) startJanitor() {
	if c.janitorInterval <= 0 || c.idleEviction <= 0 {
		return
	}

	ticker := time.NewTicker(c.janitorInterval)

	go func() {
		for {
			select {
			case <-ticker.C:
				c.EvictIdle()
			case <-c.stopChan:
				ticker.Stop()
				return
			}
		}
	}()
}

// EvictIdle removes entries that have had no subscriber for the idle
// eviction window, together with entity records only they referenced.
// Entries with a fetch in flight or a pending optimistic patch are kept.
func (c *Coordinator) EvictIdle() int {
	if c.idleEviction <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var victims []cache.Key
	for k, rec := range c.entries {
		if rec.flights > 0 || rec.stack.Pending() > 0 {
			continue
		}
		if rec.entry.Evictable(now, c.idleEviction) {
			victims = append(victims, k)
		}
	}
	if len(victims) == 0 {
		return 0
	}

	c.store.Write(func(w *entity.Writer) {
		for _, k := range victims {
			w.Release(k)
			delete(c.entries, k)
		}
	})
	for range victims {
		c.metrics.QueryEvent("evict")
	}
	c.metrics.SetEntries(len(c.entries))
	c.logger.Info().Int("evicted", len(victims)).Int("remaining", len(c.entries)).Msg("evicted idle cache entries")
	return len(victims)
}
