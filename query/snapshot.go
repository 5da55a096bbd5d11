package query

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/briangreenhill/cellarsync/cache"
)

// ErrNoData is returned by Snapshot.Decode when there is nothing to decode.
var ErrNoData = errors.New("query: no data")

// Snapshot is the state of one key at a point in time. Data is rebuilt from
// the entity store and must be treated as read-only.
type Snapshot struct {
	Key       cache.Key
	Status    cache.Status
	Data      any
	Err       error
	FetchedAt time.Time
	Stale     bool
	// Subscribers is the number of live subscriptions on the key.
	Subscribers int
}

// Decode converts Data into v via JSON.
func (s Snapshot) Decode(v any) error {
	if s.Data == nil {
		return ErrNoData
	}
	b, err := json.Marshal(s.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// HasData reports whether the snapshot carries data, possibly stale.
func (s Snapshot) HasData() bool { return s.Data != nil }

// Loading reports whether a fetch is in flight.
func (s Snapshot) Loading() bool { return s.Status == cache.StatusLoading }
