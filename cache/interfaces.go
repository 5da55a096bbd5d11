// Package cache provides the cache keys and per-query cache entries shared by
// the query and mutation coordinators, with TTL-based freshness and explicit
// invalidation.
package cache

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a cache entry.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry represents a cached query result with metadata.
//
// Status success implies Data != nil, status error implies Err != nil, and
// FetchedAt is only set by a successful fetch.
type Entry struct {
	Key         Key
	Status      Status
	Data        any
	Err         error
	FetchedAt   time.Time
	StaleAfter  time.Duration
	Subscribers int
	Invalidated bool
	IdleSince   time.Time
}

// NewEntry creates an idle entry.
func NewEntry(key Key, staleAfter time.Duration, now time.Time) *Entry {
	return &Entry{Key: key, StaleAfter: staleAfter, IdleSince: now}
}

// HasData reports whether a previous fetch left data behind.
func (e *Entry) HasData() bool {
	return e.Data != nil
}

// Fresh reports whether the entry can be served without a network call.
func (e *Entry) Fresh(now time.Time) bool {
	if e.Invalidated || e.FetchedAt.IsZero() || e.Data == nil {
		return false
	}
	return now.Sub(e.FetchedAt) < e.StaleAfter
}

// MarkLoading moves the entry into loading, keeping prior data for
// stale-while-revalidate rendering.
func (e *Entry) MarkLoading() {
	e.Status = StatusLoading
}

// Succeed stores fetched data. A nil payload (HTTP 204) is stored as NoContent
// so the success invariant holds.
func (e *Entry) Succeed(data any, now time.Time) {
	if data == nil {
		data = NoContent{}
	}
	e.Status = StatusSuccess
	e.Data = data
	e.Err = nil
	e.FetchedAt = now
}

// Fail records err while keeping the last known good data.
func (e *Entry) Fail(err error) {
	if err == nil {
		err = errors.New("fetch failed")
	}
	e.Status = StatusError
	e.Err = err
}

// Retain and Release track subscribers and the idle clock used for eviction.
func (e *Entry) Retain() {
	e.Subscribers++
	e.IdleSince = time.Time{}
}

func (e *Entry) Release(now time.Time) {
	if e.Subscribers > 0 {
		e.Subscribers--
	}
	if e.Subscribers == 0 {
		e.IdleSince = now
	}
}

// Touch restarts the idle clock of an unsubscribed entry.
func (e *Entry) Touch(now time.Time) {
	if e.Subscribers == 0 {
		e.IdleSince = now
	}
}

// Evictable reports whether the entry has been unsubscribed for at least idle.
func (e *Entry) Evictable(now time.Time, idle time.Duration) bool {
	if e.Subscribers > 0 || e.IdleSince.IsZero() {
		return false
	}
	return now.Sub(e.IdleSince) >= idle
}

// NoContent is the data stored for a successful response without a body.
type NoContent struct{}
