// Package search coalesces rapid input into one trailing request.
//
// Each call to Search restarts the debounce timer. Only the result of the most
// recent call is accepted: every call takes a sequence number and a result
// whose number is no longer the latest is dropped on arrival, whatever order
// the responses come back in.
package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/cellarsync/internal/metrics"
)

// SearchFunc performs one search. ctx is cancelled when the result can no
// longer be accepted.
type SearchFunc[T any] func(ctx context.Context, text string) (T, error)

// Result is the controller's current state. Data keeps the last accepted
// results while a newer search is pending.
type Result[T any] struct {
	Text    string
	Seq     uint64
	Data    T
	Err     error
	Pending bool
}

type Option func(*config)

type config struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Controller is safe for concurrent use.
type Controller[T any] struct {
	delay     time.Duration
	minLength int
	fn        SearchFunc[T]
	cfg       config

	mu        sync.Mutex
	seq       uint64
	timer     *time.Timer
	inflight  context.CancelFunc
	current   Result[T]
	listeners map[int]func(Result[T])
	nextID    int
	closed    bool

	publishMu sync.Mutex
}

// New returns a controller that waits delay after the last keystroke and
// ignores text shorter than minLength runes.
func New[T any](delay time.Duration, minLength int, fn SearchFunc[T], opts ...Option) *Controller[T] {
	cfg := config{logger: zerolog.Nop()}
	for _, o := range opts {
		o(&cfg)
	}
	if minLength < 0 {
		minLength = 0
	}
	return &Controller[T]{
		delay:     delay,
		minLength: minLength,
		fn:        fn,
		cfg:       cfg,
		listeners: make(map[int]func(Result[T])),
	}
}

// Search schedules a request for text. Text shorter than the minimum clears
// the results without a request.
func (c *Controller[T]) Search(text string) {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.seq++
	seq := c.seq
	c.stopTimerLocked()

	if utf8.RuneCountInString(text) < c.minLength {
		c.cancelInflightLocked()
		c.current = Result[T]{Text: text, Seq: seq}
		c.mu.Unlock()
		c.cfg.metrics.Search("cleared")
		c.publish()
		return
	}

	c.current = Result[T]{Text: text, Seq: seq, Data: c.current.Data, Pending: true}
	c.timer = time.AfterFunc(c.delay, func() { c.fire(seq, text) })
	c.mu.Unlock()
	c.publish()
}

// Cancel drops the pending timer and discards any in-flight result.
func (c *Controller[T]) Cancel() {
	c.mu.Lock()
	c.seq++
	c.stopTimerLocked()
	c.cancelInflightLocked()
	c.current.Pending = false
	c.mu.Unlock()
	c.publish()
}

// Close cancels and stops accepting searches.
func (c *Controller[T]) Close() {
	c.Cancel()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Current returns the latest state.
func (c *Controller[T]) Current() Result[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Subscribe calls fn on every state change. The returned func unregisters it.
func (c *Controller[T]) Subscribe(fn func(Result[T])) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Controller[T]) fire(seq uint64, text string) {
	c.mu.Lock()
	if seq != c.seq || c.closed {
		c.mu.Unlock()
		return
	}
	c.cancelInflightLocked()
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.cfg.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.cfg.timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	c.inflight = cancel
	c.mu.Unlock()

	c.cfg.metrics.Search("issued")
	data, err := c.fn(ctx, text)
	cancel()

	c.mu.Lock()
	if seq != c.seq {
		c.mu.Unlock()
		c.cfg.metrics.Search("discarded")
		c.cfg.logger.Debug().Str("text", text).Uint64("seq", seq).Msg("discarded superseded search result")
		return
	}
	c.inflight = nil
	c.current = Result[T]{Text: text, Seq: seq, Data: data, Err: err}
	c.mu.Unlock()

	if err != nil {
		c.cfg.logger.Warn().Err(err).Str("text", text).Msg("search failed")
	}
	c.cfg.metrics.Search("accepted")
	c.publish()
}

func (c *Controller[T]) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller[T]) cancelInflightLocked() {
	if c.inflight != nil {
		c.inflight()
		c.inflight = nil
	}
}

// publish delivers the state current at delivery time, so listeners always
// end on the latest state.
func (c *Controller[T]) publish() {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.mu.Lock()
	r := c.current
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Result[T]), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(r)
	}
}
