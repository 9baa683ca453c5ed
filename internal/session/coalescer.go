package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Fragment is one inbound message unit before coalescing.
type Fragment struct {
	Text        string
	Attachments []Attachment
	Meta        Metadata
}

// Handler processes a flushed batch. It runs on its own goroutine and may
// block for the duration of a backend call.
type Handler func(ctx context.Context, key Key, batch Batch)

// Coalescer merges rapid inbound fragments per session and flushes them after
// a quiet period of inbound silence. While a flush is executing, newly
// arriving fragments accumulate into a fresh batch that is flushed exactly
// once when the executing flush completes; no fragment is ever dropped.
type Coalescer struct {
	registry *Registry
	quiet    time.Duration
	handler  Handler
	logger   *slog.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewCoalescer creates a coalescer flushing quiet after the last fragment of
// a burst. The registry is shared so callers can observe session counts.
func NewCoalescer(log *slog.Logger, registry *Registry, quiet time.Duration, handler Handler) *Coalescer {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if quiet <= 0 {
		quiet = 2 * time.Second
	}
	return &Coalescer{
		registry: registry,
		quiet:    quiet,
		handler:  handler,
		logger:   log.With(slog.String("component", "coalescer")),
	}
}

// Enqueue appends a fragment to the session's buffered batch, creating the
// batch if absent, and re-arms the debounce timer so the flush fires quiet
// after the most recent fragment. Fragments arriving while a flush for the
// same session is executing are held until that flush completes.
func (c *Coalescer) Enqueue(key Key, frag Fragment) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("coalescer is shut down")
	}
	c.mu.Unlock()

	st := c.registry.get(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.batch == nil {
		st.batch = &Batch{}
	}
	if frag.Text != "" {
		st.batch.Texts = append(st.batch.Texts, frag.Text)
	}
	st.batch.Attachments = append(st.batch.Attachments, frag.Attachments...)
	st.batch.Meta = frag.Meta

	// Supersede any pending timer; stale fires are rejected by generation.
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.timerGen++
	if st.inFlight {
		// The executing flush re-checks the buffer on completion and
		// triggers exactly one follow-up flush.
		return nil
	}
	gen := st.timerGen
	st.timer = time.AfterFunc(c.quiet, func() { c.fire(key, gen) })
	return nil
}

// fire is the debounce timer callback. It moves the batch out of the session
// slot and starts the flush, unless a newer fragment re-armed the timer or a
// flush is already executing.
func (c *Coalescer) fire(key Key, gen uint64) {
	st := c.registry.get(key)
	st.mu.Lock()
	if st.timerGen != gen || st.inFlight || st.batch == nil {
		st.mu.Unlock()
		return
	}
	batch := *st.batch
	st.batch = nil
	st.timer = nil
	st.inFlight = true
	st.mu.Unlock()

	c.wg.Add(1)
	go c.run(key, st, batch)
}

// run executes the handler and clears the in-flight marker afterwards, even
// if the handler panics, so a session can never be left permanently blocked.
// Any batch queued during execution is flushed exactly once, immediately.
func (c *Coalescer) run(key Key, st *state, batch Batch) {
	defer c.wg.Done()

	c.invoke(key, batch)

	st.mu.Lock()
	st.inFlight = false
	next := st.batch
	st.batch = nil
	if next != nil {
		st.inFlight = true
	}
	st.mu.Unlock()

	if next != nil {
		c.wg.Add(1)
		go c.run(key, st, *next)
	}
}

func (c *Coalescer) invoke(key Key, batch Batch) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("flush handler panicked",
				slog.String("session", key.String()),
				slog.Any("panic", r))
		}
	}()
	c.handler(context.Background(), key, batch)
}

// Close stops accepting fragments, flushes any buffered batches immediately,
// and waits for in-flight work to drain or ctx to expire.
func (c *Coalescer) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.registry.mu.Lock()
	keys := make([]Key, 0, len(c.registry.sessions))
	for key := range c.registry.sessions {
		keys = append(keys, key)
	}
	c.registry.mu.Unlock()

	for _, key := range keys {
		st := c.registry.get(key)
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.timerGen++
		gen := st.timerGen
		hasBatch := st.batch != nil && !st.inFlight
		st.mu.Unlock()
		if hasBatch {
			// Reuse the normal fire path so in-flight exclusion still holds.
			c.fire(key, gen)
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
