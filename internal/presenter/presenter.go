// Package presenter drains a backend event stream into rate-limited edits of
// a chat surface target.
package presenter

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatrelay/chatrelay/internal/backend"
	"github.com/chatrelay/chatrelay/internal/platform"
)

// Sink receives the throttled body updates. The platform surfaces satisfy it.
type Sink interface {
	PushUpdate(ctx context.Context, targetID string, fields map[string]string) error
}

// Outcome summarizes one drained stream.
type Outcome struct {
	Answer     string
	Thinking   string
	Usage      *backend.Usage
	ErrMessage string
}

// Failed reports whether the stream ended on an error event.
func (o Outcome) Failed() bool { return o.ErrMessage != "" }

// Presenter applies the edit-rate contract: the first visible update goes out
// immediately, later ones at most once per interval, and the final state is
// always flushed regardless of the throttle.
type Presenter struct {
	sink     Sink
	render   Renderer
	interval time.Duration
	logger   *slog.Logger

	now func() time.Time
}

// New builds a presenter pushing through sink at most once per interval.
func New(log *slog.Logger, sink Sink, interval time.Duration) *Presenter {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Presenter{
		sink:     sink,
		render:   DefaultRender,
		interval: interval,
		logger:   log.With(slog.String("component", "presenter")),
		now:      time.Now,
	}
}

// Run drains events into edits of targetID until the channel closes or an
// error event arrives, and returns the accumulated outcome. Thinking deltas
// arriving after the first content delta are dropped so a late trace cannot
// overwrite a started answer. Push failures are logged and skipped; the
// stream itself is never interrupted by a failed edit.
func (p *Presenter) Run(ctx context.Context, targetID string, events <-chan backend.StreamEvent) Outcome {
	var (
		out          Outcome
		contentSeen  bool
		lastPush     time.Time
		lastRendered string
		dirty        bool
	)

	push := func(force bool) {
		body := p.render(out.Thinking, out.Answer, false)
		if body == lastRendered {
			dirty = false
			return
		}
		if !force && !lastPush.IsZero() && p.now().Sub(lastPush) < p.interval {
			dirty = true
			return
		}
		if err := p.sink.PushUpdate(ctx, targetID, map[string]string{platform.FieldContent: body}); err != nil {
			p.logger.Warn("push update failed",
				slog.String("target_id", targetID),
				slog.String("error", err.Error()))
			return
		}
		lastRendered = body
		lastPush = p.now()
		dirty = false
	}

	for ev := range events {
		switch ev.Type {
		case backend.EventThinkingDelta:
			if contentSeen {
				continue
			}
			out.Thinking += ev.Text
			push(false)
		case backend.EventContentDelta:
			contentSeen = true
			out.Answer += ev.Text
			push(false)
		case backend.EventUsage:
			out.Usage = ev.Usage
		case backend.EventError:
			out.ErrMessage = ev.Err
			// Terminal. Content already shown stays shown.
			return out
		}
	}

	if dirty {
		push(true)
	}
	return out
}
