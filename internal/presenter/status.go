package presenter

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatrelay/chatrelay/internal/platform"
)

var spinnerFrames = []string{
	"Thinking",
	"Thinking.",
	"Thinking..",
	"Thinking...",
}

// Spinner animates the status line of a stream target while a run is in
// flight. It runs as its own loop so a stalled backend still shows activity.
type Spinner struct {
	sink     Sink
	interval time.Duration
	logger   *slog.Logger
}

// NewSpinner builds a spinner ticking at interval.
func NewSpinner(log *slog.Logger, sink Sink, interval time.Duration) *Spinner {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Spinner{
		sink:     sink,
		interval: interval,
		logger:   log.With(slog.String("component", "spinner")),
	}
}

// Start begins animating targetID and returns a stop function. Stop cancels
// the loop, waits for it to exit, and clears the status line, so the final
// body commit can never race a stale frame.
func (s *Spinner) Start(ctx context.Context, targetID string) (stop func()) {
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		frame := 0
		s.pushStatus(loopCtx, targetID, spinnerFrames[frame])
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				frame = (frame + 1) % len(spinnerFrames)
				s.pushStatus(loopCtx, targetID, spinnerFrames[frame])
			}
		}
	}()

	return func() {
		cancel()
		<-done
		// Clear with the parent context: loopCtx is already cancelled.
		s.pushStatus(ctx, targetID, "")
	}
}

func (s *Spinner) pushStatus(ctx context.Context, targetID, status string) {
	if err := s.sink.PushUpdate(ctx, targetID, map[string]string{platform.FieldStatus: status}); err != nil {
		if ctx.Err() == nil {
			s.logger.Debug("status push failed", slog.String("error", err.Error()))
		}
	}
}
