// Package gateway wires the relay pipeline: dedup, coalescing, backend
// streaming under retry, throttled presentation, history and accounting.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatrelay/chatrelay/internal/backend"
	"github.com/chatrelay/chatrelay/internal/dedupe"
	"github.com/chatrelay/chatrelay/internal/history"
	"github.com/chatrelay/chatrelay/internal/platform"
	"github.com/chatrelay/chatrelay/internal/presenter"
	"github.com/chatrelay/chatrelay/internal/resilience"
	"github.com/chatrelay/chatrelay/internal/session"
	"github.com/chatrelay/chatrelay/internal/stats"
	"github.com/chatrelay/chatrelay/internal/tools"
)

// errorReplyPrefix opens the user-visible failure message. The orchestrator
// owns failure wording; adapters only supply the detail.
const errorReplyPrefix = "Sorry, something went wrong: "

// attachmentFallback is appended to the prompt when a tool call fails, so
// the backend at least knows an attachment existed.
const attachmentFallback = "(An attachment was sent with this message but could not be processed.)"

const (
	toolTranscribeAudio = "transcribe_audio"
	toolExtractDocument = "extract_document"
)

// Inbound is one raw platform message before coalescing.
type Inbound struct {
	MessageID        string
	Platform         string
	ConversationID   string
	ConversationType string
	SenderID         string
	SenderNick       string
	Text             string
	Attachments      []session.Attachment
}

// Orchestrator drives one relay exchange per flushed batch.
type Orchestrator struct {
	coalescer *session.Coalescer
	dedup     *dedupe.Cache
	adapter   backend.Adapter
	vault     resilience.Refresher
	policy    resilience.Policy
	surface   platform.Surface
	present   *presenter.Presenter
	spinner   *presenter.Spinner
	histStore history.Store
	histLimit int
	recorder  *stats.Recorder
	invoker   tools.Invoker
	sysPrompt string
	model     string
	logger    *slog.Logger
}

// Options carries the orchestrator's collaborators. Adapter and Surface are
// required; everything else degrades gracefully when absent.
type Options struct {
	Dedup        *dedupe.Cache
	Registry     *session.Registry
	QuietPeriod  int // milliseconds
	Adapter      backend.Adapter
	Vault        resilience.Refresher
	Policy       resilience.Policy
	Surface      platform.Surface
	Presenter    *presenter.Presenter
	Spinner      *presenter.Spinner
	History      history.Store
	HistoryLimit int // token budget for replayed history
	Recorder     *stats.Recorder
	Invoker      tools.Invoker
	SystemPrompt string
	Model        string
}

// New assembles the orchestrator and its coalescer.
func New(log *slog.Logger, opts Options) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		dedup:     opts.Dedup,
		adapter:   opts.Adapter,
		vault:     opts.Vault,
		policy:    opts.Policy,
		surface:   opts.Surface,
		present:   opts.Presenter,
		spinner:   opts.Spinner,
		histStore: opts.History,
		histLimit: opts.HistoryLimit,
		recorder:  opts.Recorder,
		invoker:   opts.Invoker,
		sysPrompt: opts.SystemPrompt,
		model:     opts.Model,
		logger:    log.With(slog.String("component", "gateway")),
	}
	if o.histStore == nil {
		o.histStore = history.NewMemoryStore(0)
	}
	if o.present == nil {
		o.present = presenter.New(log, opts.Surface, time.Second)
	}
	if o.policy.MaxAttempts <= 0 {
		o.policy = resilience.DefaultPolicy()
	}
	quiet := quietDuration(opts.QuietPeriod)
	o.coalescer = session.NewCoalescer(log, opts.Registry, quiet, o.flush)
	return o
}

// HandleInbound is the platform entry point. Redelivered message ids are
// dropped before they can reach the coalescer, keyed per session so distinct
// conversations never shadow each other.
func (o *Orchestrator) HandleInbound(msg Inbound) error {
	key := session.NewKey(msg.ConversationID, msg.ConversationType, msg.SenderID)

	if o.dedup != nil && msg.MessageID != "" {
		if o.dedup.CheckAndMark(key.String() + ":" + msg.MessageID) {
			o.logger.Debug("dropping redelivered message",
				slog.String("session", key.String()),
				slog.String("message_id", msg.MessageID))
			return nil
		}
	}

	return o.coalescer.Enqueue(key, session.Fragment{
		Text:        msg.Text,
		Attachments: msg.Attachments,
		Meta: session.Metadata{
			Platform:         msg.Platform,
			ConversationID:   msg.ConversationID,
			ConversationType: msg.ConversationType,
			SenderID:         msg.SenderID,
			SenderNick:       msg.SenderNick,
		},
	})
}

// Shutdown flushes buffered batches and waits for in-flight exchanges.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.coalescer.Close(ctx)
}

// flush runs one full exchange for a coalesced batch.
func (o *Orchestrator) flush(ctx context.Context, key session.Key, batch session.Batch) {
	log := o.logger.With(slog.String("session", key.String()))

	prompt := o.buildPrompt(ctx, log, batch)
	if prompt == "" {
		log.Debug("batch empty after attachment processing, skipping")
		return
	}

	targetID, err := o.surface.CreateStreamTarget(ctx, batch.Meta.ConversationID)
	if err != nil {
		log.Error("create stream target failed", slog.String("error", err.Error()))
		return
	}

	messages := o.buildMessages(ctx, log, key, prompt)

	var stopSpinner func()
	if o.spinner != nil {
		stopSpinner = o.spinner.Start(ctx, targetID)
	}

	outcome, err := resilience.Do(ctx, log, o.policy, o.vault,
		func(ctx context.Context) (presenter.Outcome, error) {
			events, serr := o.adapter.Stream(ctx, backend.Request{
				SessionKey: key.String(),
				Messages:   messages,
				Model:      o.model,
				SenderID:   batch.Meta.SenderID,
				SenderNick: batch.Meta.SenderNick,
			})
			if serr != nil {
				return presenter.Outcome{}, serr
			}
			out := o.present.Run(ctx, targetID, events)
			if out.Answer == "" && out.Thinking == "" && !out.Failed() {
				return presenter.Outcome{}, resilience.ErrEmptyResult
			}
			return out, nil
		})

	if stopSpinner != nil {
		stopSpinner()
	}

	final, failed := o.finalBody(outcome, err)
	if cerr := o.surface.CommitFinal(ctx, targetID, final); cerr != nil {
		log.Error("commit final failed", slog.String("error", cerr.Error()))
	}

	if !failed {
		o.appendHistory(ctx, log, key, prompt, outcome.Answer)
	}
	o.recordUsage(ctx, key, batch, outcome, failed)
}

// buildPrompt joins the batch text with tool-processed attachment content.
func (o *Orchestrator) buildPrompt(ctx context.Context, log *slog.Logger, batch session.Batch) string {
	parts := []string{}
	if text := batch.JoinedText(); text != "" {
		parts = append(parts, text)
	}
	for _, att := range batch.Attachments {
		if extracted := o.processAttachment(ctx, log, att); extracted != "" {
			parts = append(parts, extracted)
		}
	}
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	joined := parts[0]
	for _, p := range parts[1:] {
		joined += "\n" + p
	}
	return joined
}

func (o *Orchestrator) processAttachment(ctx context.Context, log *slog.Logger, att session.Attachment) string {
	if o.invoker == nil {
		return attachmentFallback
	}
	var (
		result string
		err    error
	)
	switch att.Kind {
	case "audio":
		result, err = o.invoker.Invoke(ctx, toolTranscribeAudio, tools.BuildAudioArguments(att.Data, att.Name))
	case "file":
		result, err = o.invoker.Invoke(ctx, toolExtractDocument, tools.BuildFileArguments(att.Data, att.Name))
	default:
		return attachmentFallback
	}
	if err != nil {
		log.Warn("attachment processing failed",
			slog.String("kind", att.Kind),
			slog.String("error", err.Error()))
		return attachmentFallback
	}
	return result
}

// buildMessages assembles system prompt, truncated history and the new turn.
// A history read failure degrades to a context-free exchange.
func (o *Orchestrator) buildMessages(ctx context.Context, log *slog.Logger, key session.Key, prompt string) []backend.Message {
	var messages []backend.Message
	if o.sysPrompt != "" {
		messages = append(messages, backend.Message{Role: "system", Content: o.sysPrompt})
	}

	past, err := o.histStore.GetHistory(ctx, key.String())
	if err != nil {
		log.Warn("history fetch failed, continuing without context",
			slog.String("error", err.Error()))
	} else {
		messages = append(messages, past...)
	}

	messages = append(messages, backend.Message{Role: "user", Content: prompt})
	if o.histLimit > 0 {
		messages = history.TruncateMessages(messages, o.histLimit)
	}
	return messages
}

// finalBody decides what the committed card shows. A partial answer survives
// a mid-stream failure with the error appended; a failure before any content
// shows the error alone.
func (o *Orchestrator) finalBody(out presenter.Outcome, err error) (string, bool) {
	if err != nil {
		detail := err.Error()
		if errors.Is(err, resilience.ErrEmptyResult) {
			detail = "the model returned an empty answer"
		}
		return errorReplyPrefix + detail, true
	}
	if out.Failed() {
		if out.Answer != "" {
			return fmt.Sprintf("%s\n\n%s%s", out.Answer, errorReplyPrefix, out.ErrMessage), true
		}
		return errorReplyPrefix + out.ErrMessage, true
	}
	return out.Answer, false
}

func (o *Orchestrator) appendHistory(ctx context.Context, log *slog.Logger, key session.Key, prompt, answer string) {
	if err := o.histStore.AppendMessage(ctx, key.String(), backend.Message{Role: "user", Content: prompt}); err != nil {
		log.Warn("history append failed", slog.String("error", err.Error()))
		return
	}
	if err := o.histStore.AppendMessage(ctx, key.String(), backend.Message{Role: "assistant", Content: answer}); err != nil {
		log.Warn("history append failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) recordUsage(ctx context.Context, key session.Key, batch session.Batch, out presenter.Outcome, failed bool) {
	if o.recorder == nil {
		return
	}
	var usage backend.Usage
	if out.Usage != nil {
		usage = *out.Usage
	}
	o.recorder.Record(ctx, stats.Entry{
		SessionKey: key.String(),
		SenderID:   batch.Meta.SenderID,
		Platform:   batch.Meta.Platform,
		Usage:      usage,
		Failed:     failed,
	})
}

func quietDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
