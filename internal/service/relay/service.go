// Package relay drives one inbound chat message through validation, optional
// image retrieval, prompt assembly, inference and delivery.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/events"
	"github.com/zhouzirui/z-relay/internal/model/chat"
	"github.com/zhouzirui/z-relay/internal/service/ai"
	chatservice "github.com/zhouzirui/z-relay/internal/service/chat"
	"github.com/zhouzirui/z-relay/internal/service/dispatch"
	"github.com/zhouzirui/z-relay/internal/worker"
)

// State is a step of the per-message pipeline.
type State string

const (
	StateReceived        State = "received"
	StateValidated       State = "validated"
	StateImageFetch      State = "image_fetch"
	StatePromptAssembled State = "prompt_assembled"
	StateInferred        State = "inferred"
	StateCompleted       State = "completed"
	StateAborted         State = "aborted"
)

var (
	// ErrValidationRejected marks empty, unsupported or too short input.
	ErrValidationRejected = errors.New("validation rejected")
	// ErrRetrieval marks a failed image download.
	ErrRetrieval = errors.New("image retrieval failed")
)

// Fetcher resolves an image reference to raw bytes.
type Fetcher interface {
	Fetch(ctx context.Context, fileRef string) (chat.Image, error)
}

// Inferrer produces an answer for a prompt.
type Inferrer interface {
	Infer(ctx context.Context, blocks []ai.Block) (string, error)
}

// Deliverer sends a possibly long answer to a conversation.
type Deliverer interface {
	Deliver(ctx context.Context, id chat.ConversationID, text string) (int, error)
}

// Notices are the short user-facing texts sent outside of model answers.
type Notices struct {
	Unsupported string
	TooShort    string
	ImageAck    string
	Failure     string
}

// DefaultNotices returns the production wording.
func DefaultNotices() Notices {
	return Notices{
		Unsupported: "Please send text or an image.",
		TooShort:    "Could you add a bit more detail?",
		ImageAck:    "Image received, analysing...",
		Failure:     "Sorry, I could not understand that. Please try rephrasing your request.",
	}
}

// Config controls pipeline policy.
type Config struct {
	MinTextLength int

	// NotifyOnFailure selects between sending Notices.Failure and staying silent
	// when retrieval or inference fails.
	NotifyOnFailure bool

	ImageAck         bool
	ImagePlaceholder string
	Notices          Notices
}

// Dependencies are the collaborators of the pipeline. Publisher and Pool are optional.
type Dependencies struct {
	Store      *chatservice.Store
	Prompts    *ai.PromptBuilder
	Inference  Inferrer
	Dispatcher Deliverer
	Fetcher    Fetcher
	Notifier   dispatch.Sender
	Publisher  events.Publisher
	Pool       *worker.Pool
}

// Outcome reports how a message was handled.
type Outcome struct {
	State State
	// AbortedAt is the last state reached before an abort.
	AbortedAt State
	// Trail lists every state the message passed through, State included.
	Trail  []State
	Err    error
	Chunks int
}

func (o *Outcome) reach(state State) {
	o.Trail = append(o.Trail, state)
}

func (o *Outcome) abort(err error) Outcome {
	o.AbortedAt = o.Trail[len(o.Trail)-1]
	o.State = StateAborted
	o.Err = err
	o.reach(StateAborted)
	return *o
}

// Service is the message router.
type Service struct {
	deps    Dependencies
	cfg     Config
	logger  *zap.Logger
	baseCtx context.Context
	now     func() time.Time
}

// NewService wires the pipeline. Pipelines submitted through Submit run with a
// context derived from ctx, not from the submitter's context.
func NewService(ctx context.Context, deps Dependencies, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ImagePlaceholder == "" {
		cfg.ImagePlaceholder = "[image]"
	}

	defaults := DefaultNotices()
	if cfg.Notices.Unsupported == "" {
		cfg.Notices.Unsupported = defaults.Unsupported
	}
	if cfg.Notices.TooShort == "" {
		cfg.Notices.TooShort = defaults.TooShort
	}
	if cfg.Notices.ImageAck == "" {
		cfg.Notices.ImageAck = defaults.ImageAck
	}
	if cfg.Notices.Failure == "" {
		cfg.Notices.Failure = defaults.Failure
	}

	return &Service{
		deps:    deps,
		cfg:     cfg,
		logger:  logger.Named("relay"),
		baseCtx: ctx,
		now:     time.Now,
	}
}

// Submit queues msg behind earlier messages of the same conversation. It only
// blocks while the conversation's worker queue is full.
func (s *Service) Submit(ctx context.Context, msg chat.Inbound) error {
	if s.deps.Pool == nil {
		s.Handle(s.baseCtx, msg)
		return nil
	}

	return s.deps.Pool.Submit(ctx, worker.Job{
		Key: msg.ConversationID().String(),
		Run: func() { s.Handle(s.baseCtx, msg) },
	})
}

// Close waits for queued pipelines to finish. Submit fails afterwards.
func (s *Service) Close() {
	if s.deps.Pool != nil {
		s.deps.Pool.Close()
	}
}

// Handle runs the whole pipeline for one message synchronously. Callers that
// may see concurrent messages for one conversation should go through Submit.
func (s *Service) Handle(ctx context.Context, msg chat.Inbound) Outcome {
	traceID := uuid.NewString()
	log := s.logger.With(
		zap.String("conversation_id", msg.ConversationID().String()),
		zap.String("trace_id", traceID),
		zap.String("message_kind", messageKind(msg)),
	)

	started := s.now()
	outcome := s.run(ctx, msg, log)
	elapsed := s.now().Sub(started)

	switch {
	case outcome.State == StateCompleted && outcome.Err != nil:
		log.Warn("pipeline completed with delivery error", zap.Int("chunks", outcome.Chunks), zap.Duration("elapsed", elapsed), zap.Error(outcome.Err))
	case outcome.State == StateCompleted:
		log.Info("pipeline completed", zap.Int("chunks", outcome.Chunks), zap.Duration("elapsed", elapsed))
		log.Debug("pipeline trail", zap.Any("states", outcome.Trail))
	default:
		log.Info("pipeline aborted", zap.String("at", string(outcome.AbortedAt)), zap.Duration("elapsed", elapsed), zap.Error(outcome.Err))
	}

	s.publish(ctx, msg, traceID, outcome, elapsed, log)
	return outcome
}

func (s *Service) run(ctx context.Context, msg chat.Inbound, log *zap.Logger) Outcome {
	id := msg.ConversationID()
	outcome := &Outcome{State: StateReceived, Trail: []State{StateReceived}}

	var text, fileRef string
	switch m := msg.(type) {
	case chat.TextMessage:
		text = strings.TrimSpace(m.Text)
	case chat.ImageMessage:
		text = strings.TrimSpace(m.Caption)
		fileRef = m.FileRef
	}

	if text == "" && fileRef == "" {
		s.notify(ctx, id, s.cfg.Notices.Unsupported, log)
		return outcome.abort(fmt.Errorf("%w: no text or image content", ErrValidationRejected))
	}
	if fileRef == "" && utf8.RuneCountInString(text) < s.cfg.MinTextLength {
		s.notify(ctx, id, s.cfg.Notices.TooShort, log)
		return outcome.abort(fmt.Errorf("%w: text shorter than %d characters", ErrValidationRejected, s.cfg.MinTextLength))
	}
	outcome.reach(StateValidated)

	var image *chat.Image
	if fileRef != "" {
		outcome.reach(StateImageFetch)
		if s.cfg.ImageAck {
			s.notify(ctx, id, s.cfg.Notices.ImageAck, log)
		}

		fetched, err := s.deps.Fetcher.Fetch(ctx, fileRef)
		if err != nil {
			log.Error("image retrieval failed", zap.String("file_ref", fileRef), zap.Error(err))
			s.notifyFailure(ctx, id, log)
			return outcome.abort(fmt.Errorf("%w: %w", ErrRetrieval, err))
		}
		image = &fetched
	}

	// Both steps run inside the conversation's worker, so the prompt sees exactly
	// the history preceding this message and no other pipeline interleaves.
	blocks := s.deps.Prompts.Build(id, text, image)
	userTurn := text
	if userTurn == "" {
		userTurn = s.cfg.ImagePlaceholder
	}
	s.deps.Store.Append(id, chat.RoleUser, userTurn)
	outcome.reach(StatePromptAssembled)

	answer, err := s.deps.Inference.Infer(ctx, blocks)
	if err != nil {
		s.notifyFailure(ctx, id, log)
		return outcome.abort(err)
	}
	outcome.reach(StateInferred)

	s.deps.Store.Append(id, chat.RoleAssistant, answer)

	outcome.Chunks, outcome.Err = s.deps.Dispatcher.Deliver(ctx, id, answer)
	outcome.State = StateCompleted
	outcome.reach(StateCompleted)
	return *outcome
}

func (s *Service) notifyFailure(ctx context.Context, id chat.ConversationID, log *zap.Logger) {
	if !s.cfg.NotifyOnFailure {
		return
	}
	s.notify(ctx, id, s.cfg.Notices.Failure, log)
}

func (s *Service) notify(ctx context.Context, id chat.ConversationID, text string, log *zap.Logger) {
	if s.deps.Notifier == nil || text == "" {
		return
	}
	if err := s.deps.Notifier.SendText(ctx, id, text); err != nil {
		log.Error("failed to send notice", zap.Error(fmt.Errorf("%w: %w", dispatch.ErrDelivery, err)))
	}
}

func (s *Service) publish(ctx context.Context, msg chat.Inbound, traceID string, outcome Outcome, elapsed time.Duration, log *zap.Logger) {
	if s.deps.Publisher == nil {
		return
	}

	event := events.NewPipelineEvent(msg.ConversationID().String(), traceID)
	event.MessageKind = messageKind(msg)
	event.State = string(outcome.State)
	event.AbortedAt = string(outcome.AbortedAt)
	event.DurationMs = elapsed.Milliseconds()
	event.ChunkCount = outcome.Chunks
	if outcome.Err != nil {
		event.Reason = outcome.Err.Error()
		event.ErrorKind = errorKind(outcome.Err)
	}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.deps.Publisher.PublishOutcome(publishCtx, event); err != nil {
		log.Warn("failed to publish pipeline event", zap.Error(err))
	}
}

func messageKind(msg chat.Inbound) string {
	switch m := msg.(type) {
	case chat.TextMessage:
		return "text"
	case chat.ImageMessage:
		return "image"
	case chat.UnsupportedMessage:
		if m.Kind != "" {
			return "unsupported:" + m.Kind
		}
		return "unsupported"
	default:
		return "unknown"
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidationRejected):
		return "validation_rejected"
	case errors.Is(err, ErrRetrieval):
		return "retrieval"
	case errors.Is(err, dispatch.ErrDelivery):
		return "delivery"
	default:
		return ai.Kind(err)
	}
}
