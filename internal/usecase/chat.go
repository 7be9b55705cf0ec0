package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"companion-chat/internal/domain"
)

const (
	defaultMaxPromptLen     = 2000
	defaultRecallLimit      = 20
	defaultInferenceTimeout = 60 * time.Second
	defaultPersistTimeout   = 10 * time.Second
	streamBuffer            = 16
)

const defaultSystemPrompt = "You are a helpful, respectful and honest assistant. Always answer as helpfully as possible, while being safe. " +
	"Your answers should not include any harmful, unethical, racist, sexist, toxic, dangerous, or illegal content. " +
	"Please ensure that your responses are socially unbiased and positive in nature.\n\n" +
	"If a question does not make any sense, or is not factually coherent, explain why instead of answering something not correct. " +
	"If you don't know the answer to a question, please don't share false information."

var errEmptyOutput = errors.New("usecase: model returned empty output")

// State is a stage of a single chat request.
type State string

const (
	StateReceived          State = "received"
	StateAuthorized        State = "authorized"
	StateRateChecked       State = "rate_checked"
	StateUserTurnPersisted State = "user_turn_persisted"
	StateComposed          State = "composed"
	StateInferring         State = "inferring"
	StateStreaming         State = "streaming"
	StateFinalized         State = "finalized"
	StateAborted           State = "aborted"
)

type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type TurnStore interface {
	FindCompanionAndAppendTurn(ctx context.Context, conversationID string, turn domain.Turn) (domain.Companion, domain.Turn, error)
	AppendTurn(ctx context.Context, conversationID string, turn domain.Turn) (domain.Turn, error)
	ListTurns(ctx context.Context, conversationID string) ([]domain.Turn, error)
}

type MemoryStore interface {
	Recall(ctx context.Context, key domain.CompanionKey, limit int) ([]domain.MemoryRecord, error)
	Remember(ctx context.Context, text string, key domain.CompanionKey) error
}

type InferenceClient interface {
	Run(ctx context.Context, model string, in domain.InferenceInput) (string, error)
	Stream(ctx context.Context, model string, in domain.InferenceInput, onChunk func(string) error) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ModelConfig pins the model and sampling parameters. Requests cannot
// override any of it.
type ModelConfig struct {
	ID           string
	MemoryName   string
	SystemPrompt string
	TopK         int
	TopP         float64
	Temperature  float64
	MaxNewTokens int
	MinNewTokens int
	Streaming    bool
}

func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		ID:           "meta/llama-2-13b-chat",
		MemoryName:   "llama2-13b",
		SystemPrompt: defaultSystemPrompt,
		TopK:         50,
		TopP:         1,
		Temperature:  0.75,
		MaxNewTokens: 500,
		MinNewTokens: -1,
	}
}

type Options struct {
	MaxPromptLen     int
	RecallLimit      int
	InferenceTimeout time.Duration
	PersistTimeout   time.Duration
	Logger           *slog.Logger
}

type ChatService struct {
	limiter RateLimiter
	turns   TurnStore
	memory  MemoryStore
	llm     InferenceClient
	model   ModelConfig

	maxPromptLen     int
	recallLimit      int
	inferenceTimeout time.Duration
	persistTimeout   time.Duration
	logger           *slog.Logger
}

type ChatInput struct {
	ConversationID string
	Route          string
	Identity       domain.Identity
	Prompt         string
	CorrelationID  string
}

type HistoryInput struct {
	ConversationID string
	Identity       domain.Identity
}

// Result is the terminal outcome of a reply stream.
type Result struct {
	State      State
	Reason     string
	Content    string
	Lines      int
	Err        error
	PersistErr error
}

// Stream delivers reply lines in order. Lines is closed when the reply ends;
// Wait blocks until then and reports how it ended.
type Stream interface {
	Lines() <-chan string
	Wait() Result
}

type replyStream struct {
	lines  chan string
	done   chan struct{}
	result Result
}

func (r *replyStream) Lines() <-chan string { return r.lines }

func (r *replyStream) Wait() Result {
	<-r.done
	return r.result
}

type chatJob struct {
	ctx            context.Context
	conversationID string
	userID         string
	key            domain.CompanionKey
	input          domain.InferenceInput
	log            *slog.Logger
}

func NewChatService(limiter RateLimiter, turns TurnStore, memory MemoryStore, llm InferenceClient, model ModelConfig, opts Options) (*ChatService, error) {
	if limiter == nil {
		return nil, errors.New("usecase: rate limiter must not be nil")
	}
	if turns == nil {
		return nil, errors.New("usecase: turn store must not be nil")
	}
	if memory == nil {
		return nil, errors.New("usecase: memory store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: inference client must not be nil")
	}
	if strings.TrimSpace(model.ID) == "" {
		return nil, errors.New("usecase: model id must not be empty")
	}
	if strings.TrimSpace(model.MemoryName) == "" {
		return nil, errors.New("usecase: memory model name must not be empty")
	}
	if opts.MaxPromptLen <= 0 {
		opts.MaxPromptLen = defaultMaxPromptLen
	}
	if opts.RecallLimit <= 0 {
		opts.RecallLimit = defaultRecallLimit
	}
	if opts.InferenceTimeout <= 0 {
		opts.InferenceTimeout = defaultInferenceTimeout
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ChatService{
		limiter:          limiter,
		turns:            turns,
		memory:           memory,
		llm:              llm,
		model:            model,
		maxPromptLen:     opts.MaxPromptLen,
		recallLimit:      opts.RecallLimit,
		inferenceTimeout: opts.InferenceTimeout,
		persistTimeout:   opts.PersistTimeout,
		logger:           opts.Logger,
	}, nil
}

// Chat runs one request through the pipeline. A non-nil error means nothing
// was streamed; its *Error code tells the caller which status to answer with.
// Otherwise the returned Stream carries the reply, and Chat only returns once
// the first line is available (or the reply is known to be empty).
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (Stream, error) {
	convID := strings.TrimSpace(in.ConversationID)
	log := s.logger.With("correlation_id", in.CorrelationID, "conversation_id", convID, "route", in.Route)
	log.Debug("chat state", "state", StateReceived)

	if !in.Identity.Valid() {
		return nil, s.abort(log, newError(ErrorUnauthorized, "missing_identity", nil))
	}
	log = log.With("user_id", in.Identity.ID)
	log.Debug("chat state", "state", StateAuthorized)

	prompt := strings.TrimSpace(in.Prompt)
	if convID == "" {
		return nil, s.abort(log, newError(ErrorInvalidInput, "missing_conversation_id", nil))
	}
	if prompt == "" {
		return nil, s.abort(log, newError(ErrorInvalidInput, "empty_prompt", nil))
	}
	if len(prompt) > s.maxPromptLen {
		return nil, s.abort(log, newError(ErrorInvalidInput, "prompt_too_long", nil))
	}

	allowed, err := s.limiter.Allow(ctx, rateKey(in.Route, in.Identity.ID))
	if err != nil {
		// Fail closed: an unavailable limiter must not let traffic through.
		return nil, s.abort(log, newError(ErrorRateLimited, "rate_limiter_unavailable", err))
	}
	if !allowed {
		return nil, s.abort(log, newError(ErrorRateLimited, "rate_limit_exceeded", nil))
	}
	log.Debug("chat state", "state", StateRateChecked)

	companion, _, err := s.turns.FindCompanionAndAppendTurn(ctx, convID, domain.Turn{
		Role:     domain.RoleUser,
		Content:  prompt,
		AuthorID: in.Identity.ID,
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, s.abort(log, newError(ErrorNotFound, "companion_not_found", err))
	}
	if err != nil {
		return nil, s.abort(log, newError(ErrorPersistence, "user_turn_write_error", err))
	}
	log.Debug("chat state", "state", StateUserTurnPersisted)

	key := domain.CompanionKey{
		CompanionID: companion.ID,
		UserID:      in.Identity.ID,
		ModelName:   s.model.MemoryName,
	}
	memory, err := s.memory.Recall(ctx, key, s.recallLimit)
	if err != nil {
		log.Warn("memory recall failed, composing without memory", "err", err)
		memory = nil
	}
	modelPrompt := ComposePrompt(PromptInput{
		CompanionName: companion.Name,
		Instructions:  companion.Instructions,
		Memory:        memory,
		Message:       prompt,
	})
	log.Debug("chat state", "state", StateComposed, "memory_records", len(memory))

	job := chatJob{
		ctx:            ctx,
		conversationID: convID,
		userID:         in.Identity.ID,
		key:            key,
		input:          s.inferenceInput(modelPrompt),
		log:            log,
	}
	out := &replyStream{
		lines: make(chan string, streamBuffer),
		done:  make(chan struct{}),
	}
	ready := make(chan error, 1)
	log.Debug("chat state", "state", StateInferring, "streaming", s.model.Streaming)
	go s.generate(job, out, ready)

	if err := <-ready; err != nil {
		return nil, err
	}
	return out, nil
}

// History returns the caller's own turns of a conversation, oldest first.
func (s *ChatService) History(ctx context.Context, in HistoryInput) ([]domain.Turn, error) {
	if !in.Identity.Valid() {
		return nil, newError(ErrorUnauthorized, "missing_identity", nil)
	}
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		return nil, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	turns, err := s.turns.ListTurns(ctx, convID)
	if err != nil {
		return nil, newError(ErrorInternal, "transcript_read_error", err)
	}
	own := make([]domain.Turn, 0, len(turns))
	for _, t := range turns {
		if t.AuthorID == in.Identity.ID {
			own = append(own, t)
		}
	}
	return own, nil
}

func (s *ChatService) generate(job chatJob, out *replyStream, ready chan<- error) {
	defer close(out.done)
	defer close(out.lines)

	ctx, cancel := context.WithTimeout(job.ctx, s.inferenceTimeout)
	defer cancel()

	var (
		norm     lineNormalizer
		emitted  []string
		signaled bool
		canceled bool
	)
	signal := func(err error) {
		if !signaled {
			signaled = true
			ready <- err
		}
	}
	emit := func(lines []string) error {
		for _, line := range lines {
			signal(nil)
			select {
			case out.lines <- line:
				emitted = append(emitted, line)
			case <-job.ctx.Done():
				canceled = true
				return job.ctx.Err()
			}
		}
		return nil
	}

	if !s.model.Streaming {
		text, err := s.llm.Run(ctx, s.model.ID, job.input)
		if err == nil && strings.TrimSpace(text) == "" {
			err = errEmptyOutput
		}
		if err != nil {
			uerr := s.inferenceError(job.log, err)
			out.result = Result{State: StateAborted, Reason: uerr.Reason, Err: uerr}
			signal(uerr)
			return
		}

		lines := NormalizeReply(text)
		content := strings.Join(lines, "\n")
		persisted := s.persist(job, content)
		job.log.Debug("chat state", "state", StateStreaming)
		emitErr := emit(lines)
		signal(nil)
		out.result = s.finish(job, content, len(emitted), <-persisted, emitErr)
		return
	}

	var sawOutput bool
	err := s.llm.Stream(ctx, s.model.ID, job.input, func(chunk string) error {
		if strings.TrimSpace(chunk) != "" {
			sawOutput = true
		}
		return emit(norm.Write(chunk))
	})
	if err == nil && !sawOutput {
		err = errEmptyOutput
	}
	if err != nil {
		switch {
		case canceled || job.ctx.Err() != nil:
			job.log.Warn("chat aborted, caller went away", "state", StateAborted, "lines", len(emitted))
			out.result = Result{State: StateAborted, Reason: "caller_canceled", Lines: len(emitted), Err: job.ctx.Err()}
		case !signaled:
			uerr := s.inferenceError(job.log, err)
			out.result = Result{State: StateAborted, Reason: uerr.Reason, Err: uerr}
			signal(uerr)
		default:
			// Lines already went out; the reply is incomplete and is not persisted.
			job.log.Error("inference failed mid-stream", "state", StateAborted, "lines", len(emitted), "err", err)
			out.result = Result{
				State:  StateAborted,
				Reason: "inference_failed_mid_stream",
				Lines:  len(emitted),
				Err:    newError(ErrorInference, "inference_failed_mid_stream", err),
			}
		}
		return
	}

	tail := norm.Flush()
	content := strings.Join(append(append([]string(nil), emitted...), tail...), "\n")
	persisted := s.persist(job, content)
	emitErr := emit(tail)
	signal(nil)
	out.result = s.finish(job, content, len(emitted), <-persisted, emitErr)
}

// persist writes the memory record and the system turn concurrently. It runs
// detached from the caller so a disconnect cannot interrupt it.
func (s *ChatService) persist(job chatJob, content string) <-chan error {
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(job.ctx), s.persistTimeout)
		defer cancel()

		var (
			wg      sync.WaitGroup
			memErr  error
			turnErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			memErr = s.memory.Remember(ctx, content, job.key)
		}()
		go func() {
			defer wg.Done()
			_, turnErr = s.turns.AppendTurn(ctx, job.conversationID, domain.Turn{
				Role:     domain.RoleSystem,
				Content:  content,
				AuthorID: job.userID,
			})
		}()
		wg.Wait()

		if err := errors.Join(memErr, turnErr); err != nil {
			done <- newError(ErrorPersistence, "reply_write_error", err)
			return
		}
		done <- nil
	}()
	return done
}

func (s *ChatService) finish(job chatJob, content string, lines int, persistErr, emitErr error) Result {
	res := Result{
		State:      StateFinalized,
		Content:    content,
		Lines:      lines,
		PersistErr: persistErr,
	}
	if persistErr != nil {
		job.log.Error("reply persistence failed", "err", persistErr)
	}
	if emitErr != nil {
		job.log.Warn("chat aborted, caller went away", "state", StateAborted, "lines", lines)
		res.State = StateAborted
		res.Reason = "caller_canceled"
		res.Err = emitErr
		return res
	}
	job.log.Info("chat finalized", "state", StateFinalized, "lines", lines)
	return res
}

func (s *ChatService) abort(log *slog.Logger, err *Error) *Error {
	attrs := []any{"state", StateAborted, "code", err.Code, "reason", err.Reason}
	if err.Err != nil {
		attrs = append(attrs, "err", err.Err)
	}
	switch err.Code {
	case ErrorPersistence, ErrorInternal, ErrorInference:
		log.Error("chat aborted", attrs...)
	case ErrorRateLimited:
		if err.Err != nil {
			log.Error("chat aborted", attrs...)
			break
		}
		log.Info("chat aborted", attrs...)
	default:
		log.Info("chat aborted", attrs...)
	}
	return err
}

func (s *ChatService) inferenceError(log *slog.Logger, err error) *Error {
	reason := "inference_error"
	switch {
	case errors.Is(err, errEmptyOutput):
		reason = "empty_output"
	case errors.Is(err, context.DeadlineExceeded):
		reason = "inference_timeout"
	case errors.Is(err, context.Canceled):
		reason = "caller_canceled"
	}
	if status, ok := upstreamStatusCode(err); ok {
		log = log.With("upstream_status", status)
	}
	return s.abort(log, newError(ErrorInference, reason, err))
}

func (s *ChatService) inferenceInput(prompt string) domain.InferenceInput {
	return domain.InferenceInput{
		Prompt:       prompt,
		SystemPrompt: s.model.SystemPrompt,
		TopK:         s.model.TopK,
		TopP:         s.model.TopP,
		Temperature:  s.model.Temperature,
		MaxNewTokens: s.model.MaxNewTokens,
		MinNewTokens: s.model.MinNewTokens,
	}
}

func rateKey(route, userID string) string {
	return route + "-" + userID
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
