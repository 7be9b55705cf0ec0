package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/lambdaurl"
	"github.com/google/uuid"

	"companion-chat/internal/domain"
	"companion-chat/internal/identity"
	"companion-chat/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	maxBodyBytes        = 64 << 10
)

type ChatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.Stream, error)
	History(ctx context.Context, in usecase.HistoryInput) ([]domain.Turn, error)
}

type Handler struct {
	uc       ChatUseCase
	identity identity.Provider
	logger   *slog.Logger
	mux      *http.ServeMux
}

type chatRequest struct {
	Prompt string `json:"prompt"`
}

type historyResponse struct {
	Turns []domain.Turn `json:"turns"`
}

func NewHandler(uc ChatUseCase, ids identity.Provider, logger *slog.Logger) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if ids == nil {
		return nil, errors.New("handler: identity provider must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{uc: uc, identity: ids, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /api/chat/{chatId}", h.handleChat)
	h.mux.HandleFunc("GET /api/chat/{chatId}", h.handleHistory)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	corrID := correlationID(r)
	w.Header().Set(headerCorrelationID, corrID)
	log := h.logger.With("correlation_id", corrID, "path", r.URL.Path)

	id := h.identity.Identify(r)
	if !id.Valid() {
		h.writeError(w, log, &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "missing_identity"})
		return
	}

	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, log, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err})
		return
	}

	stream, err := h.uc.Chat(r.Context(), usecase.ChatInput{
		ConversationID: r.PathValue("chatId"),
		Route:          r.URL.Path,
		Identity:       id,
		Prompt:         req.Prompt,
		CorrelationID:  corrID,
	})
	if err != nil {
		h.writeError(w, log, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	writeFailed := false
	for line := range stream.Lines() {
		if writeFailed {
			continue
		}
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			log.Warn("write to client failed", "err", err)
			writeFailed = true
			continue
		}
		_ = rc.Flush()
	}

	res := stream.Wait()
	log.Info("chat response complete", "state", res.State, "reason", res.Reason, "lines", res.Lines)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	corrID := correlationID(r)
	w.Header().Set(headerCorrelationID, corrID)
	log := h.logger.With("correlation_id", corrID, "path", r.URL.Path)

	turns, err := h.uc.History(r.Context(), usecase.HistoryInput{
		ConversationID: r.PathValue("chatId"),
		Identity:       h.identity.Identify(r),
	})
	if err != nil {
		h.writeError(w, log, err)
		return
	}
	if turns == nil {
		turns = []domain.Turn{}
	}

	body, err := json.Marshal(historyResponse{Turns: turns})
	if err != nil {
		h.writeError(w, log, &usecase.Error{Code: usecase.ErrorInternal, Reason: "marshal_error", Err: err})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	status, text := statusFor(err)

	var ucErr *usecase.Error
	attrs := []any{"status", status, "err", err}
	if errors.As(err, &ucErr) {
		attrs = append(attrs, "code", ucErr.Code, "reason", ucErr.Reason)
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", attrs...)
	} else {
		log.Info("request rejected", attrs...)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, text)
}

// statusFor maps use case errors to responses. 401, 429 and 500 are the
// public contract; 404 for an unknown companion and 400 for a bad body or
// prompt are local additions.
func statusFor(err error) (int, string) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, "Internal Error"
	}
	switch ucErr.Code {
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized, "Unauthorized"
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, "Rate limit exceeded"
	case usecase.ErrorNotFound:
		return http.StatusNotFound, "Not Found"
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, "Bad Request"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}

// correlationID prefers the caller's header, then the Function URL request id,
// and generates one otherwise.
func correlationID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(headerCorrelationID)); v != "" {
		return v
	}
	if req, ok := lambdaurl.RequestFromContext(r.Context()); ok && req.RequestContext.RequestID != "" {
		return req.RequestContext.RequestID
	}
	return uuid.NewString()
}
