package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"companion-chat/internal/domain"
	"companion-chat/internal/usecase"
)

type stubStream struct {
	lines chan string
	res   usecase.Result
}

func newStubStream(lines ...string) *stubStream {
	s := &stubStream{lines: make(chan string, len(lines)), res: usecase.Result{State: usecase.StateFinalized, Lines: len(lines)}}
	for _, l := range lines {
		s.lines <- l
	}
	close(s.lines)
	return s
}

func (s *stubStream) Lines() <-chan string { return s.lines }
func (s *stubStream) Wait() usecase.Result { return s.res }

type stubUseCase struct {
	stream    usecase.Stream
	err       error
	in        usecase.ChatInput
	chatCalls int

	turns     []domain.Turn
	histErr   error
	historyIn usecase.HistoryInput
}

func (s *stubUseCase) Chat(_ context.Context, in usecase.ChatInput) (usecase.Stream, error) {
	s.chatCalls++
	s.in = in
	if s.err != nil {
		return nil, s.err
	}
	return s.stream, nil
}

func (s *stubUseCase) History(_ context.Context, in usecase.HistoryInput) ([]domain.Turn, error) {
	s.historyIn = in
	return s.turns, s.histErr
}

type stubIdentity struct {
	id domain.Identity
}

func (s stubIdentity) Identify(_ *http.Request) domain.Identity { return s.id }

var grace = domain.Identity{ID: "user-1", DisplayName: "Grace"}

func newTestHandler(t *testing.T, uc *stubUseCase, id domain.Identity) *Handler {
	t.Helper()
	h, err := NewHandler(uc, stubIdentity{id: id}, nil)
	require.NoError(t, err)
	return h
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(nil, stubIdentity{}, nil)
	require.Error(t, err)

	_, err = NewHandler(&stubUseCase{}, nil, nil)
	require.Error(t, err)
}

func TestChat_StreamsLines(t *testing.T) {
	uc := &stubUseCase{stream: newStubStream("Hello there.", "", "How are you?")}
	h := newTestHandler(t, uc, grace)

	rec := serve(h, http.MethodPost, "/api/chat/comp-1", `{"prompt":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, "Hello there.\n\nHow are you?\n", rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
	require.True(t, rec.Flushed)

	require.Equal(t, "comp-1", uc.in.ConversationID)
	require.Equal(t, "/api/chat/comp-1", uc.in.Route)
	require.Equal(t, "hi", uc.in.Prompt)
	require.Equal(t, grace, uc.in.Identity)
	require.Equal(t, rec.Header().Get("X-Correlation-Id"), uc.in.CorrelationID)
}

func TestChat_EmptyReply(t *testing.T) {
	uc := &stubUseCase{stream: newStubStream()}
	h := newTestHandler(t, uc, grace)

	rec := serve(h, http.MethodPost, "/api/chat/comp-1", `{"prompt":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestChat_UnauthorizedSkipsUseCase(t *testing.T) {
	uc := &stubUseCase{stream: newStubStream("nope")}
	h := newTestHandler(t, uc, domain.Identity{})

	rec := serve(h, http.MethodPost, "/api/chat/comp-1", `{"prompt":"hi"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Unauthorized", rec.Body.String())
	require.Zero(t, uc.chatCalls)
}

func TestChat_InvalidBody(t *testing.T) {
	uc := &stubUseCase{}
	h := newTestHandler(t, uc, grace)

	rec := serve(h, http.MethodPost, "/api/chat/comp-1", `not-json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, uc.chatCalls)
}

func TestChat_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{name: "unauthorized", err: &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "missing_identity"}, status: http.StatusUnauthorized, body: "Unauthorized"},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "rate_limit_exceeded"}, status: http.StatusTooManyRequests, body: "Rate limit exceeded"},
		{name: "not found", err: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "companion_not_found"}, status: http.StatusNotFound, body: "Not Found"},
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_prompt"}, status: http.StatusBadRequest, body: "Bad Request"},
		{name: "inference", err: &usecase.Error{Code: usecase.ErrorInference, Reason: "inference_error"}, status: http.StatusInternalServerError, body: "Internal Error"},
		{name: "persistence", err: &usecase.Error{Code: usecase.ErrorPersistence, Reason: "user_turn_write_error"}, status: http.StatusInternalServerError, body: "Internal Error"},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, body: "Internal Error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{err: tc.err}
			h := newTestHandler(t, uc, grace)

			rec := serve(h, http.MethodPost, "/api/chat/comp-1", `{"prompt":"hi"}`)
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.body, rec.Body.String())
			require.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
		})
	}
}

func TestChat_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	uc := &stubUseCase{stream: newStubStream("ok")}
	h := newTestHandler(t, uc, grace)

	req := httptest.NewRequest(http.MethodPost, "/api/chat/comp-1", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set("x-correlation-id", "corr-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, "corr-123", rec.Header().Get("X-Correlation-Id"))
	require.Equal(t, "corr-123", uc.in.CorrelationID)
}

func TestHistory(t *testing.T) {
	uc := &stubUseCase{turns: []domain.Turn{
		{ID: "t1", ConversationID: "comp-1", Role: domain.RoleUser, Content: "hi", AuthorID: "user-1"},
	}}
	h := newTestHandler(t, uc, grace)

	rec := serve(h, http.MethodGet, "/api/chat/comp-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var out historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Turns, 1)
	require.Equal(t, "hi", out.Turns[0].Content)
	require.Equal(t, usecase.HistoryInput{ConversationID: "comp-1", Identity: grace}, uc.historyIn)
}

func TestHistory_EmptyIsArray(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{}, grace)

	rec := serve(h, http.MethodGet, "/api/chat/comp-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"turns":[]}`, rec.Body.String())
}

func TestHistory_Error(t *testing.T) {
	uc := &stubUseCase{histErr: &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "missing_identity"}}
	h := newTestHandler(t, uc, domain.Identity{})

	rec := serve(h, http.MethodGet, "/api/chat/comp-1", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{}, grace)

	rec := serve(h, http.MethodPost, "/api/other", `{}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h, http.MethodDelete, "/api/chat/comp-1", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
