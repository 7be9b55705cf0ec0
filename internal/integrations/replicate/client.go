package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"companion-chat/internal/domain"
)

const (
	defaultBaseURL      = "https://api.replicate.com/v1"
	defaultPollInterval = 500 * time.Millisecond
	cancelTimeout       = 5 * time.Second

	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusCanceled  = "canceled"
)

// ErrEmptyOutput is returned when a prediction succeeds without producing any
// non-whitespace text.
var ErrEmptyOutput = errors.New("replicate: prediction produced no output")

// predictionRequest is the request body for both prediction endpoints.
type predictionRequest struct {
	Version string       `json:"version,omitempty"`
	Input   inputPayload `json:"input"`
	Stream  bool         `json:"stream,omitempty"`
}

type inputPayload struct {
	Debug        bool    `json:"debug"`
	TopK         int     `json:"top_k"`
	TopP         float64 `json:"top_p"`
	Prompt       string  `json:"prompt"`
	Temperature  float64 `json:"temperature"`
	SystemPrompt string  `json:"system_prompt"`
	MaxNewTokens int     `json:"max_new_tokens"`
	MinNewTokens int     `json:"min_new_tokens"`
}

// prediction is the subset of the prediction object the client acts on.
type prediction struct {
	ID        string
	Status    string
	Output    string
	Error     string
	GetURL    string
	CancelURL string
	StreamURL string
}

func (p prediction) terminal() bool {
	return p.Status == statusSucceeded || p.Status == statusFailed || p.Status == statusCanceled
}

// TokenSource resolves the API token. *paramstore.Client satisfies it.
type TokenSource interface {
	GetToken(ctx context.Context, name string) (string, error)
}

// StaticToken is a TokenSource that always returns itself.
type StaticToken string

func (t StaticToken) GetToken(_ context.Context, _ string) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", errors.New("replicate: static token is empty")
	}
	return string(t), nil
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("replicate: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// PredictionError reports a prediction that reached failed or canceled.
type PredictionError struct {
	ID     string
	Status string
	Detail string
}

func (e *PredictionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("replicate: prediction %s %s", e.ID, e.Status)
	}
	return fmt.Sprintf("replicate: prediction %s %s: %s", e.ID, e.Status, e.Detail)
}

// Client runs models on Replicate, either waiting for the full output or
// following the prediction's server-sent event stream.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	tokens       TokenSource
	tokenParam   string
	pollInterval time.Duration

	keyMu  sync.Mutex
	apiKey string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// NewClient creates a Client that resolves its API token from ts using the
// parameter name tokenParam. The token is fetched on first use and kept for
// the lifetime of the process; failed lookups are retried on the next call.
func NewClient(ts TokenSource, tokenParam string, opts ...Option) (*Client, error) {
	if ts == nil {
		return nil, errors.New("replicate: token source must not be nil")
	}
	c := &Client{
		baseURL: defaultBaseURL,
		// No client timeout: streams are bounded by the caller's context.
		httpClient:   &http.Client{},
		tokens:       ts,
		tokenParam:   strings.TrimSpace(tokenParam),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := c.tokens.GetToken(ctx, c.tokenParam)
	if err != nil {
		return "", fmt.Errorf("replicate: resolve api token: %w", err)
	}
	c.apiKey = key
	return key, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return http.DefaultClient
}

// predictionURL maps a model reference to its create endpoint. "owner/name"
// targets the model's latest deployment; "owner/name:version" pins a version.
func predictionURL(baseURL, model string) (url, version string, err error) {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}

	ref, version, pinned := strings.Cut(strings.TrimSpace(model), ":")
	owner, name, ok := strings.Cut(ref, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("replicate: invalid model reference %q", model)
	}
	if pinned {
		if version == "" {
			return "", "", fmt.Errorf("replicate: invalid model reference %q", model)
		}
		return base + "/predictions", version, nil
	}
	return base + "/models/" + owner + "/" + name + "/predictions", "", nil
}

// Run creates a prediction and waits for it to finish, returning the full
// output text.
func (c *Client) Run(ctx context.Context, model string, in domain.InferenceInput) (string, error) {
	p, err := c.create(ctx, model, in, false)
	if err != nil {
		return "", err
	}

	for !p.terminal() {
		if p.GetURL == "" {
			return "", fmt.Errorf("replicate: prediction %s has no poll url", p.ID)
		}
		timer := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.cancel(ctx, p)
			return "", ctx.Err()
		case <-timer.C:
		}
		next, err := c.get(ctx, p.GetURL)
		if err != nil {
			if ctx.Err() != nil {
				c.cancel(ctx, p)
			}
			return "", err
		}
		p = next
	}

	if p.Status != statusSucceeded {
		return "", &PredictionError{ID: p.ID, Status: p.Status, Detail: p.Error}
	}
	if strings.TrimSpace(p.Output) == "" {
		return "", ErrEmptyOutput
	}
	return p.Output, nil
}

// Stream creates a streaming prediction and calls onChunk for every output
// event in arrival order. An error returned by onChunk stops the stream and
// cancels the prediction.
func (c *Client) Stream(ctx context.Context, model string, in domain.InferenceInput, onChunk func(string) error) error {
	p, err := c.create(ctx, model, in, true)
	if err != nil {
		return err
	}
	if p.StreamURL == "" {
		return fmt.Errorf("replicate: prediction %s has no stream url", p.ID)
	}

	err = c.follow(ctx, p, onChunk)
	var predErr *PredictionError
	if err != nil && !errors.Is(err, ErrEmptyOutput) && !errors.As(err, &predErr) {
		c.cancel(ctx, p)
	}
	return err
}

func (c *Client) follow(ctx context.Context, p prediction, onChunk func(string) error) error {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.StreamURL, nil)
	if err != nil {
		return fmt.Errorf("replicate: create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("replicate: stream request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: p.StreamURL, Body: string(buf)}
	}

	var done, sawOutput bool
	err = readEvents(res.Body, func(ev event) error {
		switch ev.name {
		case "output":
			if strings.TrimSpace(ev.data) != "" {
				sawOutput = true
			}
			return onChunk(ev.data)
		case "error":
			return &PredictionError{ID: p.ID, Status: statusFailed, Detail: errorDetail(ev.data)}
		case "done":
			if reason := gjson.Get(ev.data, "reason").String(); reason == statusCanceled {
				return &PredictionError{ID: p.ID, Status: statusCanceled}
			}
			done = true
			return errStopEvents
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopEvents) {
		return err
	}
	if !done {
		return fmt.Errorf("replicate: stream for prediction %s ended before completion", p.ID)
	}
	if !sawOutput {
		return ErrEmptyOutput
	}
	return nil
}

func (c *Client) create(ctx context.Context, model string, in domain.InferenceInput, stream bool) (prediction, error) {
	url, version, err := predictionURL(c.baseURL, model)
	if err != nil {
		return prediction{}, err
	}
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return prediction{}, err
	}

	body, err := json.Marshal(predictionRequest{
		Version: version,
		Input:   toPayload(in),
		Stream:  stream,
	})
	if err != nil {
		return prediction{}, fmt.Errorf("replicate: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return prediction{}, fmt.Errorf("replicate: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if !stream {
		req.Header.Set("Prefer", "wait")
	}

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return prediction{}, fmt.Errorf("replicate: create prediction: %w", err)
	}
	return parsePrediction(raw)
}

func (c *Client) get(ctx context.Context, url string) (prediction, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return prediction{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return prediction{}, fmt.Errorf("replicate: create poll request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return prediction{}, fmt.Errorf("replicate: poll prediction: %w", err)
	}
	return parsePrediction(raw)
}

// cancel asks Replicate to stop a prediction. It is best effort and runs on a
// detached context so it still fires after the caller went away.
func (c *Client) cancel(ctx context.Context, p prediction) {
	if p.CancelURL == "" || p.terminal() {
		return
	}
	ctx, stop := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer stop()

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.CancelURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	_, _ = c.doJSONRequest(req, p.CancelURL)
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func toPayload(in domain.InferenceInput) inputPayload {
	return inputPayload{
		TopK:         in.TopK,
		TopP:         in.TopP,
		Prompt:       in.Prompt,
		Temperature:  in.Temperature,
		SystemPrompt: in.SystemPrompt,
		MaxNewTokens: in.MaxNewTokens,
		MinNewTokens: in.MinNewTokens,
	}
}

func parsePrediction(raw []byte) (prediction, error) {
	if !gjson.ValidBytes(raw) {
		return prediction{}, errors.New("replicate: decode prediction: invalid JSON")
	}
	r := gjson.ParseBytes(raw)
	p := prediction{
		ID:        r.Get("id").String(),
		Status:    r.Get("status").String(),
		Output:    joinOutput(r.Get("output")),
		Error:     errorDetail(r.Get("error").Raw),
		GetURL:    r.Get("urls.get").String(),
		CancelURL: r.Get("urls.cancel").String(),
		StreamURL: r.Get("urls.stream").String(),
	}
	if p.ID == "" || p.Status == "" {
		return prediction{}, errors.New("replicate: decode prediction: missing id or status")
	}
	return p, nil
}

// joinOutput flattens language model output, which Replicate returns either
// as a string or as an array of token strings.
func joinOutput(v gjson.Result) string {
	if v.IsArray() {
		var b strings.Builder
		for _, item := range v.Array() {
			b.WriteString(item.String())
		}
		return b.String()
	}
	if v.Type == gjson.Null {
		return ""
	}
	return v.String()
}

// errorDetail extracts a readable message from an error payload that may be
// a JSON object with a detail field, a JSON string, or plain text.
func errorDetail(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return ""
	}
	if !gjson.Valid(raw) {
		return raw
	}
	r := gjson.Parse(raw)
	if d := r.Get("detail"); d.Exists() {
		return d.String()
	}
	return r.String()
}
