package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/klamai/proposal-dispatch/pkg/logger"
	"github.com/valyala/fasthttp"
)

const betaHeader = "assistants=v2"

type Config struct {
	APIKey         string
	BaseURL        string
	AssistantID    string
	ChatModel      string
	PollInterval   time.Duration
	MaxWait        time.Duration
	RequestTimeout time.Duration
}

// StatusError is a non-2xx answer from the vendor API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.Code, e.Body)
}

// Client talks to the OpenAI assistants and chat completion REST endpoints.
type Client struct {
	config Config
	http   *fasthttp.Client
}

func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.ChatModel == "" {
		config.ChatModel = "gpt-4o-mini"
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.MaxWait <= 0 {
		config.MaxWait = 90 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}

	return &Client{
		config: config,
		http: &fasthttp.Client{
			Name:                "proposal-dispatch",
			ReadTimeout:         config.RequestTimeout,
			WriteTimeout:        config.RequestTimeout,
			MaxIdleConnDuration: 60 * time.Second,
			MaxConnsPerHost:     64,
		},
	}
}

type Thread struct {
	ID string `json:"id"`
}

type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunCancelling     RunStatus = "cancelling"
	RunCompleted      RunStatus = "completed"
	RunRequiresAction RunStatus = "requires_action"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
	RunIncomplete     RunStatus = "incomplete"
)

// Pending reports whether the run has not reached a terminal state yet.
func (s RunStatus) Pending() bool {
	return s == RunQueued || s == RunInProgress || s == RunCancelling
}

type Run struct {
	ID        string    `json:"id"`
	Status    RunStatus `json:"status"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error,omitempty"`
}

type MessageText struct {
	Value string `json:"value"`
}

type MessageContent struct {
	Type string       `json:"type"`
	Text *MessageText `json:"text,omitempty"`
}

type Message struct {
	ID      string           `json:"id"`
	Role    string           `json:"role"`
	Content []MessageContent `json:"content"`
}

type messageList struct {
	Data []Message `json:"data"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var thread Thread
	if err := c.do(ctx, fasthttp.MethodPost, "/v1/threads", struct{}{}, &thread); err != nil {
		return "", err
	}
	if thread.ID == "" {
		return "", errors.New("thread id missing from response")
	}
	return thread.ID, nil
}

func (c *Client) AddMessage(ctx context.Context, threadID, content string) error {
	body := chatMessage{Role: "user", Content: content}
	return c.do(ctx, fasthttp.MethodPost, "/v1/threads/"+url.PathEscape(threadID)+"/messages", body, nil)
}

func (c *Client) CreateRun(ctx context.Context, threadID string) (*Run, error) {
	body := map[string]string{"assistant_id": c.config.AssistantID}
	var run Run
	if err := c.do(ctx, fasthttp.MethodPost, "/v1/threads/"+url.PathEscape(threadID)+"/runs", body, &run); err != nil {
		return nil, err
	}
	if run.ID == "" {
		return nil, errors.New("run id missing from response")
	}
	return &run, nil
}

func (c *Client) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var run Run
	path := "/v1/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := c.do(ctx, fasthttp.MethodGet, path, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListMessages returns the newest messages of the thread first.
func (c *Client) ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	var list messageList
	path := fmt.Sprintf("/v1/threads/%s/messages?order=desc&limit=%d", url.PathEscape(threadID), limit)
	if err := c.do(ctx, fasthttp.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

// ChatCompletion runs one synchronous system+user completion and returns the
// trimmed text of the first choice.
func (c *Client) ChatCompletion(ctx context.Context, system, user string) (string, error) {
	body := chatRequest{
		Model: c.config.ChatModel,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.4,
		MaxTokens:   400,
	}
	var resp chatResponse
	if err := c.do(ctx, fasthttp.MethodPost, "/v1/chat/completions", body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("OpenAI-Beta", betaHeader)
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.config.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return &StatusError{Code: status, Body: truncate(string(resp.Body()), 512)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	logger.Debug("[assistant] call ok", "method", method, "path", path)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
