// Package llmgateway implements the gateway port against an
// OpenAI-compatible chat completions proxy (a LiteLLM deployment in
// production). All provider routing happens in the proxy; this client
// selects the provider via the model prefix, e.g. "openai/gpt-4o".
package llmgateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/quorum-ai/quorum/internal/config"
	"github.com/quorum-ai/quorum/internal/domain/provider"
	"github.com/quorum-ai/quorum/internal/port/gateway"
)

// Client talks to the chat completions API of the gateway proxy.
type Client struct {
	baseURL    string
	masterKey  string
	httpClient *http.Client
}

// New creates a gateway client from config.
func New(cfg config.Gateway) *Client {
	return &Client{
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		masterKey: cfg.MasterKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Stream         bool          `json:"stream,omitempty"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage gateway.Usage `json:"usage"`
	Error *apiError     `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// Invoke performs a blocking completion call. Failures come back as
// *provider.Error so callers can classify them for retry decisions.
func (c *Client) Invoke(ctx context.Context, req gateway.Request) (*gateway.Result, error) {
	providerName := providerFromModel(req.Model)

	body, err := json.Marshal(buildChatRequest(req, false))
	if err != nil {
		return nil, provider.NewError(provider.KindInvalid, providerName, err)
	}

	resp, err := c.post(ctx, body, req.RequestID)
	if err != nil {
		return nil, c.classifyTransport(providerName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.NewError(provider.KindNetwork, providerName, err)
	}

	if resp.StatusCode >= 400 {
		return nil, c.classifyStatus(providerName, resp.StatusCode, data)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, provider.NewError(provider.KindAPI, providerName,
			fmt.Errorf("decode response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, provider.NewError(provider.KindAPI, providerName,
			errors.New("response contains no choices"))
	}

	return &gateway.Result{
		Content: parsed.Choices[0].Message.Content,
		Usage:   parsed.Usage,
	}, nil
}

// StreamInvoke performs a streaming completion call over SSE. The
// returned channel is closed after the final chunk; a terminal Done
// chunk is always delivered unless ctx is cancelled first.
func (c *Client) StreamInvoke(ctx context.Context, req gateway.Request) (<-chan gateway.Chunk, error) {
	providerName := providerFromModel(req.Model)

	body, err := json.Marshal(buildChatRequest(req, true))
	if err != nil {
		return nil, provider.NewError(provider.KindInvalid, providerName, err)
	}

	resp, err := c.post(ctx, body, req.RequestID)
	if err != nil {
		return nil, c.classifyTransport(providerName, err)
	}

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, c.classifyStatus(providerName, resp.StatusCode, data)
	}

	out := make(chan gateway.Chunk)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				break
			}

			var parsed chatResponse
			if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
				continue // malformed keepalive or partial frame
			}
			if len(parsed.Choices) == 0 {
				continue
			}
			delta := parsed.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case out <- gateway.Chunk{Content: delta}:
			case <-ctx.Done():
				return
			}
		}

		select {
		case out <- gateway.Chunk{Done: true}:
		case <-ctx.Done():
		}
	}()

	return out, nil
}

// Health checks the proxy's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health/liveliness", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.masterKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.masterKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway health: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte, requestID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.masterKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.masterKey)
	}
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	return c.httpClient.Do(req)
}

func (c *Client) classifyTransport(providerName string, err error) error {
	kind := provider.KindNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		kind = provider.KindTimeout
	}
	// http.Client wraps timeouts in *url.Error with Timeout() true.
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		kind = provider.KindTimeout
	}
	return provider.NewError(kind, providerName, err)
}

func (c *Client) classifyStatus(providerName string, status int, body []byte) error {
	var parsed chatResponse
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil {
		msg = parsed.Error.Message
	}

	var kind provider.ErrorKind
	switch {
	case status == http.StatusTooManyRequests:
		kind = provider.KindRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = provider.KindAuth
	case status == http.StatusRequestTimeout:
		kind = provider.KindTimeout
	case status == http.StatusBadRequest:
		kind = provider.KindInvalid
		if strings.Contains(strings.ToLower(msg), "context length") ||
			strings.Contains(strings.ToLower(msg), "maximum context") {
			kind = provider.KindContextLength
		}
	case status >= 500:
		kind = provider.KindAPI
	default:
		kind = provider.KindUnknown
	}

	return provider.NewError(kind, providerName,
		fmt.Errorf("gateway status %d: %s", status, msg))
}

func buildChatRequest(req gateway.Request, stream bool) chatRequest {
	msgs := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.UserPrompt})

	out := chatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   stream,
	}
	if req.Format == gateway.FormatJSON {
		out.ResponseFormat = &respFormat{Type: "json_object"}
	}
	return out
}

// providerFromModel extracts the provider routing prefix from a model
// name ("openai/gpt-4o" -> "openai"). Unprefixed models report as
// "gateway" since the proxy decides the upstream.
func providerFromModel(model string) string {
	if i := strings.IndexByte(model, '/'); i > 0 {
		return model[:i]
	}
	return "gateway"
}

var _ gateway.Gateway = (*Client)(nil)
