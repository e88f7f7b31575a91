// Package llm dispatches prompts to the external LLM backend over the
// Ollama-style wire contract. Responses are delivered as a channel of
// string deltas closed by the producer on completion or error.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/docmind-ai/rag-core/internal/ragerr"
)

const (
	healthTimeout   = 2 * time.Second
	generateTimeout = 60 * time.Second
	chatTimeout     = 120 * time.Second
)

// Client talks to an Ollama-compatible LLM backend.
type Client struct {
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

// New creates a Client. The http.Client has no blanket timeout since
// each call sets its own per-operation deadline via context.
func New(baseURL, model string, temperature float64, maxTokens int) *Client {
	return &Client{
		baseURL:     baseURL,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		httpClient:  &http.Client{},
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// Health checks GET /api/tags with a 2-second timeout.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ragerr.Wrap(ragerr.UpstreamUnavailable, "llm health check failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ragerr.New(ragerr.UpstreamUnavailable, fmt.Sprintf("llm health check returned status %d", resp.StatusCode))
	}
	return nil
}

// tagsResponse is the body of GET /api/tags.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the model names the backend reports.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ragerr.Wrap(ragerr.UpstreamUnavailable, "listing llm models", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ragerr.New(ragerr.UpstreamUnavailable, fmt.Sprintf("list models returned status %d", resp.StatusCode))
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, ragerr.Wrap(ragerr.UpstreamUnavailable, "decoding model list", err)
	}

	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateFrame struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate dispatches one prompt via POST /api/generate, using a
// 60-second per-call timeout. When stream is false, the full response
// is returned as a single delta on out before the channel closes; when
// true, deltas are forwarded as they arrive.
// Cancelling ctx (the HTTP client disconnecting) stops iteration and
// closes out; the call then returns an error rather than nil.
func (c *Client) Generate(ctx context.Context, systemPrompt, prompt string, stream bool, out chan<- string) error {
	defer close(out)

	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	body, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		System:  systemPrompt,
		Stream:  stream,
		Options: generateOptions{Temperature: c.temperature, NumPredict: c.maxTokens},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ragerr.New(ragerr.UpstreamUnavailable, fmt.Sprintf("llm generate returned status %d", resp.StatusCode))
	}

	if !stream {
		var frame generateFrame
		if err := json.NewDecoder(resp.Body).Decode(&frame); err != nil {
			return ragerr.Wrap(ragerr.UpstreamUnavailable, "decoding llm response", err)
		}
		return sendDelta(ctx, out, frame.Response)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var frame generateFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			continue
		}
		if frame.Response != "" {
			if err := sendDelta(ctx, out, frame.Response); err != nil {
				return err
			}
		}
		if frame.Done {
			break
		}
	}
	return scanner.Err()
}

// Message is one turn in a chat-style conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  generateOptions `json:"options"`
}

type chatFrame struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// Chat dispatches a message array via POST /api/chat, using
// a 120-second per-call timeout.
func (c *Client) Chat(ctx context.Context, messages []Message, stream bool, out chan<- string) error {
	defer close(out)

	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   stream,
		Options:  generateOptions{Temperature: c.temperature, NumPredict: c.maxTokens},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ragerr.New(ragerr.UpstreamUnavailable, fmt.Sprintf("llm chat returned status %d", resp.StatusCode))
	}

	if !stream {
		var frame chatFrame
		if err := json.NewDecoder(resp.Body).Decode(&frame); err != nil {
			return ragerr.Wrap(ragerr.UpstreamUnavailable, "decoding llm chat response", err)
		}
		return sendDelta(ctx, out, frame.Message.Content)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var frame chatFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			continue
		}
		if frame.Message.Content != "" {
			if err := sendDelta(ctx, out, frame.Message.Content); err != nil {
				return err
			}
		}
		if frame.Done {
			break
		}
	}
	return scanner.Err()
}

func sendDelta(ctx context.Context, out chan<- string, delta string) error {
	select {
	case out <- delta:
		return nil
	case <-ctx.Done():
		return ragerr.Wrap(ragerr.Cancelled, "llm stream cancelled", ctx.Err())
	}
}

func classifyErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ragerr.Wrap(ragerr.Cancelled, "llm request cancelled", ctx.Err())
	}
	return ragerr.Wrap(ragerr.UpstreamUnavailable, "llm request failed", err)
}
