// Package llm is the adapter for the JSON-mode inference backend. It speaks
// the OpenAI-compatible chat-completions shape and always requests JSON-only
// output; timeouts and retries are owned by the calling stage, not here.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Sentinel errors for stage-level classification. Callers map these onto the
// pipeline error taxonomy with Classify.
var (
	ErrUnavailable   = errors.New("llm unavailable")
	ErrSchemaInvalid = errors.New("llm reply failed schema validation")
)

// Request is one JSON-mode completion call.
type Request struct {
	Model     string
	Schema    string // schema identifier, also sent to the backend
	System    string
	User      string
	MaxTokens int
}

// Client is the minimal completion contract the stages depend on.
type Client interface {
	// CompleteJSON returns the raw JSON text of the model reply. The reply is
	// not yet validated; use CompleteValidated for the full contract.
	CompleteJSON(ctx context.Context, req Request) (json.RawMessage, error)
}

// HTTPClient talks to an OpenAI-compatible /chat/completions endpoint.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates the backend adapter. The http.Client carries the
// shared connection pool; per-call deadlines come from the caller's context.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
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
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
	Schema string `json:"schema,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// CompleteJSON issues the completion call. Transport errors and 5xx map to
// ErrUnavailable; context expiry is returned as-is so callers can tell a
// stage timeout from a dead backend.
func (c *HTTPClient) CompleteJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	body := chatRequest{
		Model:  req.Model,
		Schema: req.Schema,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		MaxTokens: req.MaxTokens,
	}
	body.ResponseFormat.Type = "json_object"

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, httpResp.StatusCode, string(respBody))
	}

	var chat chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", ErrUnavailable)
	}
	return json.RawMessage(chat.Choices[0].Message.Content), nil
}

// CompleteValidated runs the completion and validates the reply against the
// named schema. On a validation failure it performs repair passes, re-asking
// the model with the invalid reply and the validation error appended, up to
// maxAttempts total calls. The attempt count is an explicit parameter, not
// open-ended recursion.
func CompleteValidated(ctx context.Context, c Client, req Request, maxAttempts int) (json.RawMessage, error) {
	schema, ok := Schema(req.Schema)
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", req.Schema)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	user := req.User
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		call := req
		call.User = user
		raw, err := c.CompleteJSON(ctx, call)
		if err != nil {
			return nil, err
		}

		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			if err := schema.Validate(decoded); err == nil {
				return raw, nil
			} else {
				lastErr = err
			}
		} else {
			lastErr = err
		}

		log.Debug().
			Str("schema", req.Schema).
			Int("attempt", attempt).
			Err(lastErr).
			Msg("LLM reply failed validation")

		// Repair pass: original prompt + the bad reply + the error.
		user = fmt.Sprintf("%s\n\nYour previous reply was invalid.\nReply: %s\nError: %v\nReturn corrected JSON only.", req.User, truncate(string(raw), 2000), lastErr)
	}
	return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, lastErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
