package buildloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"sceneforge/internal/domain"
	"sceneforge/internal/tools"
)

// EntryKind tags a transcript entry.
type EntryKind string

const (
	KindDiagram       EntryKind = "DIAGRAM"
	KindToolCall      EntryKind = "ASSISTANT_TOOL_CALL"
	KindToolResult    EntryKind = "TOOL_RESULT"
	KindToolError     EntryKind = "TOOL_ERROR"
	KindFinalSummary  EntryKind = "FINAL_SUMMARY"
	KindAssistantText EntryKind = "ASSISTANT_TEXT"
)

// Entry is one item of the running transcript shown to the oracle.
type Entry struct {
	Kind      EntryKind         `json:"kind"`
	Text      string            `json:"text,omitempty"`
	CallID    string            `json:"call_id,omitempty"`
	Tool      string            `json:"tool,omitempty"`
	Arguments json.RawMessage   `json:"arguments,omitempty"`
	Scene     *domain.Scene     `json:"scene,omitempty"`
	Image     *domain.ImageMeta `json:"image,omitempty"`
	PNG       []byte            `json:"png,omitempty"`
}

type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Request is what the oracle sees each round.
type Request struct {
	Model      string             `json:"model,omitempty"`
	Transcript []Entry            `json:"transcript"`
	Tools      []tools.Definition `json:"tools"`
}

// Reply carries either tool calls or final text. Text alongside tool calls
// is kept in the transcript but does not end the loop.
type Reply struct {
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Text      string     `json:"text,omitempty"`
}

// Oracle decides the next edit.
type Oracle interface {
	Next(ctx context.Context, req Request) (*Reply, error)
}

// ── HTTP oracle ─────────────────────────────────────────────

// HTTPOracle posts each Request as JSON and decodes a Reply.
type HTTPOracle struct {
	URL    string
	Model  string
	Header http.Header
	Client *http.Client
}

func NewHTTPOracle(url, model string, timeout time.Duration) *HTTPOracle {
	return &HTTPOracle{
		URL:    url,
		Model:  model,
		Client: &http.Client{Timeout: timeout},
	}
}

func (o *HTTPOracle) Next(ctx context.Context, req Request) (*Reply, error) {
	if req.Model == "" {
		req.Model = o.Model
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal oracle request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build oracle request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, vs := range o.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("oracle request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read oracle response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("oracle returned HTTP %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("decode oracle reply: %w", err)
	}
	return &reply, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
