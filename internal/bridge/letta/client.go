// Package letta provides an HTTP client for the Letta agent API.
//
// The bridge uses it for two things only: enumerating agents (paginated) and
// delivering a user message to a specific agent by ID. Messages are always
// addressed by agent_id — never by list position or name match — because
// routing integrity depends on it.
package letta

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// pageSize is the limit parameter for agent listing.
const pageSize = 100

// maxPages bounds the worst case when the server keeps returning cursors.
const maxPages = 10

// Agent is the subset of a Letta agent the bridge cares about.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ErrorKind classifies API failures for the caller's dispatch.
type ErrorKind string

const (
	// KindTransient covers timeouts, 429, and 5xx — retryable with backoff.
	KindTransient ErrorKind = "transient"
	// KindAuth covers 401/403 from the Letta API.
	KindAuth ErrorKind = "auth"
	// KindNotFound covers 404 — the agent no longer exists.
	KindNotFound ErrorKind = "not_found"
	// KindFatal covers everything else (malformed requests, bad envelopes).
	KindFatal ErrorKind = "fatal"
)

// Error is a classified Letta API error.
type Error struct {
	Kind   ErrorKind
	Status int
	Msg    string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("letta: %s (%d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("letta: %s: %s", e.Kind, e.Msg)
}

// IsTransient reports whether err is a retryable Letta error.
func IsTransient(err error) bool {
	var le *Error
	return errors.As(err, &le) && le.Kind == KindTransient
}

// Client talks to a Letta server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Letta client. token may be empty for unauthenticated local
// deployments. httpClient may be nil to use a default with a 30s deadline.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// ListAgents pages through GET /v1/agents until an empty page, a missing
// cursor, or the page cap. Agents are deduplicated by ID across pages.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	seen := make(map[string]struct{})
	var agents []Agent
	after := ""

	for page := 0; page < maxPages; page++ {
		q := url.Values{"limit": {fmt.Sprint(pageSize)}}
		if after != "" {
			q.Set("after", after)
		}

		var raw json.RawMessage
		if err := c.get(ctx, "/v1/agents?"+q.Encode(), &raw); err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}

		batch, err := decodeAgentEnvelope(raw)
		if err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, a := range batch {
			if a.ID == "" {
				continue
			}
			if _, dup := seen[a.ID]; dup {
				continue
			}
			seen[a.ID] = struct{}{}
			agents = append(agents, a)
		}

		if len(batch) < pageSize {
			break
		}
		after = batch[len(batch)-1].ID
	}

	return agents, nil
}

// SendMessage posts a user message to the agent identified by agentID and
// returns the assistant's textual reply. metadata, when non-nil, rides along
// for host-side bookkeeping.
func (c *Client) SendMessage(ctx context.Context, agentID, text string, metadata map[string]any) (string, error) {
	if agentID == "" {
		return "", &Error{Kind: KindFatal, Msg: "agent id must not be empty"}
	}

	body := map[string]any{
		"messages": []map[string]any{{
			"role":    "user",
			"content": text,
		}},
	}
	if metadata != nil {
		body["metadata"] = metadata
	}

	var raw json.RawMessage
	path := "/v1/agents/" + url.PathEscape(agentID) + "/messages"
	if err := c.post(ctx, path, body, &raw); err != nil {
		return "", fmt.Errorf("send to agent %s: %w", agentID, err)
	}

	reply, err := extractAssistantReply(raw)
	if err != nil {
		return "", fmt.Errorf("send to agent %s: %w", agentID, err)
	}
	return reply, nil
}

// decodeAgentEnvelope accepts both response shapes the Letta API has shipped:
// {"data":[...]} and a bare array.
func decodeAgentEnvelope(raw json.RawMessage) ([]Agent, error) {
	items, err := envelopeItems(raw)
	if err != nil {
		return nil, err
	}
	agents := make([]Agent, 0, len(items))
	for _, item := range items {
		var a Agent
		if err := json.Unmarshal(item, &a); err != nil {
			return nil, &Error{Kind: KindFatal, Msg: fmt.Sprintf("malformed agent entry: %v", err)}
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// envelopeItems normalizes {"data":[...]}, {"messages":[...]}, and bare
// arrays into a list of raw items.
func envelopeItems(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, &Error{Kind: KindFatal, Msg: fmt.Sprintf("malformed array envelope: %v", err)}
		}
		return items, nil
	}

	var envelope struct {
		Data     []json.RawMessage `json:"data"`
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, &Error{Kind: KindFatal, Msg: fmt.Sprintf("malformed object envelope: %v", err)}
	}
	if envelope.Data != nil {
		return envelope.Data, nil
	}
	return envelope.Messages, nil
}

// lettaMessage is one entry of a send-message response.
type lettaMessage struct {
	MessageType string          `json:"message_type"`
	Role        string          `json:"role"`
	Content     json.RawMessage `json:"content"`
}

// extractAssistantReply pulls the assistant's text out of the response
// envelope. Content may be a plain string or a list of typed parts.
func extractAssistantReply(raw json.RawMessage) (string, error) {
	items, err := envelopeItems(raw)
	if err != nil {
		return "", err
	}

	var parts []string
	for _, item := range items {
		var msg lettaMessage
		if err := json.Unmarshal(item, &msg); err != nil {
			continue
		}
		if msg.MessageType != "assistant_message" && msg.Role != "assistant" {
			continue
		}
		if text := contentText(msg.Content); text != "" {
			parts = append(parts, text)
		}
	}

	if len(parts) == 0 {
		return "", &Error{Kind: KindFatal, Msg: "no assistant message in response"}
	}
	return strings.Join(parts, "\n"), nil
}

// contentText flattens a message content field that is either a JSON string
// or a list of {"type":"text","text":...} parts.
func contentText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var typed []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &typed); err != nil {
		return ""
	}
	var b strings.Builder
	for _, part := range typed {
		if part.Type != "" && part.Type != "text" {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

// --- transport helpers ---

func (c *Client) get(ctx context.Context, path string, out *json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out *json.RawMessage) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out *json.RawMessage) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Msg: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return &Error{Kind: KindTransient, Msg: fmt.Sprintf("read body: %v", err)}
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return &Error{Kind: classifyStatus(resp.StatusCode), Status: resp.StatusCode, Msg: msg}
	}

	if out != nil {
		*out = json.RawMessage(data)
	}
	return nil
}

func classifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return KindTransient
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusNotFound:
		return KindNotFound
	default:
		return KindFatal
	}
}
