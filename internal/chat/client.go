package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"voicechat/internal/models"
)

// HistoryEntry is one prior message in the request payload.
type HistoryEntry struct {
	Text      string    `json:"text"`
	IsUser    bool      `json:"isUser"`
	Timestamp time.Time `json:"timestamp"`
}

// Request is the chat backend's wire format.
type Request struct {
	Message        string         `json:"message"`
	Context        string         `json:"context,omitempty"`
	MessageHistory []HistoryEntry `json:"messageHistory,omitempty"`
}

// Response carries the generated text and an optional base64 MPEG payload.
type Response struct {
	Text  string `json:"text"`
	Audio string `json:"audio,omitempty"`
	Error string `json:"error,omitempty"`
}

// Client talks to the external chat backend. The backend is an opaque
// collaborator: one POST in, one JSON document out.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient builds a chat client. A non-positive timeout falls back to 30s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Send posts the message with its assembled context and history. A non-2xx
// status, an error field in the body, or malformed JSON are all failures.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send chat request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chat response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, fmt.Errorf("chat backend status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("chat backend error: %s", resp.Error)
	}
	return &resp, nil
}

// HistoryFromMessages converts stored messages into wire history entries,
// keeping at most the last n.
func HistoryFromMessages(messages []*models.Message, n int) []HistoryEntry {
	if n > 0 && len(messages) > n {
		messages = messages[len(messages)-n:]
	}
	entries := make([]HistoryEntry, 0, len(messages))
	for _, m := range messages {
		if m == nil {
			continue
		}
		entries = append(entries, HistoryEntry{
			Text:      m.Text,
			IsUser:    m.IsUser,
			Timestamp: m.CreatedAt,
		})
	}
	return entries
}
