package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
)

type analyzeMessage struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type analyzeRequest struct {
	ConversationID string           `json:"conversationId"`
	Messages       []analyzeMessage `json:"messages"`
	ForceRefresh   bool             `json:"forceRefresh"`
}

type analyzeResponse struct {
	Success   bool     `json:"success"`
	Signals   *Signals `json:"signals,omitempty"`
	ErrorCode string   `json:"errorCode,omitempty"`
}

// HTTPClient calls the analysis service over HTTP.
type HTTPClient struct {
	url  string
	http *http.Client
	now  func() time.Time
}

// NewHTTPClient creates a client for the service at baseURL. A nil
// httpClient gets one with a 20s timeout.
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &HTTPClient{
		url:  strings.TrimRight(baseURL, "/") + "/v1/analyze",
		http: httpClient,
		now:  time.Now,
	}
}

// Analyze implements Analyzer.
func (c *HTTPClient) Analyze(ctx context.Context, conversationID string, messages []store.Message, opts Options) (Result, error) {
	req := analyzeRequest{
		ConversationID: conversationID,
		Messages:       make([]analyzeMessage, len(messages)),
		ForceRefresh:   opts.ForceRefresh,
	}
	for i, m := range messages {
		req.Messages[i] = analyzeMessage{ID: m.ID, SenderID: m.SenderID, Text: m.Text, Timestamp: m.Timestamp}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("analyze %s: %w", conversationID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("analyze %s: http %d: %w", conversationID, resp.StatusCode, err)
	}
	res := Result{Success: out.Success, ErrorCode: out.ErrorCode, FetchedAt: c.now()}
	if out.Success && out.Signals != nil {
		res.Signals = *out.Signals
	}
	if !out.Success && res.ErrorCode == "" {
		res.ErrorCode = fmt.Sprintf("http_%d", resp.StatusCode)
	}
	return res, nil
}

// Handler serves an Analyzer with the same wire format HTTPClient speaks.
// The development emulator uses it in front of Keywords.
func Handler(a Analyzer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req analyzeRequest
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(analyzeResponse{ErrorCode: "invalid_request"})
			return
		}
		msgs := make([]store.Message, len(req.Messages))
		for i, m := range req.Messages {
			msgs[i] = store.Message{ID: m.ID, ConversationID: req.ConversationID, SenderID: m.SenderID, Text: m.Text, Timestamp: m.Timestamp}
		}
		res, err := a.Analyze(r.Context(), req.ConversationID, msgs, Options{ForceRefresh: req.ForceRefresh})
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(analyzeResponse{ErrorCode: "upstream_error"})
			return
		}
		out := analyzeResponse{Success: res.Success, ErrorCode: res.ErrorCode}
		if res.Success {
			out.Signals = &res.Signals
		}
		_ = json.NewEncoder(w).Encode(out)
	})
}

// Keywords is a local stand-in for the analysis service: a message is urgent
// when its text contains one of Words, case-insensitively.
type Keywords struct {
	Words []string
}

// DefaultKeywords flags the usual urgency markers.
var DefaultKeywords = Keywords{Words: []string{"urgent", "asap", "emergency", "immediately", "right now"}}

// Analyze implements Analyzer.
func (k Keywords) Analyze(ctx context.Context, _ string, messages []store.Message, _ Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	var sig Signals
	for _, m := range messages {
		text := strings.ToLower(m.Text)
		for _, w := range k.Words {
			if strings.Contains(text, w) {
				sig.UrgentCount++
				break
			}
		}
	}
	sig.HasUrgent = sig.UrgentCount > 0
	return Result{Success: true, Signals: sig, FetchedAt: time.Now()}, nil
}
