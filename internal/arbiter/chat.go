package arbiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"horse.fit/incidentdedup/internal/retry"
)

const (
	// DefaultChatEndpoint points to a local OpenAI-compatible endpoint.
	DefaultChatEndpoint = "http://127.0.0.1:8845/v1"
	DefaultChatModel    = "qwen2.5-7b-instruct"
)

const chatSystemPrompt = `You compare two cyber security incident reports and decide whether they describe the same real-world incident affecting the same organisation.
Different incidents can share an organisation name. Updates to one incident (revised victim counts, later disclosures) are the same incident.
Reply with a single JSON object and nothing else: {"same": true|false, "confidence": 0.0-1.0, "reasoning": "<one sentence>"}`

// ChatArbiter calls an OpenAI-compatible chat completions endpoint.
type ChatArbiter struct {
	endpointURL string
	model       string
	apiKey      string
	client      *http.Client
}

// NewChatArbiter builds a chat arbiter. The per-call deadline comes from the
// gateway context, so the client carries no timeout of its own.
func NewChatArbiter(endpoint, model, apiKey string) *ChatArbiter {
	trimmedModel := strings.TrimSpace(model)
	if trimmedModel == "" {
		trimmedModel = DefaultChatModel
	}
	return &ChatArbiter{
		endpointURL: chatCompletionsURL(normalizeEndpoint(endpoint)),
		model:       trimmedModel,
		apiKey:      strings.TrimSpace(apiKey),
		client:      &http.Client{},
	}
}

func (c *ChatArbiter) Name() string {
	return "chat"
}

func (c *ChatArbiter) ModelName() string {
	if c == nil {
		return ""
	}
	return c.model
}

func (c *ChatArbiter) SameIncident(ctx context.Context, a, b Summary) (Verdict, error) {
	if c == nil {
		return Verdict{}, fmt.Errorf("chat arbiter is nil")
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: chatSystemPrompt},
			{Role: "user", Content: buildComparisonPrompt(a, b)},
		},
		Temperature: 0,
	})
	if err != nil {
		return Verdict{}, retry.Permanent(fmt.Errorf("marshal arbiter request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, retry.Permanent(fmt.Errorf("build arbiter request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Verdict{}, fmt.Errorf("send arbiter request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Verdict{}, fmt.Errorf("read arbiter response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("arbiter endpoint status %d: %s", resp.StatusCode, errorMessage(respBody))
		// Client errors other than rate limiting will not improve on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return Verdict{}, retry.Permanent(statusErr)
		}
		return Verdict{}, statusErr
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Verdict{}, fmt.Errorf("decode arbiter response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Verdict{}, fmt.Errorf("arbiter response missing choices")
	}
	return parseVerdict(parsed.Choices[0].Message.Content)
}

func buildComparisonPrompt(a, b Summary) string {
	var sb strings.Builder
	writeSummary(&sb, "Report A", a)
	sb.WriteString("\n")
	writeSummary(&sb, "Report B", b)
	sb.WriteString("\nAre A and B the same incident?")
	return sb.String()
}

func writeSummary(sb *strings.Builder, label string, s Summary) {
	fmt.Fprintf(sb, "%s\n", label)
	fmt.Fprintf(sb, "Organisation: %s\n", orUnknown(s.Organization))
	fmt.Fprintf(sb, "Date: %s\n", orUnknown(s.Date))
	fmt.Fprintf(sb, "Title: %s\n", orUnknown(s.Title))
	fmt.Fprintf(sb, "Summary: %s\n", orUnknown(s.Description))
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return "unknown"
	}
	return v
}

// parseVerdict accepts the bare object or one wrapped in prose or a code fence.
func parseVerdict(content string) (Verdict, error) {
	text := strings.TrimSpace(content)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Verdict{}, fmt.Errorf("arbiter reply has no JSON object: %q", truncateRunes(text, 120))
	}

	var raw struct {
		Same       *bool    `json:"same"`
		Confidence *float64 `json:"confidence"`
		Reasoning  string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return Verdict{}, fmt.Errorf("decode arbiter verdict: %w", err)
	}
	if raw.Same == nil {
		return Verdict{}, fmt.Errorf("arbiter verdict missing \"same\"")
	}
	v := Verdict{Same: *raw.Same, Reasoning: strings.TrimSpace(raw.Reasoning)}
	if raw.Confidence != nil {
		v.Confidence = clampConfidence(*raw.Confidence)
	}
	return v, nil
}

func clampConfidence(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func errorMessage(body []byte) string {
	var payload chatErrorResponse
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return msg
		}
	}
	return strings.TrimSpace(string(body))
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func normalizeEndpoint(raw string) string {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return DefaultChatEndpoint
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}

	parsed, err := url.Parse(endpoint)
	if err != nil || strings.TrimSpace(parsed.Host) == "" {
		return DefaultChatEndpoint
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	if parsed.Path == "" {
		parsed.Path = "/v1"
	}
	return parsed.String()
}

func chatCompletionsURL(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil || strings.TrimSpace(parsed.Host) == "" {
		return DefaultChatEndpoint + "/chat/completions"
	}

	path := strings.TrimRight(parsed.Path, "/")
	switch {
	case strings.HasSuffix(path, "/chat/completions"):
		parsed.Path = path
	case strings.HasSuffix(path, "/v1"):
		parsed.Path = path + "/chat/completions"
	case path == "":
		parsed.Path = "/v1/chat/completions"
	default:
		parsed.Path = path + "/v1/chat/completions"
	}
	return parsed.String()
}
