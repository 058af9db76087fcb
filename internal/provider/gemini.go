// internal/provider/gemini.go
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultGeminiURL is the public Generative Language API endpoint.
const DefaultGeminiURL = "https://generativelanguage.googleapis.com"

// DefaultModel is used when a key does not name a model.
const DefaultModel = "gemini-2.0-flash"

// Gemini calls the generateContent endpoint of the Generative Language API.
type Gemini struct {
	baseURL    string
	httpClient *http.Client
}

// NewGemini creates a Gemini provider. An empty baseURL uses DefaultGeminiURL.
func NewGemini(baseURL string) *Gemini {
	if baseURL == "" {
		baseURL = DefaultGeminiURL
	}
	return &Gemini{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

func (g *Gemini) Name() string { return "gemini" }

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// geminiErrorBody is the google.rpc.Status envelope returned on errors.
type geminiErrorBody struct {
	Error struct {
		Code    int               `json:"code"`
		Message string            `json:"message"`
		Status  string            `json:"status"`
		Details []json.RawMessage `json:"details"`
	} `json:"error"`
}

type geminiErrorDetail struct {
	Type       string `json:"@type"`
	RetryDelay string `json:"retryDelay"`
	Violations []struct {
		QuotaMetric string `json:"quotaMetric"`
		QuotaID     string `json:"quotaId"`
		QuotaValue  string `json:"quotaValue"`
	} `json:"violations"`
}

// Generate issues one generateContent call bounded by cfg.Timeout.
func (g *Gemini) Generate(ctx context.Context, secret, prompt string, cfg Config) (Result, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     cfg.Temperature,
			MaxOutputTokens: cfg.MaxTokens,
		},
	})
	if err != nil {
		return Result{}, &Error{Kind: KindNetwork, Message: "encode request", Err: err}
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{Kind: KindNetwork, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", secret)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Result{}, TransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, TransportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, parseGeminiError(resp.StatusCode, respBody)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{}, &Error{Kind: KindEmpty, Message: fmt.Sprintf("failed to parse response: %v", err), Err: err}
	}
	return interpretGeminiResponse(parsed)
}

// interpretGeminiResponse turns a 200 response into a Result or a content error.
func interpretGeminiResponse(r geminiResponse) (Result, error) {
	if r.PromptFeedback.BlockReason != "" {
		return Result{}, &Error{Kind: KindSafety, Message: "prompt blocked: " + r.PromptFeedback.BlockReason}
	}
	if len(r.Candidates) == 0 {
		return Result{}, &Error{Kind: KindEmpty, Message: "no candidates in response"}
	}

	c := r.Candidates[0]
	switch c.FinishReason {
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
		return Result{}, &Error{Kind: KindSafety, Message: "content blocked by safety filters: " + c.FinishReason}
	}

	var text strings.Builder
	for _, p := range c.Content.Parts {
		text.WriteString(p.Text)
	}
	out := strings.TrimSpace(text.String())

	if out == "" {
		reason := c.FinishReason
		if reason == "" {
			reason = "unknown"
		}
		return Result{}, &Error{Kind: KindEmpty, Message: fmt.Sprintf("no content generated (%s)", reason)}
	}
	if len([]rune(out)) < MinResponseChars {
		return Result{}, &Error{Kind: KindTooShort, Message: fmt.Sprintf("response too short (%d chars)", len([]rune(out)))}
	}
	if c.FinishReason == "MAX_TOKENS" {
		return Result{}, &Error{Kind: KindTruncated, Message: "MAX_TOKENS: output token limit reached"}
	}

	return Result{
		Text:         out,
		FinishReason: c.FinishReason,
		PromptTokens: r.UsageMetadata.PromptTokenCount,
		OutputTokens: r.UsageMetadata.CandidatesTokenCount,
	}, nil
}

// parseGeminiError maps a non-200 response into an *Error, extracting quota
// violations and the suggested retry delay from the error details.
func parseGeminiError(status int, body []byte) *Error {
	e := &Error{Kind: KindHTTP, Status: status}

	var envelope geminiErrorBody
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Message == "" {
		e.Message = strings.TrimSpace(string(body))
		if len(e.Message) > 512 {
			e.Message = e.Message[:512]
		}
		if e.Message == "" {
			e.Message = http.StatusText(status)
		}
		return e
	}

	e.Message = envelope.Error.Message
	for _, raw := range envelope.Error.Details {
		var d geminiErrorDetail
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		switch {
		case strings.HasSuffix(d.Type, "QuotaFailure"):
			if len(d.Violations) > 0 {
				v := d.Violations[0]
				e.QuotaID = v.QuotaID
				e.QuotaMetric = v.QuotaMetric
				e.QuotaValue = v.QuotaValue
			}
		case strings.HasSuffix(d.Type, "RetryInfo"):
			e.RetryDelay = ParseRetryDelay(d.RetryDelay)
		}
	}
	return e
}

// ParseRetryDelay parses google.protobuf.Duration strings such as "49s" or
// "1.5s". Unparseable input yields zero.
func ParseRetryDelay(s string) time.Duration {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, "s") {
		return 0
	}
	secs, err := strconv.ParseFloat(strings.TrimSuffix(s, "s"), 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
