package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/tachyon-beep/elspeth/callclient"
)

// ViolationMode controls what ContentSafetyMiddleware does when a prompt
// is flagged, mirroring azure_content_safety.py's on_violation modes.
type ViolationMode string

const (
	ViolationAbort ViolationMode = "abort"
	ViolationMask  ViolationMode = "mask"
	ViolationLog   ViolationMode = "log"
)

// ErrorMode controls what happens when the content-safety call itself
// fails (network error, non-2xx after retries), mirroring on_error.
type ErrorMode string

const (
	ErrorAbort ErrorMode = "abort"
	ErrorSkip  ErrorMode = "skip"
)

// ContentSafetyMiddleware screens the user-visible prompt text of a
// Request against an Azure Content Safety endpoint before it reaches the
// wrapped backend, so a flagged prompt is rejected before any billed LLM
// call is dispatched. Grounded on
// _examples/original_source/.../llm/middleware/azure_content_safety.py's
// AzureContentSafetyMiddleware.before_request: same category list,
// severity threshold, violation/error modes, and bounded exponential
// backoff with jitter around the analyze call.
type ContentSafetyMiddleware struct {
	next callclient.Backend

	endpoint   string
	key        string
	apiVersion string
	categories []string
	threshold  int
	mode       ViolationMode
	mask       string
	onError    ErrorMode

	retryAttempts int
	client        *http.Client
}

// ContentSafetyConfig mirrors AzureContentSafetyMiddleware's constructor
// options.
type ContentSafetyConfig struct {
	Endpoint          string
	Key               string
	APIVersion        string
	Categories        []string
	SeverityThreshold int
	OnViolation       ViolationMode
	Mask              string
	OnError           ErrorMode
	RetryAttempts     int
}

// NewContentSafetyMiddleware wraps next with a pre-call content-safety
// check. Defaults mirror the Python plugin's constructor: categories
// Hate/Violence/SelfHarm/Sexual, severity threshold 4, abort on violation
// and on error, 3 retry attempts.
func NewContentSafetyMiddleware(next callclient.Backend, cfg ContentSafetyConfig) (*ContentSafetyMiddleware, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("llm: content safety middleware requires an endpoint")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("llm: content safety middleware requires an API key")
	}

	categories := cfg.Categories
	if len(categories) == 0 {
		categories = []string{"Hate", "Violence", "SelfHarm", "Sexual"}
	}
	threshold := cfg.SeverityThreshold
	if threshold <= 0 {
		threshold = 4
	}
	if threshold > 7 {
		threshold = 7
	}
	mode := cfg.OnViolation
	switch mode {
	case ViolationAbort, ViolationMask, ViolationLog:
	default:
		mode = ViolationAbort
	}
	mask := cfg.Mask
	if mask == "" {
		mask = "[CONTENT BLOCKED]"
	}
	onError := cfg.OnError
	switch onError {
	case ErrorAbort, ErrorSkip:
	default:
		onError = ErrorAbort
	}
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = "2023-10-01"
	}
	retryAttempts := cfg.RetryAttempts
	if retryAttempts <= 0 {
		retryAttempts = 3
	}

	return &ContentSafetyMiddleware{
		next:          next,
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		key:           cfg.Key,
		apiVersion:    apiVersion,
		categories:    categories,
		threshold:     threshold,
		mode:          mode,
		mask:          mask,
		onError:       onError,
		retryAttempts: retryAttempts,
		client:        &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Invoke screens the latest user message's text, then — unless aborted —
// delegates to the wrapped backend.
func (m *ContentSafetyMiddleware) Invoke(ctx context.Context, req callclient.Request) (callclient.Response, error) {
	prompt := latestUserPrompt(extractMessages(req.Data))
	if prompt == "" {
		return m.next.Invoke(ctx, req)
	}

	result, err := m.analyzeText(ctx, prompt)
	if err != nil {
		if m.onError == ErrorSkip {
			return m.next.Invoke(ctx, req)
		}
		return callclient.Response{}, fmt.Errorf("llm: content safety check failed: %w", err)
	}

	if result.flagged {
		switch m.mode {
		case ViolationAbort:
			return callclient.Response{}, fmt.Errorf("llm: prompt blocked by content safety (max_severity=%d)", result.maxSeverity)
		case ViolationMask:
			req = maskPrompt(req, m.mask)
		case ViolationLog:
			// fall through to next.Invoke with the request unchanged; the flag is not recorded anywhere
		}
	}

	return m.next.Invoke(ctx, req)
}

func latestUserPrompt(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func maskPrompt(req callclient.Request, mask string) callclient.Request {
	raw, _ := req.Data["messages"].([]any)
	masked := make([]any, len(raw))
	replaced := false
	for i := len(raw) - 1; i >= 0; i-- {
		m, ok := raw[i].(map[string]any)
		if !ok {
			masked[i] = raw[i]
			continue
		}
		if !replaced && m["role"] == "user" {
			m = map[string]any{"role": m["role"], "content": mask}
			replaced = true
		}
		masked[i] = m
	}
	data := make(map[string]any, len(req.Data))
	for k, v := range req.Data {
		data[k] = v
	}
	data["messages"] = masked
	return callclient.Request{CallType: req.CallType, Data: data}
}

type safetyResult struct {
	flagged     bool
	maxSeverity int
}

// analyzeText posts text to the Content Safety analyze endpoint with
// bounded exponential backoff and jitter, mirroring _analyze_text.
func (m *ContentSafetyMiddleware) analyzeText(ctx context.Context, text string) (safetyResult, error) {
	url := fmt.Sprintf("%s/contentsafety/text:analyze?api-version=%s", m.endpoint, m.apiVersion)
	payload, err := json.Marshal(map[string]any{"text": text, "categories": m.categories})
	if err != nil {
		return safetyResult{}, fmt.Errorf("llm: marshal content safety payload: %w", err)
	}

	delay := 500 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= m.retryAttempts; attempt++ {
		body, status, err := m.postAnalyze(ctx, url, payload)
		if err == nil && isCapacityStatus(status) {
			err = fmt.Errorf("content safety endpoint returned status %d", status)
		} else if err == nil && status >= 300 {
			err = fmt.Errorf("content safety endpoint returned status %d", status)
		}
		if err == nil {
			return parseAnalyzeResponse(body, m.threshold)
		}
		lastErr = err
		if attempt == m.retryAttempts {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(200 * time.Millisecond)))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return safetyResult{}, ctx.Err()
		}
		delay *= 2
	}
	return safetyResult{}, lastErr
}

func (m *ContentSafetyMiddleware) postAnalyze(ctx context.Context, url string, payload []byte) ([]byte, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("llm: build content safety request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", m.key)

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("llm: content safety request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("llm: read content safety response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

func parseAnalyzeResponse(body []byte, threshold int) (safetyResult, error) {
	var parsed struct {
		Results []struct {
			Severity int `json:"severity"`
		} `json:"results"`
		Categories []struct {
			Severity int `json:"severity"`
		} `json:"categories"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return safetyResult{}, fmt.Errorf("llm: decode content safety response: %w", err)
	}

	items := parsed.Results
	if len(items) == 0 {
		items = parsed.Categories
	}

	var maxSeverity int
	for _, item := range items {
		if item.Severity > maxSeverity {
			maxSeverity = item.Severity
		}
	}
	return safetyResult{flagged: maxSeverity >= threshold, maxSeverity: maxSeverity}, nil
}
