package callclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tachyon-beep/elspeth/retry"
)

// HTTPBackend dispatches Requests as plain HTTP calls. Grounded directly
// on graph/tool/http.go's HTTPTool.Call (method/url/headers/body
// extraction, http.NewRequestWithContext, response shape), adapted to
// the Backend interface and to classify 429/503 as retry.CapacityError
// per spec.md §4.5 step 5.
type HTTPBackend struct {
	client *http.Client
}

// NewHTTPBackend returns an HTTPBackend using http.DefaultClient's
// transport with no client-side timeout (callers bound calls via ctx).
func NewHTTPBackend() *HTTPBackend {
	return &HTTPBackend{client: &http.Client{}}
}

func (h *HTTPBackend) Invoke(ctx context.Context, req Request) (Response, error) {
	urlStr, ok := req.Data["url"].(string)
	if !ok || urlStr == "" {
		return Response{}, fmt.Errorf("callclient: http request missing url")
	}

	method := "GET"
	if m, ok := req.Data["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	if bodyStr, ok := req.Data["body"].(string); ok && bodyStr != "" {
		body = bytes.NewBufferString(bodyStr)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return Response{}, fmt.Errorf("callclient: build http request: %w", err)
	}
	if headers, ok := req.Data["headers"].(map[string]any); ok {
		for key, value := range headers {
			if valueStr, ok := value.(string); ok {
				httpReq.Header.Set(key, valueStr)
			}
		}
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("callclient: http request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("callclient: read http response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return Response{}, &retry.CapacityError{Cause: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			asAny := make([]any, len(values))
			for i, v := range values {
				asAny[i] = v
			}
			respHeaders[key] = asAny
		}
	}

	return Response{Data: map[string]any{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}}, nil
}
