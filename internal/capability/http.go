package capability

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marqops/conductor/internal/secrets"
)

// HTTPConfig configures the http.request capability.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// httpCapability implements "http.request": outbound calls to marketing
// platform APIs and webhooks. Auth material may reference vault secrets so
// definitions never carry raw tokens.
type httpCapability struct {
	config HTTPConfig
	vault  secrets.Vault // optional
}

// NewHTTPRequest creates the http.request capability. vault may be nil, in
// which case vault: references fail the step.
func NewHTTPRequest(cfg HTTPConfig, vault secrets.Vault) Capability {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &httpCapability{config: cfg, vault: vault}
}

func (h *httpCapability) ID() string { return "http.request" }

func (h *httpCapability) Execute(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	input := req.InputData
	if input == nil {
		input = map[string]any{}
	}

	rawURL := stringInput(input, "url", "")
	if rawURL == "" {
		return Failed("http.request: missing required input 'url'", time.Since(start).Seconds()), nil
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Failed(fmt.Sprintf("http.request: invalid url %q", rawURL), time.Since(start).Seconds()), nil
	}

	method := strings.ToUpper(stringInput(input, "method", "GET"))
	timeout := h.config.DefaultTimeout
	if ts := stringInput(input, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	bodyReader, contentType, err := encodeBody(input)
	if err != nil {
		return Failed(err.Error(), time.Since(start).Seconds()), nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return Failed(fmt.Sprintf("http.request: build request: %v", err), time.Since(start).Seconds()), nil
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if hdrs, ok := input["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			httpReq.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if err := h.applyAuth(ctx, httpReq, input); err != nil {
		return Failed(err.Error(), time.Since(start).Seconds()), nil
	}

	client := h.buildClient(input)

	resp, err := client.Do(httpReq)
	if err != nil {
		// Transport errors are transient from the workflow's point of view;
		// the failed response lets the retry policy decide.
		return Failed(fmt.Sprintf("http.request: %v", err), time.Since(start).Seconds()), nil
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody))
	if err != nil {
		return Failed(fmt.Sprintf("http.request: read response: %v", err), time.Since(start).Seconds()), nil
	}

	output := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      flattenHeaders(resp.Header),
		"body":         parseBody(bodyBytes, resp.Header.Get("Content-Type")),
		"content_type": resp.Header.Get("Content-Type"),
		"duration_ms":  time.Since(start).Milliseconds(),
	}

	if boolInput(input, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		r := Failed(fmt.Sprintf("http.request: server returned %d", resp.StatusCode), time.Since(start).Seconds())
		r.OutputData = output
		return r, nil
	}
	return Completed(output, time.Since(start).Seconds()), nil
}

// applyAuth sets auth headers from the "auth" input. Token-like fields may be
// vault references.
func (h *httpCapability) applyAuth(ctx context.Context, httpReq *http.Request, input map[string]any) error {
	auth, ok := input["auth"].(map[string]any)
	if !ok {
		return nil
	}
	switch stringInput(auth, "type", "") {
	case "bearer":
		token, err := h.resolveSecret(ctx, stringInput(auth, "token", ""))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	case "basic":
		username := stringInput(auth, "username", "")
		password, err := h.resolveSecret(ctx, stringInput(auth, "password", ""))
		if err != nil {
			return err
		}
		httpReq.SetBasicAuth(username, password)
	case "api_key":
		name := stringInput(auth, "header_name", "")
		value, err := h.resolveSecret(ctx, stringInput(auth, "header_value", ""))
		if err != nil {
			return err
		}
		if name != "" {
			httpReq.Header.Set(name, value)
		}
	}
	return nil
}

func (h *httpCapability) resolveSecret(ctx context.Context, value string) (string, error) {
	resolved, err := secrets.ResolveRef(ctx, h.vault, value)
	if err != nil {
		return "", fmt.Errorf("http.request: %v", err)
	}
	return resolved, nil
}

func (h *httpCapability) buildClient(input map[string]any) *http.Client {
	// Always a fresh client so per-step TLS/redirect settings never leak.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if boolInput(input, "tls_skip_verify", false) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	if !boolInput(input, "follow_redirects", true) {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if limit := intInput(input, "max_redirects", 10); limit > 0 {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}
	return client
}

func encodeBody(input map[string]any) (io.Reader, string, error) {
	rawBody, ok := input["body"]
	if !ok || rawBody == nil {
		return nil, "", nil
	}
	switch stringInput(input, "body_encoding", "json") {
	case "form":
		formData, ok := rawBody.(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("http.request: form body must be an object")
		}
		vals := url.Values{}
		for k, v := range formData {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", rawBody)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprintf("%v", rawBody)), "", nil
	default: // json
		b, err := json.Marshal(rawBody)
		if err != nil {
			return nil, "", fmt.Errorf("http.request: marshal body: %v", err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func parseBody(body []byte, contentType string) any {
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var parsed any
		if err := json.Unmarshal(body, &parsed); err == nil {
			return parsed
		}
	}
	return string(body)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// Input helpers shared by capabilities reading loosely typed step data.

func stringInput(m map[string]any, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolInput(m map[string]any, key string, defaultVal bool) bool {
	b, ok := m[key].(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intInput(m map[string]any, key string, defaultVal int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}
