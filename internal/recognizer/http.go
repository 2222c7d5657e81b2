package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTP asks an inference service for a guess. The raw image is POSTed as
// the request body and the service answers with {"code": "42"}.
type HTTP struct {
	Endpoint string
	Client   *http.Client
}

type httpResponse struct {
	Code   string `json:"code"`
	Labels []int  `json:"labels"`
	Error  string `json:"error,omitempty"`
}

func NewHTTP(endpoint string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

func (h *HTTP) Recognize(ctx context.Context, image []byte) (string, error) {
	if h.Endpoint == "" {
		return "", fmt.Errorf("recognizer endpoint is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(image))
	if err != nil {
		return "", fmt.Errorf("failed to create recognizer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := h.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("recognizer request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read recognizer response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("recognizer HTTP %d error: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out httpResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("invalid recognizer response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("recognizer error: %s", out.Error)
	}
	if out.Code == "" && len(out.Labels) > 0 {
		return LabelsToString(out.Labels), nil
	}
	return out.Code, nil
}
