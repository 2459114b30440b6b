package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/boddenberg/fundflow-forensics/internal/infra/resilience"
)

// ============================================================
// PostgREST requests
// ============================================================

// maxErrorBody bounds the response body kept in logs and errors.
const maxErrorBody = 2 << 10

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	return c.send(ctx, http.MethodGet, path, nil, "")
}

// doPost inserts data (an object or an array of objects); prefer is sent as
// the PostgREST Prefer header.
func (c *Client) doPost(ctx context.Context, path string, data any, prefer string) error {
	_, err := c.send(ctx, http.MethodPost, path, data, prefer)
	return err
}

func (c *Client) doDelete(ctx context.Context, path string) error {
	_, err := c.send(ctx, http.MethodDelete, path, nil, "")
	return err
}

// send performs one authenticated PostgREST call against /rest/v1/path.
// A GET answered with 404 or 204 yields a nil body and no error.
func (c *Client) send(ctx context.Context, method, path string, data any, prefer string) ([]byte, error) {
	var payload io.Reader
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, resilience.Permanent(err)
		}
		payload = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/rest/v1/"+path, payload)
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceRoleKey)
	req.Header.Set("Content-Type", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	log := c.logger.With(zap.String("method", method), zap.String("path", path))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("supabase: request failed", zap.Error(err))
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case method == http.MethodGet && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent):
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		snippet := truncate(body)
		log.Warn("supabase: non-2xx response", zap.Int("status", resp.StatusCode), zap.String("body", snippet))
		return nil, statusError(method, path, resp.StatusCode, snippet)
	}

	log.Debug("supabase: request OK", zap.Int("status", resp.StatusCode))
	return body, nil
}

// statusError builds the error for a non-2xx response. Client errors other
// than 408 and 429 are permanent.
func statusError(method, path string, status int, body string) error {
	err := fmt.Errorf("supabase %s %s returned %d: %s", method, path, status, body)
	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return resilience.Permanent(err)
	}
	return err
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
