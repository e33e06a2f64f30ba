package saveapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/draftsync/draftsync/internal/document"
)

// Client performs one attempt per call. Retry and backoff belong to the
// autosave pipeline, which owns the save-state transitions they cause.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (c *Client) Submit(ctx context.Context, documentID string, baseVersion int64, content []document.Block) (SaveResult, error) {
	if err := document.ValidateBlocks(content); err != nil {
		return SaveResult{}, err
	}
	body, err := json.Marshal(SaveRequest{BaseVersion: baseVersion, Content: content})
	if err != nil {
		return SaveResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/documents/"+url.PathEscape(documentID), bytes.NewReader(body))
	if err != nil {
		return SaveResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SaveResult{}, err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return SaveResult{}, readErr
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		var result SaveResult
		if err := json.Unmarshal(payload, &result); err != nil {
			return SaveResult{}, err
		}
		if result.Version <= baseVersion {
			return SaveResult{}, fmt.Errorf("server returned non-advancing version %d for base %d", result.Version, baseVersion)
		}
		return result, nil

	case resp.StatusCode == http.StatusConflict:
		var conflict conflictPayload
		if err := json.Unmarshal(payload, &conflict); err != nil {
			return SaveResult{}, err
		}
		// The server's copy crosses a trust boundary here like any other
		// inbound content.
		if err := document.ValidateBlocks(conflict.Latest.Content); err != nil {
			return SaveResult{}, err
		}
		return SaveResult{}, &ConflictError{
			DocumentID:      documentID,
			BaseVersion:     baseVersion,
			LatestVersion:   conflict.Latest.Version,
			LatestContent:   conflict.Latest.Content,
			LatestUpdatedAt: conflict.Latest.UpdatedAt,
		}

	case resp.StatusCode == http.StatusTooManyRequests:
		return SaveResult{}, &RateLimitedError{
			RetryAfter: retryAfterFrom(payload, resp.Header.Get("Retry-After")),
		}

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return SaveResult{}, &document.ValidationError{Detail: errorMessage(payload, resp.StatusCode)}

	default:
		return SaveResult{}, &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(payload, resp.StatusCode)}
	}
}

func (c *Client) Fetch(ctx context.Context, documentID string) (document.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/documents/"+url.PathEscape(documentID), nil)
	if err != nil {
		return document.Document{}, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return document.Document{}, err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return document.Document{}, readErr
	}
	if resp.StatusCode == http.StatusNotFound {
		return document.Document{}, document.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return document.Document{}, &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(payload, resp.StatusCode)}
	}
	var doc document.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return document.Document{}, err
	}
	if err := document.ValidateBlocks(doc.Blocks); err != nil {
		return document.Document{}, err
	}
	return doc, nil
}

func retryAfterFrom(payload []byte, header string) time.Duration {
	var rl rateLimitPayload
	if err := json.Unmarshal(payload, &rl); err == nil && rl.RetryAfter > 0 {
		return time.Duration(rl.RetryAfter) * time.Second
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return time.Second
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return time.Second
}

func errorMessage(payload []byte, status int) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return http.StatusText(status)
}

var _ Guard = (*Client)(nil)
