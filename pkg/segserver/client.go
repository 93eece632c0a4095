// Package segserver is the HTTP client for the segmentation service: image
// sessions and point prompted mask prediction.
package segserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/menta2k/mask-annotator/pkg/client"
	"github.com/menta2k/mask-annotator/pkg/types"
)

// MaxUploadSize is the largest image the service accepts
const MaxUploadSize = 15 << 20

// Client talks to the segmentation service over HTTP
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Health is the service status report
type Health struct {
	Status       string `json:"status"`
	ModelLoaded  bool   `json:"model_loaded"`
	SessionCount int    `json:"session_count"`
}

// NewClient creates a client for the service at serverURL
func NewClient(serverURL string, timeout time.Duration) (*Client, error) {
	if serverURL == "" {
		serverURL = "http://localhost:8000"
	}
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsed.Scheme)
	}

	return &Client{
		baseURL:    strings.TrimSuffix(serverURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Predict sends the point history of a session and returns the mask contours
func (c *Client) Predict(ctx context.Context, req types.PredictRequest) (*types.PredictResponse, error) {
	if len(req.Points) != len(req.Labels) {
		return nil, &client.Error{
			Kind:   client.ErrValidation,
			Detail: fmt.Sprintf("points and labels length mismatch: %d != %d", len(req.Points), len(req.Labels)),
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp types.PredictResponse
	if err := c.do(ctx, http.MethodPost, "/predict", "application/json", bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateSession uploads an image and opens a session for it
func (c *Client) CreateSession(ctx context.Context, filename string, data []byte) (*types.SessionInfo, error) {
	if len(data) == 0 {
		return nil, &client.Error{Kind: client.ErrValidation, Detail: "empty file"}
	}
	if len(data) > MaxUploadSize {
		return nil, &client.Error{
			Kind:   client.ErrValidation,
			Detail: fmt.Sprintf("file too large: %d bytes (maximum %d)", len(data), MaxUploadSize),
		}
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return nil, &client.Error{Kind: client.ErrValidation, Detail: "only image/* accepted, got " + contentType}
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := createImagePart(writer, filename, contentType)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("copy image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	var info types.SessionInfo
	if err := c.do(ctx, http.MethodPost, "/session", writer.FormDataContentType(), body, &info); err != nil {
		return nil, err
	}
	if info.SessionID == "" {
		return nil, &client.Error{Kind: client.ErrPrediction, Detail: "service returned no session id"}
	}
	return &info, nil
}

// GetSession returns what the service knows about a session
func (c *Client) GetSession(ctx context.Context, sessionID string) (map[string]any, error) {
	var info map[string]any
	if err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID), "", nil, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// DeleteSession drops a session and its image on the service
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/session/"+url.PathEscape(sessionID), "", nil, nil)
}

// Health queries the service status
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", "", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) do(ctx context.Context, method, endpoint, contentType string, payload io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, payload)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &client.Error{Kind: client.ErrNetwork, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &client.Error{Kind: client.ErrNetwork, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &client.Error{Kind: client.ErrPrediction, Detail: "malformed response", Err: err}
	}
	return nil
}

func statusError(status int, body []byte) error {
	detail := errorDetail(body)
	kind := client.ErrPrediction
	switch status {
	case http.StatusNotFound:
		kind = client.ErrSessionExpired
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		kind = client.ErrValidation
	}
	return &client.Error{Kind: kind, Status: status, Detail: detail}
}

// errorDetail extracts the "detail" member of an error body. Validation
// errors carry a list of {loc,msg} objects instead of a string.
func errorDetail(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return strings.TrimSpace(string(body))
	}

	var s string
	if err := json.Unmarshal(envelope.Detail, &s); err == nil {
		return s
	}

	var items []struct {
		Loc []any  `json:"loc"`
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(envelope.Detail, &items); err == nil && len(items) > 0 {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if len(it.Loc) > 0 {
				loc := make([]string, len(it.Loc))
				for i, l := range it.Loc {
					loc[i] = fmt.Sprint(l)
				}
				msgs = append(msgs, strings.Join(loc, ".")+": "+it.Msg)
			} else {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}

	return string(envelope.Detail)
}

func createImagePart(w *multipart.Writer, filename, contentType string) (io.Writer, error) {
	if filename == "" {
		filename = "image"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	return w.CreatePart(h)
}
