// Package backend is the HTTP client for the history and file-staging
// services.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/ideacapture/internal/attachment"
	"github.com/ashureev/ideacapture/internal/domain"
	"github.com/ashureev/ideacapture/internal/transcript"
)

// maxErrorBody bounds how much of an error response is read into a message.
const maxErrorBody = 4 << 10

var errEmptyBaseURL = errors.New("backend base URL is empty")

var (
	_ transcript.HistoryService = (*Client)(nil)
	_ attachment.StagingService = (*Client)(nil)
	_ attachment.FusedUploader  = (*Client)(nil)
)

// TokenProvider supplies the credential attached to every request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token. The empty token sends no header.
type StaticToken string

// Token returns the token itself.
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Client talks to the idea-capture backend.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenProvider
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTokenProvider sets the credential source.
func WithTokenProvider(tp TokenProvider) Option {
	return func(c *Client) { c.tokens = tp }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errEmptyBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend URL: %w", err)
	}
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 30 * time.Second},
		tokens: StaticToken(""),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// History returns the ordered history of a session.
func (c *Client) History(ctx context.Context, sessionID string) ([]domain.HistoryMessage, error) {
	var rows []domain.HistoryMessage
	if err := c.doJSON(ctx, "load history", http.MethodGet, "/session/"+url.PathEscape(sessionID), nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

type uploadLocationRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	SessionID   string `json:"session_id"`
}

// RequestUploadLocation asks the staging service for a write location.
func (c *Client) RequestUploadLocation(ctx context.Context, fileName, contentType, sessionID string) (attachment.UploadLocation, error) {
	var loc attachment.UploadLocation
	err := c.doJSON(ctx, "request upload location", http.MethodPost, "/upload-location", uploadLocationRequest{
		FileName:    fileName,
		ContentType: contentType,
		SessionID:   sessionID,
	}, &loc)
	if err != nil {
		return attachment.UploadLocation{}, err
	}
	return loc, nil
}

// Upload PUTs the raw file bytes to uploadURL.
func (c *Client) Upload(ctx context.Context, uploadURL, contentType string, data []byte) error {
	target, err := c.resolve(uploadURL)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(req, "upload", nil)
}

type confirmUploadRequest struct {
	DurableRef       string `json:"durable_ref"`
	SessionID        string `json:"session_id"`
	OriginalFileName string `json:"original_file_name"`
}

// UploadResponse is returned by both upload shapes.
type UploadResponse struct {
	Message    string                `json:"message,omitempty"`
	FileURL    string                `json:"file_url,omitempty"`
	NewMessage domain.HistoryMessage `json:"new_message"`
}

// ConfirmUpload durably attaches a staged upload to the session.
func (c *Client) ConfirmUpload(ctx context.Context, durableRef, sessionID, originalName string) (domain.HistoryMessage, error) {
	var resp UploadResponse
	err := c.doJSON(ctx, "confirm upload", http.MethodPost, "/confirm-upload", confirmUploadRequest{
		DurableRef:       durableRef,
		SessionID:        sessionID,
		OriginalFileName: originalName,
	}, &resp)
	if err != nil {
		return domain.HistoryMessage{}, err
	}
	return resp.NewMessage, nil
}

// UploadFile stores and attaches a file in one multipart request.
func (c *Client) UploadFile(ctx context.Context, sessionID, fileName, contentType string, data []byte) (domain.HistoryMessage, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("session_id", sessionID); err != nil {
		return domain.HistoryMessage{}, fmt.Errorf("write session_id field: %w", err)
	}
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return domain.HistoryMessage{}, fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return domain.HistoryMessage{}, fmt.Errorf("write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return domain.HistoryMessage{}, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/upload-file", &body)
	if err != nil {
		return domain.HistoryMessage{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp UploadResponse
	if err := c.do(req, "upload file", &resp); err != nil {
		return domain.HistoryMessage{}, err
	}
	return resp.NewMessage, nil
}

// Download streams the bytes at fileURL into w.
func (c *Client) Download(ctx context.Context, fileURL string, w io.Writer) error {
	target, err := c.resolve(fileURL)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	if err := c.authorize(req); err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.TransportError{Op: "download", Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close download body", "error", closeErr)
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError("download", resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("copy download body: %w", err)
	}
	return nil
}

// SaveFile downloads fileURL into path. The partial file is removed on failure.
func (c *Client) SaveFile(ctx context.Context, fileURL, path string) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close download file: %w", closeErr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()
	return c.Download(ctx, fileURL, f)
}

func (c *Client) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse URL %q: %w", ref, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	return c.base.String() + "/" + strings.TrimLeft(ref, "/"), nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, op, out)
}

func (c *Client) authorize(req *http.Request) error {
	token, err := c.tokens.Token(req.Context())
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func (c *Client) do(req *http.Request, op string, out any) error {
	if err := c.authorize(req); err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.TransportError{Op: op, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", "op", op, "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	var err error
	if msg != "" {
		err = errors.New(msg)
	}
	return &domain.TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
}
