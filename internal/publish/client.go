package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	// DefaultUploadPath is the upload endpoint, relative to the base URL.
	DefaultUploadPath = "/api/upload"

	// DefaultAttachPath is the attach endpoint; {id} is replaced by the
	// escaped knowledge id.
	DefaultAttachPath = "/api/knowledge/{id}/file/add"

	// maxErrorBody bounds how much of an error response is kept for messages.
	maxErrorBody = 4 << 10
)

// Config holds client configuration.
type Config struct {
	// BaseURL of the knowledge-base service, e.g. http://localhost:3000.
	BaseURL string

	// APIKey is sent as a bearer credential on every request.
	APIKey string

	// Timeout bounds each HTTP request (default: 60s).
	Timeout time.Duration

	// UploadPath and AttachPath override the default endpoints.
	UploadPath string
	AttachPath string

	// HTTPClient replaces the default client. Timeout is ignored when set.
	HTTPClient *http.Client

	// Fs is the filesystem file content is read from (default: OS filesystem).
	Fs afero.Fs

	// Logger for request activity (default: no-op).
	Logger *zap.Logger
}

// Client is the HTTP adapter for the knowledge-base service.
// It satisfies Publisher.
type Client struct {
	baseURL    string
	apiKey     string
	uploadPath string
	attachPath string
	httpClient *http.Client
	fs         afero.Fs
	logger     *zap.Logger
}

var _ Publisher = (*Client)(nil)

// NewClient creates a new client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.UploadPath == "" {
		cfg.UploadPath = DefaultUploadPath
	}
	if cfg.AttachPath == "" {
		cfg.AttachPath = DefaultAttachPath
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		uploadPath: cfg.UploadPath,
		attachPath: cfg.AttachPath,
		httpClient: httpClient,
		fs:         cfg.Fs,
		logger:     cfg.Logger,
	}, nil
}

// Publish uploads filePath and attaches it to knowledgeID.
//
// If the upload succeeds but the attach fails, the uploaded file stays on
// the remote side unattached and the returned *PublishError carries its id.
func (c *Client) Publish(ctx context.Context, filePath, knowledgeID string) (string, error) {
	fileID, err := c.Upload(ctx, filePath)
	if err != nil {
		return "", withKey(err, filePath, knowledgeID)
	}

	if err := c.Attach(ctx, fileID, knowledgeID); err != nil {
		return "", withKey(err, filePath, knowledgeID)
	}

	c.logger.Debug("published file",
		zap.String("path", filePath),
		zap.String("knowledge_id", knowledgeID),
		zap.String("file_id", fileID))
	return fileID, nil
}

// withKey fills in the record key on a *PublishError.
func withKey(err error, filePath, knowledgeID string) error {
	var pubErr *PublishError
	if errors.As(err, &pubErr) {
		pubErr.FilePath = filePath
		pubErr.KnowledgeID = knowledgeID
	}
	return err
}

type uploadResponse struct {
	ID string `json:"id"`
}

// Upload sends the content of filePath and returns the remote file id.
func (c *Client) Upload(ctx context.Context, filePath string) (string, error) {
	fail := func(status int, err error) (string, error) {
		return "", &PublishError{Step: StepUpload, FilePath: filePath, StatusCode: status, Err: err}
	}

	content, err := afero.ReadFile(c.fs, filePath)
	if err != nil {
		return fail(0, fmt.Errorf("failed to read file: %w", err))
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(filePath)))
	header.Set("Content-Type", ContentType(filePath))
	part, err := form.CreatePart(header)
	if err != nil {
		return fail(0, fmt.Errorf("failed to build form: %w", err))
	}
	if _, err := part.Write(content); err != nil {
		return fail(0, fmt.Errorf("failed to build form: %w", err))
	}
	if err := form.Close(); err != nil {
		return fail(0, fmt.Errorf("failed to build form: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.uploadPath, &body)
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return fail(resp.StatusCode, err)
	}

	var result uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fail(resp.StatusCode, fmt.Errorf("failed to decode upload response: %w", err))
	}
	if result.ID == "" {
		return fail(resp.StatusCode, fmt.Errorf("upload response has no file id"))
	}

	c.logger.Debug("uploaded file",
		zap.String("path", filePath),
		zap.String("file_id", result.ID),
		zap.Int("bytes", len(content)))
	return result.ID, nil
}

type attachRequest struct {
	FileID string `json:"file_id"`
}

// Attach links an uploaded file to a knowledge collection.
func (c *Client) Attach(ctx context.Context, fileID, knowledgeID string) error {
	fail := func(status int, err error) error {
		return &PublishError{Step: StepAttach, KnowledgeID: knowledgeID, FileID: fileID, StatusCode: status, Err: err}
	}

	payload, err := json.Marshal(attachRequest{FileID: fileID})
	if err != nil {
		return fail(0, err)
	}

	endpoint := c.baseURL + strings.ReplaceAll(c.attachPath, "{id}", url.PathEscape(knowledgeID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return fail(resp.StatusCode, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}

// applyAuth adds the bearer credential to a request.
func (c *Client) applyAuth(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return fmt.Errorf("server returned %s: %s", resp.Status, msg)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}
