// Package upstream implements the thin HTTP calls against the Gemini
// Business assist API: JWT minting, session creation and turn dispatch.
package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gembiz/gateway/internal/pool"
)

const (
	baseURL = "https://biz-discoveryengine.googleapis.com/v1alpha/locations/global"

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36"

	// defaultJWTLifetime is assumed when the token endpoint does not
	// report an expiry.
	defaultJWTLifetime = 50 * time.Minute
)

// APIError represents an error response from the assist API.
type APIError struct {
	StatusCode int
	Body       []byte
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("upstream error: status %d, body: %s", e.StatusCode, string(e.Body))
}

// IsRateLimited reports a 429 rate-limit response.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsClientError reports a caller/parameter error that must not be
// counted against the serving account.
func (e *APIError) IsClientError() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusNotFound,
		http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// IsAuthError reports an expired or rejected credential (401/403).
func (e *APIError) IsAuthError() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Client is a pooled HTTP client for the assist API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	logger     *slog.Logger
}

// ClientOptions configures the upstream client.
type ClientOptions struct {
	// BaseURL overrides the assist API endpoint, used in tests.
	BaseURL             string
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	Timeout             time.Duration
	UserAgent           string
	Logger              *slog.Logger
}

// NewClient creates an upstream client with connection pooling.
func NewClient(opts ClientOptions) *Client {
	transport := &http.Transport{
		MaxIdleConns:        opts.MaxConns,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxConnsPerHost:     opts.MaxConns,
		IdleConnTimeout:     opts.IdleConnTimeout,
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	base := opts.BaseURL
	if base == "" {
		base = baseURL
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout, // 0 for streaming
		},
		baseURL:   base,
		userAgent: userAgent,
		logger:    logger,
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) cookieHeader(creds pool.Credentials) string {
	cookie := "__Secure-C_SES=" + creds.SecureCSes + "; CSESIDX=" + creds.CSesIdx
	if creds.HostCOSes != "" {
		cookie += "; __Host-C_OSES=" + creds.HostCOSes
	}
	return cookie
}

func (c *Client) bearerHeaders(req *http.Request, jwt string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Goog-Request-Id", uuid.New().String())
}

// FetchJWT mints a widget JWT from the account cookies. Implements
// pool.TokenSource.
func (c *Client) FetchJWT(ctx context.Context, creds pool.Credentials, requestID string) (string, time.Time, error) {
	body, _ := json.Marshal(map[string]string{"csesidx": creds.CSesIdx})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/widgetJwt:create", bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Cookie", c.cookieHeader(creds))
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		c.logger.Warn("jwt mint failed",
			"status", resp.StatusCode,
			"request_id", requestID,
		)
		return "", time.Time{}, &APIError{StatusCode: resp.StatusCode, Body: respBody}
	}

	var parsed struct {
		Token            string `json:"token"`
		ExpireTimeMillis int64  `json:"expireTimeMillis"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to parse jwt response: %w", err)
	}
	if parsed.Token == "" {
		return "", time.Time{}, fmt.Errorf("jwt response contained no token")
	}

	expiresAt := time.Now().Add(defaultJWTLifetime)
	if parsed.ExpireTimeMillis > 0 {
		expiresAt = time.UnixMilli(parsed.ExpireTimeMillis)
	}
	return parsed.Token, expiresAt, nil
}

// CreateSession opens a fresh upstream session for an account and
// returns its resource name.
func (c *Client) CreateSession(ctx context.Context, acct *pool.Account, requestID string) (string, error) {
	jwt, err := acct.JWT(ctx, requestID)
	if err != nil {
		return "", fmt.Errorf("failed to obtain jwt: %w", err)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"configId": acct.ConfigID,
		"additionalParams": map[string]string{
			"token": "-",
		},
		"createSessionRequest": map[string]interface{}{
			"session": map[string]string{"displayName": "-"},
		},
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/widgetCreateSession", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.bearerHeaders(httpReq, jwt)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("session request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", &APIError{StatusCode: resp.StatusCode, Body: respBody}
	}

	var parsed struct {
		Session struct {
			Name string `json:"name"`
		} `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to parse session response: %w", err)
	}
	if parsed.Session.Name == "" {
		return "", fmt.Errorf("session response contained no name")
	}

	acct.MarkSessionOpened()
	c.logger.Debug("session created",
		"account_id", acct.ID,
		"request_id", requestID,
	)
	return parsed.Session.Name, nil
}

// UploadContextFile uploads one inline file to a session and returns
// the file id. File ids are bound to the session they were uploaded to,
// so a failover to a fresh session must upload again.
func (c *Client) UploadContextFile(ctx context.Context, acct *pool.Account, sessionID, mimeType string, data []byte) (string, error) {
	jwt, err := acct.JWT(ctx, requestIDFrom(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to obtain jwt: %w", err)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"configId":         acct.ConfigID,
		"additionalParams": map[string]string{"token": "-"},
		"addContextFileRequest": map[string]interface{}{
			"session":      sessionID,
			"fileName":     "context-" + uuid.New().String(),
			"mimeType":     mimeType,
			"fileContents": base64.StdEncoding.EncodeToString(data),
		},
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/widgetAddContextFile", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.bearerHeaders(httpReq, jwt)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", &APIError{StatusCode: resp.StatusCode, Body: respBody}
	}

	var parsed struct {
		FileID string `json:"fileId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	if parsed.FileID == "" {
		return "", fmt.Errorf("upload response contained no file id")
	}
	return parsed.FileID, nil
}

// DownloadFile fetches the bytes of a session file, such as a generated
// image, authenticated with the account's JWT.
func (c *Client) DownloadFile(ctx context.Context, acct *pool.Account, sessionID, fileID string) ([]byte, error) {
	jwt, err := acct.JWT(ctx, requestIDFrom(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to obtain jwt: %w", err)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"configId":         acct.ConfigID,
		"additionalParams": map[string]string{"token": "-"},
		"downloadFileRequest": map[string]string{
			"session": sessionID,
			"fileId":  fileID,
		},
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/widgetDownloadFile", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.bearerHeaders(httpReq, jwt)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: respBody}
	}

	return io.ReadAll(resp.Body)
}

// Fragment is one decoded piece of an assist turn. Thought fragments
// carry model reasoning rather than answer text; a fragment with a
// FileID references a generated file (an image) instead of text.
type Fragment struct {
	Text     string
	Thought  bool
	FileID   string
	MimeType string
}

// TurnOptions shape one assist turn.
type TurnOptions struct {
	// ModelID selects a specific model; empty lets the upstream choose.
	ModelID      string
	LanguageCode string
	TimeZone     string
	// FileIDs are context files already uploaded to the session.
	FileIDs []string
}

// StreamAssist dispatches one turn on an existing session and invokes fn
// for every text fragment as it is decoded from the streamed JSON array.
// An HTTP error status is returned as *APIError before fn is ever
// called; decode failures after a 200 are returned as plain errors.
func (c *Client) StreamAssist(ctx context.Context, acct *pool.Account, sessionID, text string, opts TurnOptions, fn func(Fragment) error) error {
	jwt, err := acct.JWT(ctx, requestIDFrom(ctx))
	if err != nil {
		return fmt.Errorf("failed to obtain jwt: %w", err)
	}

	languageCode := opts.LanguageCode
	if languageCode == "" {
		languageCode = "en-US"
	}
	timeZone := opts.TimeZone
	if timeZone == "" {
		timeZone = "UTC"
	}
	fileIDs := opts.FileIDs
	if fileIDs == nil {
		fileIDs = []string{}
	}

	assistReq := map[string]interface{}{
		"session": sessionID,
		"query": map[string]interface{}{
			"parts": []map[string]string{{"text": text}},
		},
		"filter":               "",
		"fileIds":              fileIDs,
		"answerGenerationMode": "NORMAL",
		"toolsSpec": map[string]interface{}{
			"webGroundingSpec":    map[string]interface{}{},
			"toolRegistry":        "default_tool_registry",
			"imageGenerationSpec": map[string]interface{}{},
			"videoGenerationSpec": map[string]interface{}{},
		},
		"languageCode":       languageCode,
		"userMetadata":       map[string]string{"timeZone": timeZone},
		"assistSkippingMode": "REQUEST_ASSIST",
	}
	if opts.ModelID != "" {
		assistReq["assistGenerationConfig"] = map[string]string{"modelId": opts.ModelID}
	}

	body, _ := json.Marshal(map[string]interface{}{
		"configId":            acct.ConfigID,
		"additionalParams":    map[string]string{"token": "-"},
		"streamAssistRequest": assistReq,
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/widgetStreamAssist", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.bearerHeaders(httpReq, jwt)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("assist request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		c.logger.Warn("assist turn rejected",
			"status", resp.StatusCode,
			"account_id", acct.ID,
		)
		return &APIError{StatusCode: resp.StatusCode, Body: respBody}
	}

	return decodeAssistStream(resp.Body, fn)
}

// assistEnvelope is one element of the streamed response array.
type assistEnvelope struct {
	StreamAssistResponse struct {
		Answer struct {
			Replies []struct {
				GroundedContent struct {
					Content struct {
						Text    string `json:"text"`
						Thought bool   `json:"thought"`
						File    struct {
							FileID   string `json:"fileId"`
							MimeType string `json:"mimeType"`
						} `json:"file"`
					} `json:"content"`
				} `json:"groundedContent"`
			} `json:"replies"`
		} `json:"answer"`
	} `json:"streamAssistResponse"`
}

// decodeAssistStream incrementally decodes the JSON array the assist
// endpoint streams, emitting fragments as each element completes.
func decodeAssistStream(r io.Reader, fn func(Fragment) error) error {
	dec := json.NewDecoder(r)

	// Leading '['.
	if _, err := dec.Token(); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("failed to read stream start: %w", err)
	}

	for dec.More() {
		var envelope assistEnvelope
		if err := dec.Decode(&envelope); err != nil {
			return fmt.Errorf("failed to decode stream element: %w", err)
		}
		for _, reply := range envelope.StreamAssistResponse.Answer.Replies {
			content := reply.GroundedContent.Content
			if content.File.FileID != "" {
				mime := content.File.MimeType
				if mime == "" {
					mime = "image/png"
				}
				if err := fn(Fragment{FileID: content.File.FileID, MimeType: mime}); err != nil {
					return err
				}
				continue
			}
			if content.Text == "" {
				continue
			}
			if err := fn(Fragment{Text: content.Text, Thought: content.Thought}); err != nil {
				return err
			}
		}
	}

	// Trailing ']' is optional: a truncated stream still delivered its
	// complete elements.
	_, _ = dec.Token()
	return nil
}

type ctxKey string

// requestIDKey carries the request id through upstream calls.
const requestIDKey ctxKey = "upstream_request_id"

// WithRequestID attaches a request id for upstream logging.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
