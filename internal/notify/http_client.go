package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TokenHeader carries the API token on every request.
const TokenHeader = "X-Postmark-Server-Token"

// Error codes the email API uses to reject a recipient rather than the
// request as a whole.
const (
	apiErrInvalidRequest    = 300
	apiErrInactiveRecipient = 406
)

// HTTPClient posts emails as JSON to an email API at BaseURL + "/email".
type HTTPClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client

	// Log receives configuration faults (bad token or URL). Zero value
	// discards them.
	Log zerolog.Logger
}

// NewHTTPClient returns a client with the given per-request timeout.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HTMLBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

type apiError struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

// Send posts e. Only rejections of the recipient are permanent: 422, and 400
// carrying a recipient error code. Everything else, including 401, 403 and
// 404 from a misconfigured token or URL, is transient.
func (c *HTTPClient) Send(ctx context.Context, e Email) error {
	body, err := json.Marshal(sendRequest{
		From:     e.From,
		To:       e.To,
		Subject:  e.Subject,
		HTMLBody: e.HTML,
		TextBody: e.Text,
	})
	if err != nil {
		return Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/email", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set(TokenHeader, c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("email api: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))

	switch resp.StatusCode {
	case http.StatusUnprocessableEntity:
		return Permanent(err)
	case http.StatusBadRequest:
		var ae apiError
		if json.Unmarshal(snippet, &ae) == nil &&
			(ae.ErrorCode == apiErrInvalidRequest || ae.ErrorCode == apiErrInactiveRecipient) {
			return Permanent(err)
		}
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		c.Log.Error().
			Int("status", resp.StatusCode).
			Str("url", c.BaseURL).
			Msg("email api rejected the request; check EMAIL_API_URL and EMAIL_API_TOKEN")
	}
	return err
}
