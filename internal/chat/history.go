package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/mossy-p/collab-relay/internal/models"
)

// History is the persistent message store behind a channel.
type History interface {
	// Save stores msg and returns it with its id and timestamp assigned.
	Save(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error)
	// List returns up to limit recent messages, oldest first.
	List(ctx context.Context, channelID string, limit int) ([]models.ChatMessage, error)
}

const (
	DefaultRequestRetries = 3
	DefaultRetryDelay     = 200 * time.Millisecond
)

// HTTPHistory talks to the relay's message API.
type HTTPHistory struct {
	baseURL *url.URL
	token   string
	client  *retryablehttp.Client
	logger  zerolog.Logger
}

// HistoryOpt configures an HTTPHistory.
type HistoryOpt func(*HTTPHistory)

// WithHistoryLogger logs requests, retries and failures.
func WithHistoryLogger(logger *zerolog.Logger) HistoryOpt {
	return func(h *HTTPHistory) {
		h.logger = logger.With().Str("component", "chat-history").Logger()
		h.client.Logger = retryableHTTPLogger{inner: h.logger}
		h.client.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
			h.logger.Debug().
				Stringer("url", resp.Request.URL).
				Int("status", resp.StatusCode).
				Msg("response received")
		}
	}
}

// WithRetries sets how often a failed request is retried and the base
// delay between attempts.
func WithRetries(max int, delay time.Duration) HistoryOpt {
	return func(h *HTTPHistory) {
		h.client.RetryMax = max
		h.client.RetryWaitMin = delay
		h.client.RetryWaitMax = 2 * delay
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) HistoryOpt {
	return func(h *HTTPHistory) {
		h.client.HTTPClient = client
	}
}

// NewHTTPHistory returns a History for the relay API at baseURL,
// authenticated with token.
func NewHTTPHistory(baseURL, token string, opts ...HistoryOpt) (*HTTPHistory, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing address: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}

	client := retryablehttp.NewClient()
	client.RetryMax = DefaultRequestRetries
	client.RetryWaitMin = DefaultRetryDelay
	client.RetryWaitMax = 2 * DefaultRetryDelay
	client.Backoff = retryablehttp.LinearJitterBackoff
	client.CheckRetry = retryablehttp.DefaultRetryPolicy

	h := &HTTPHistory{baseURL: u, token: token, client: client}
	client.Logger = retryableHTTPLogger{inner: zerolog.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Save posts msg to the channel history.
func (h *HTTPHistory) Save(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	var saved models.ChatMessage
	if err := h.req(ctx, http.MethodPost, h.messagesPath(msg.ChannelID), nil, msg, http.StatusCreated, &saved); err != nil {
		return models.ChatMessage{}, fmt.Errorf("saving message: %w", err)
	}
	return saved, nil
}

// List fetches the latest messages of channelID.
func (h *HTTPHistory) List(ctx context.Context, channelID string, limit int) ([]models.ChatMessage, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var res struct {
		Messages []models.ChatMessage `json:"messages"`
	}
	if err := h.req(ctx, http.MethodGet, h.messagesPath(channelID), query, nil, http.StatusOK, &res); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return res.Messages, nil
}

func (h *HTTPHistory) messagesPath(channelID string) string {
	return h.baseURL.JoinPath("api", "rooms", channelID, "messages").String()
}

func (h *HTTPHistory) req(
	ctx context.Context,
	method, target string,
	query url.Values,
	reqBody any,
	want int,
	resBody any,
) error {
	var body []byte
	if reqBody != nil {
		var err error
		if body, err = json.Marshal(reqBody); err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+h.token)

	res, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrConnection, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if res.StatusCode != want {
		h.logger.Debug().Str("status", res.Status).Bytes("body", bytes.TrimSpace(data)).Msg("history request failed")
	}
	switch res.StatusCode {
	case want:
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: response status %s", models.ErrAuth, res.Status)
	case http.StatusForbidden:
		return fmt.Errorf("%w: response status %s", models.ErrPermission, res.Status)
	case http.StatusNotFound:
		return fmt.Errorf("%w: response status %s", models.ErrRoomNotFound, res.Status)
	default:
		return fmt.Errorf("unexpected response status %s, body: %s", res.Status, bytes.TrimSpace(data))
	}

	if resBody != nil {
		if err := json.Unmarshal(data, resBody); err != nil {
			return fmt.Errorf("decoding response body: %w", err)
		}
	}
	return nil
}

// retryableHTTPLogger adapts zerolog to retryablehttp.LeveledLogger.
type retryableHTTPLogger struct {
	inner zerolog.Logger
}

func (r retryableHTTPLogger) Error(msg string, keysAndValues ...any) {
	r.inner.Error().Fields(keysAndValues).Msg(msg)
}

func (r retryableHTTPLogger) Info(msg string, keysAndValues ...any) {
	r.inner.Info().Fields(keysAndValues).Msg(msg)
}

func (r retryableHTTPLogger) Warn(msg string, keysAndValues ...any) {
	r.inner.Warn().Fields(keysAndValues).Msg(msg)
}

func (r retryableHTTPLogger) Debug(msg string, keysAndValues ...any) {
	r.inner.Debug().Fields(keysAndValues).Msg(msg)
}
