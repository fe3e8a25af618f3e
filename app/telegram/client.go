package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel/attribute"
	"nuclight.org/tg-files-gateway/pkg/tracing"
)

const (
	methodGetChatHistory = "getChatHistory"
	methodGetFile        = "getFile"
)

type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Endpoints are printf formats taking the bot token and a method name or file
// path, see tgbotapi.APIEndpoint and tgbotapi.FileEndpoint.
type Endpoints struct {
	API  string
	File string
}

// Client talks to the Telegram Bot API. It only knows how to read channel
// history and resolve file identifiers, every call is a single attempt.
type Client struct {
	token      string
	endpoints  Endpoints
	httpClient HTTPClient
}

func NewClient(token string, endpoints Endpoints, httpClient HTTPClient) *Client {
	if endpoints.API == "" {
		endpoints.API = tgbotapi.APIEndpoint
	}
	if endpoints.File == "" {
		endpoints.File = tgbotapi.FileEndpoint
	}

	return &Client{
		token:      token,
		endpoints:  endpoints,
		httpClient: httpClient,
	}
}

// HasToken reports whether a bot token is configured.
func (c *Client) HasToken() bool {
	return c.token != ""
}

// FetchHistory returns up to limit recent messages of channel in the order
// upstream returns them.
func (c *Client) FetchHistory(ctx context.Context, channel string, limit int) (messages []tgbotapi.Message, err error) {
	ctx, span := tracing.StartSpan(ctx, "telegram."+methodGetChatHistory,
		attribute.String("tg.channel", channel),
		attribute.Int("tg.limit", limit),
	)
	defer func() { tracing.End(span, err) }()

	params := tgbotapi.Params{"chat_id": channel}
	params.AddNonZero("limit", limit)

	resp, err := c.call(ctx, methodGetChatHistory, params)
	if err != nil {
		return nil, err
	}

	if err = json.Unmarshal(resp.Result, &messages); err != nil {
		return nil, fmt.Errorf("decoding %s result: %w", methodGetChatHistory, err)
	}

	span.SetAttributes(attribute.Int("tg.messages", len(messages)))

	return messages, nil
}

// ResolveFilePath looks up the download path of a file identifier.
func (c *Client) ResolveFilePath(ctx context.Context, fileID string) (path string, err error) {
	ctx, span := tracing.StartSpan(ctx, "telegram."+methodGetFile, attribute.String("tg.file_id", fileID))
	defer func() { tracing.End(span, err) }()

	resp, err := c.call(ctx, methodGetFile, tgbotapi.Params{"file_id": fileID})
	if err != nil {
		return "", err
	}

	var file tgbotapi.File
	if err = json.Unmarshal(resp.Result, &file); err != nil {
		return "", fmt.Errorf("decoding %s result: %w", methodGetFile, err)
	}

	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file %s", fileID)
	}

	return file.FilePath, nil
}

// DownloadURL is the public upstream link of a resolved file. It embeds the
// bot token and must not be handed out unless explicitly configured.
func (c *Client) DownloadURL(filePath string) string {
	return fmt.Sprintf(c.endpoints.File, c.token, filePath)
}

// OpenFile starts downloading filePath from upstream. The caller owns the
// response body.
func (c *Client) OpenFile(ctx context.Context, filePath string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.DownloadURL(filePath), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", c.redact(err))
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading file: %w", c.redact(err))
	}

	if res.StatusCode != http.StatusOK {
		_ = res.Body.Close()
		return nil, &tgbotapi.Error{
			Code:    res.StatusCode,
			Message: "unexpected status code: " + strconv.Itoa(res.StatusCode),
		}
	}

	return res, nil
}

func (c *Client) call(ctx context.Context, method string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		fmt.Sprintf(c.endpoints.API, c.token, method),
		strings.NewReader(values.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", method, c.redact(err))
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doing %s request: %w", method, c.redact(err))
	}

	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", method, err)
	}

	var resp tgbotapi.APIResponse
	if err = json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding %s response (status %d): %w", method, res.StatusCode, err)
	}

	if !resp.Ok {
		apiErr := &tgbotapi.Error{Code: resp.ErrorCode, Message: resp.Description}
		if resp.Parameters != nil {
			apiErr.ResponseParameters = *resp.Parameters
		}
		return &resp, fmt.Errorf("%s: %w", method, apiErr)
	}

	return &resp, nil
}

// redact strips the bot token from URLs carried by transport errors.
func (c *Client) redact(err error) error {
	var urlErr *url.Error
	if c.token != "" && errors.As(err, &urlErr) {
		urlErr.URL = strings.ReplaceAll(urlErr.URL, c.token, "<token>")
	}

	return err
}
