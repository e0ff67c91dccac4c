// Package telegram is a small Bot API client plus the long-polling loop that
// feeds inbound messages into the relay.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zhouzirui/z-relay/internal/model/chat"
)

const (
	maxFileBytes     = 20 << 20
	fallbackMIMEType = "image/jpeg"
)

// APIError is a Bot API reply with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed (%d): %s", e.Method, e.Code, e.Description)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Client talks to the Bot API.
type Client struct {
	apiBase    string
	fileBase   string
	httpClient *http.Client
}

// NewClient creates a client for apiBase ("https://api.telegram.org/bot<token>")
// and fileBase ("https://api.telegram.org/file/bot<token>").
func NewClient(apiBase, fileBase string, requestTimeout time.Duration) *Client {
	return &Client{
		apiBase:  strings.TrimRight(apiBase, "/"),
		fileBase: strings.TrimRight(fileBase, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// GetUpdates long-polls for new messages starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	payload := map[string]any{
		"offset":          offset,
		"timeout":         timeout,
		"allowed_updates": []string{"message"},
	}

	var updates []Update
	if err := c.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendText sends one plain-text message.
func (c *Client) SendText(ctx context.Context, id chat.ConversationID, text string) error {
	payload := map[string]any{
		"chat_id": chatIDValue(id),
		"text":    text,
	}
	return c.call(ctx, "sendMessage", payload, nil)
}

// GetFile resolves a file id to a downloadable path.
func (c *Client) GetFile(ctx context.Context, fileID string) (File, error) {
	var file File
	if err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		return File{}, err
	}
	if file.FilePath == "" {
		return File{}, fmt.Errorf("telegram getFile returned no file_path for %s", fileID)
	}
	return file, nil
}

// Fetch downloads the file behind fileRef. The MIME type comes from the
// response or the content itself and defaults to image/jpeg.
func (c *Client) Fetch(ctx context.Context, fileRef string) (chat.Image, error) {
	file, err := c.GetFile(ctx, fileRef)
	if err != nil {
		return chat.Image{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileBase+"/"+file.FilePath, nil)
	if err != nil {
		return chat.Image{}, fmt.Errorf("build file request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return chat.Image{}, fmt.Errorf("telegram file download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return chat.Image{}, fmt.Errorf("telegram file download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes+1))
	if err != nil {
		return chat.Image{}, fmt.Errorf("read file body: %w", err)
	}
	if len(data) > maxFileBytes {
		return chat.Image{}, fmt.Errorf("file %s exceeds %d bytes", fileRef, maxFileBytes)
	}
	if len(data) == 0 {
		return chat.Image{}, fmt.Errorf("file %s is empty", fileRef)
	}

	return chat.Image{Data: data, MIMEType: detectMIMEType(resp.Header.Get("Content-Type"), data)}, nil
}

// SetWebhook registers url for push delivery. secret is echoed back by
// Telegram in the X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	payload := map[string]any{
		"url":             url,
		"allowed_updates": []string{"message"},
	}
	if secret != "" {
		payload["secret_token"] = secret
	}
	return c.call(ctx, "setWebhook", payload, nil)
}

// DeleteWebhook switches the bot back to getUpdates.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", map[string]any{}, nil)
}

func (c *Client) call(ctx context.Context, method string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return fmt.Errorf("parse %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !apiResp.OK {
		code := apiResp.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: apiResp.Description}
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(apiResp.Result, result); err != nil {
		return fmt.Errorf("parse %s result: %w", method, err)
	}
	return nil
}

func chatIDValue(id chat.ConversationID) any {
	if n, err := strconv.ParseInt(id.String(), 10, 64); err == nil {
		return n
	}
	return id.String()
}

func detectMIMEType(header string, data []byte) string {
	if mt := strings.TrimSpace(strings.Split(header, ";")[0]); strings.HasPrefix(mt, "image/") {
		return mt
	}
	if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	return fallbackMIMEType
}
