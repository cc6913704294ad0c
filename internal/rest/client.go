// Package rest talks to the REST message service used as the fallback
// transport and as the durability path for every send.
package rest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Jamshidjalolov/chatsync/internal/envelope"
	"github.com/Jamshidjalolov/chatsync/internal/model"
)

// Config holds the REST endpoint settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client is safe for concurrent use.
type Client struct {
	http   *resty.Client
	logger *zap.Logger

	mu    sync.RWMutex
	token string
}

// New creates a REST client.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	r := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: r, logger: logger}
}

// SetToken replaces the bearer credential used on every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) request(ctx context.Context) *resty.Request {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	req := c.http.R().SetContext(ctx)
	if token != "" {
		req.SetAuthToken(token)
	}
	return req
}

// PostRequest is the body of a new message.
type PostRequest struct {
	ClientTempID int64
	Text         string
	Attachment   *model.Attachment
}

// ListMessages returns the channel history, oldest first as the server sends it.
func (c *Client) ListMessages(ctx context.Context, ch model.ChannelKey) ([]model.Message, error) {
	var out []wireMessage
	resp, err := c.request(ctx).
		SetPathParam("channel", string(ch)).
		SetResult(&out).
		Get("/channel/{channel}/messages")
	if err := check(resp, err, "GET", "/channel/"+string(ch)+"/messages"); err != nil {
		return nil, err
	}
	msgs := make([]model.Message, 0, len(out))
	for _, w := range out {
		msgs = append(msgs, w.toModel(ch))
	}
	return msgs, nil
}

// PostMessage persists a message. The server treats ClientTempID as an
// idempotency key, so repeating a post after a realtime write is safe.
func (c *Client) PostMessage(ctx context.Context, ch model.ChannelKey, req PostRequest) (model.Message, error) {
	body := newWireBody(req)
	var out wireMessage
	resp, err := c.request(ctx).
		SetPathParam("channel", string(ch)).
		SetBody(body).
		SetResult(&out).
		Post("/channel/{channel}/messages")
	if err := check(resp, err, "POST", "/channel/"+string(ch)+"/messages"); err != nil {
		return model.Message{}, err
	}
	m := out.toModel(ch)
	if m.ClientTempID == 0 {
		m.ClientTempID = req.ClientTempID
	}
	return m, nil
}

// EditMessage replaces the text of message id.
func (c *Client) EditMessage(ctx context.Context, ch model.ChannelKey, id int64, text string) (model.Message, error) {
	var out wireMessage
	path := "/messages/" + strconv.FormatInt(id, 10)
	resp, err := c.request(ctx).
		SetBody(map[string]string{"content": text}).
		SetResult(&out).
		Put(path)
	if err := check(resp, err, "PUT", path); err != nil {
		return model.Message{}, err
	}
	return out.toModel(ch), nil
}

// DeleteMessage removes message id.
func (c *Client) DeleteMessage(ctx context.Context, id int64) error {
	path := "/messages/" + strconv.FormatInt(id, 10)
	resp, err := c.request(ctx).Delete(path)
	return check(resp, err, "DELETE", path)
}

// DecodeMessage decodes a message pushed over a socket in the REST wire shape.
func DecodeMessage(ch model.ChannelKey, data []byte) (model.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return model.Message{}, fmt.Errorf("decode message: %w", err)
	}
	if w.ID == 0 {
		return model.Message{}, fmt.Errorf("decode message: missing id")
	}
	return w.toModel(ch), nil
}

func check(resp *resty.Response, err error, method, path string) error {
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

type wireMessage struct {
	ID              int64     `json:"id"`
	ClientTempID    int64     `json:"client_temp_id,omitempty"`
	Sender          string    `json:"sender"`
	SenderUserID    int       `json:"sender_user_id,omitempty"`
	SenderName      string    `json:"sender_name,omitempty"`
	Content         string    `json:"content"`
	AttachmentKind  string    `json:"attachment_kind,omitempty"`
	StickerID       string    `json:"sticker_id,omitempty"`
	AttachmentURL   string    `json:"attachment_url,omitempty"`
	FileName        string    `json:"file_name,omitempty"`
	MimeType        string    `json:"mime_type,omitempty"`
	SizeBytes       int64     `json:"size_bytes,omitempty"`
	DurationSeconds int       `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

type wireBody struct {
	ClientTempID    int64  `json:"client_temp_id,omitempty"`
	Content         string `json:"content"`
	AttachmentKind  string `json:"attachment_kind,omitempty"`
	StickerID       string `json:"sticker_id,omitempty"`
	AttachmentURL   string `json:"attachment_url,omitempty"`
	FileName        string `json:"file_name,omitempty"`
	MimeType        string `json:"mime_type,omitempty"`
	SizeBytes       int64  `json:"size_bytes,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

func newWireBody(req PostRequest) wireBody {
	b := wireBody{ClientTempID: req.ClientTempID, Content: req.Text}
	if a := req.Attachment.Normalize(); a != nil {
		b.AttachmentKind = string(a.Kind)
		b.StickerID = a.StickerID
		b.AttachmentURL = a.URL
		b.FileName = a.FileName
		b.MimeType = a.MimeType
		b.SizeBytes = a.SizeBytes
		b.DurationSeconds = a.DurationSeconds
	}
	return b
}

func (w wireMessage) toModel(ch model.ChannelKey) model.Message {
	// Older rows carry the attachment inside an envelope in content.
	payload := envelope.Decode(w.Content)
	att := payload.Attachment
	if w.AttachmentKind != "" {
		att = (&model.Attachment{
			Kind:            model.ParseAttachmentKind(w.AttachmentKind),
			StickerID:       w.StickerID,
			URL:             w.AttachmentURL,
			FileName:        w.FileName,
			MimeType:        w.MimeType,
			SizeBytes:       w.SizeBytes,
			DurationSeconds: w.DurationSeconds,
		}).Normalize()
	}
	updated := w.UpdatedAt
	if updated.IsZero() {
		updated = w.CreatedAt
	}
	return model.Message{
		ID:           w.ID,
		ClientTempID: w.ClientTempID,
		ChannelKey:   ch,
		Sender:       model.ParseSender(w.Sender),
		SenderUserID: w.SenderUserID,
		SenderName:   w.SenderName,
		Content:      payload.Text,
		Attachment:   att,
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    updated,
	}
}
