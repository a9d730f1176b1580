package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/umar/chatsync/internal/models"
)

// APIError is a non-2xx response from the collaborator.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return models.ErrAuth
	case http.StatusNotFound:
		return models.ErrNotFound
	case http.StatusBadRequest:
		return models.ErrValidation
	}
	return nil
}

// IsTransport reports whether err happened before any response arrived.
func IsTransport(err error) bool {
	return errors.Is(err, models.ErrTransport)
}

// SendRequest is the body of POST messages.
type SendRequest struct {
	RoomID       string             `json:"room_id"`
	Content      string             `json:"content"`
	ReplyTo      string             `json:"reply_to,omitempty"`
	ClientTempID string             `json:"client_temp_id,omitempty"`
	Attachment   *models.Attachment `json:"attachment,omitempty"`
}

// File is an attachment awaiting upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) ListRooms(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	if err := c.do(ctx, http.MethodGet, "/rooms", nil, &rooms); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// ListMessages fetches the page of history before cursor ("" for newest).
func (c *Client) ListMessages(ctx context.Context, roomID, cursor string, limit int) (models.MessagePage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/rooms/" + url.PathEscape(roomID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page models.MessagePage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return models.MessagePage{}, fmt.Errorf("list messages %s: %w", roomID, err)
	}
	return page, nil
}

func (c *Client) SendMessage(ctx context.Context, req SendRequest) (models.Message, error) {
	var msg models.Message
	if err := c.do(ctx, http.MethodPost, "/messages", req, &msg); err != nil {
		return models.Message{}, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

func (c *Client) MarkRead(ctx context.Context, roomID, messageID string) error {
	body := map[string]string{"message_id": messageID}
	if err := c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/read", body, nil); err != nil {
		return fmt.Errorf("mark read %s: %w", roomID, err)
	}
	return nil
}

// Upload sends a file to the storage collaborator and returns its reference.
func (c *Client) Upload(ctx context.Context, f File) (models.Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", f.Name)
	if err != nil {
		return models.Attachment{}, err
	}
	if _, err := part.Write(f.Data); err != nil {
		return models.Attachment{}, err
	}
	if err := mw.Close(); err != nil {
		return models.Attachment{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/uploads", &buf)
	if err != nil {
		return models.Attachment{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var att models.Attachment
	if err := c.send(req, &att); err != nil {
		return models.Attachment{}, fmt.Errorf("upload %s: %w", f.Name, err)
	}
	if att.ContentType == "" {
		att.ContentType = f.ContentType
	}
	return att, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", models.ErrSendTimeout, err)
		}
		return fmt.Errorf("%w: %w", models.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
