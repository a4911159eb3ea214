package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	oasis "github.com/nevindra/oasis"
)

const apiBase = "https://api.telegram.org/bot"

// Telegram implements oasis.Frontend against the Telegram Bot API using
// long polling. One instance owns one bot token.
type Telegram struct {
	token  string
	client *http.Client
	offset int64
}

// New returns a Telegram frontend for the given bot token.
func New(token string) *Telegram {
	return &Telegram{
		token:  token,
		client: &http.Client{Timeout: 65 * time.Second},
	}
}

var _ oasis.Frontend = (*Telegram)(nil)

func (t *Telegram) endpoint(method string) string {
	return apiBase + t.token + "/" + method
}

// Poll long-polls getUpdates and emits a flattened oasis.IncomingMessage
// per update that carries a message (text, caption, document and photos
// are copied when present); updates without a message are skipped.
func (t *Telegram) Poll(ctx context.Context) (<-chan oasis.IncomingMessage, error) {
	out := make(chan oasis.IncomingMessage)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			updates, err := t.getUpdates(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf(" [telegram] getUpdates failed, retrying: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(2 * time.Second):
				}
				continue
			}

			for _, u := range updates {
				if u.UpdateID >= t.offset {
					t.offset = u.UpdateID + 1
				}
				msg := toIncoming(u.Message)
				if msg == nil {
					continue
				}
				select {
				case out <- *msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func toIncoming(m *Message) *oasis.IncomingMessage {
	if m == nil {
		return nil
	}
	msg := &oasis.IncomingMessage{
		ID:      strconv.FormatInt(m.MessageID, 10),
		ChatID:  strconv.FormatInt(m.Chat.ID, 10),
		Text:    m.Text,
		Caption: m.Caption,
	}
	if m.From != nil {
		msg.UserID = strconv.FormatInt(m.From.ID, 10)
	}
	if m.ReplyToMessage != nil {
		msg.ReplyToMsgID = strconv.FormatInt(m.ReplyToMessage.MessageID, 10)
	}
	if m.Document != nil {
		msg.Document = &oasis.FileInfo{
			FileID:   m.Document.FileID,
			FileName: m.Document.FileName,
			MimeType: m.Document.MimeType,
			FileSize: m.Document.FileSize,
		}
	}
	for _, p := range m.Photo {
		msg.Photos = append(msg.Photos, oasis.FileInfo{FileID: p.FileID, FileSize: p.FileSize})
	}
	return msg
}

func (t *Telegram) getUpdates(ctx context.Context) ([]Update, error) {
	v := url.Values{}
	v.Set("offset", strconv.FormatInt(t.offset, 10))
	v.Set("timeout", "50")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint("getUpdates")+"?"+v.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := doRequest[[]Update](t.client, req)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Send posts a new plain-text message and returns its message ID.
func (t *Telegram) Send(ctx context.Context, chatID string, text string) (string, error) {
	body, _ := json.Marshal(map[string]string{"chat_id": chatID, "text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := doRequest[Message](t.client, req)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.Result.MessageID, 10), nil
}

// Edit replaces an existing message's plain text.
func (t *Telegram) Edit(ctx context.Context, chatID string, msgID string, text string) error {
	body, _ := json.Marshal(map[string]string{"chat_id": chatID, "message_id": msgID, "text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("editMessageText"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = doRequest[Message](t.client, req)
	return err
}

// EditFormatted replaces an existing message, rendering markdown to the
// HTML subset Telegram's parse_mode=HTML accepts.
func (t *Telegram) EditFormatted(ctx context.Context, chatID string, msgID string, text string) error {
	html := MarkdownToHTML(text)
	body, _ := json.Marshal(map[string]string{
		"chat_id": chatID, "message_id": msgID, "text": html, "parse_mode": "HTML",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("editMessageText"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = doRequest[Message](t.client, req)
	return err
}

// SendTyping pings the chat action indicator once.
func (t *Telegram) SendTyping(ctx context.Context, chatID string) error {
	body, _ := json.Marshal(map[string]string{"chat_id": chatID, "action": "typing"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("sendChatAction"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = doRequest[bool](t.client, req)
	return err
}

// DownloadFile resolves a file_id to its server path, then downloads it.
func (t *Telegram) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	v := url.Values{}
	v.Set("file_id", fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint("getFile")+"?"+v.Encode(), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := doRequest[File](t.client, req)
	if err != nil {
		return nil, "", err
	}

	fileURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", t.token, resp.Result.FilePath)
	dlReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, "", err
	}
	dlResp, err := t.client.Do(dlReq)
	if err != nil {
		return nil, "", err
	}
	defer dlResp.Body.Close()
	data, err := io.ReadAll(dlResp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Result.FilePath, nil
}

// doRequest executes req and decodes a Telegram API envelope, surfacing
// a non-2xx ok=false response as an error.
func doRequest[T any](client *http.Client, req *http.Request) (ApiResponse[T], error) {
	var out ApiResponse[T]

	httpResp, err := client.Do(req)
	if err != nil {
		return out, err
	}
	defer httpResp.Body.Close()

	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("telegram: decode response: %w", err)
	}
	if !out.OK {
		return out, fmt.Errorf("telegram: %s (code %d)", out.Description, out.ErrorCode)
	}
	return out, nil
}
