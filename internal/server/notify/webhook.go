// Package notify delivers relayed files and status messages to users.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	"github.com/bytedance/sonic"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/time/rate"

	"relay/internal/server/transfer"
)

// DefaultLimiterTTL is how long an idle user's rate limiter is kept.
const DefaultLimiterTTL = 10 * time.Minute

// Message is the JSON body posted for a status notification.
type Message struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	Text   string `json:"text"`
}

// WebhookConfig configures a Webhook.
type WebhookConfig struct {
	URL           string
	RatePerSecond float64
	Burst         int
	LimiterTTL    time.Duration
	Client        *http.Client
}

// Webhook posts messages and files to an HTTP endpoint that forwards them
// to the user's chat. Deliveries to one user are rate limited so progress
// updates never flood the chat.
type Webhook struct {
	url    string
	client *http.Client
	limit  rate.Limit
	burst  int

	mu       sync.Mutex
	limiters *ttlworker.Cache[int64, *rate.Limiter]
}

// NewWebhook creates a webhook relay.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.LimiterTTL <= 0 {
		cfg.LimiterTTL = DefaultLimiterTTL
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := max(cfg.Burst, 1)

	return &Webhook{
		url:      cfg.URL,
		client:   cfg.Client,
		limit:    limit,
		burst:    burst,
		limiters: ttlworker.NewCache[int64, *rate.Limiter](cfg.LimiterTTL),
	}
}

// Notify posts a text message for the user.
func (w *Webhook) Notify(ctx context.Context, userID int64, text string) error {
	if err := w.wait(ctx, userID); err != nil {
		return err
	}

	payload, err := sonic.Marshal(Message{Type: "message", UserID: userID, Text: text})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", transfer.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return w.do(req)
}

// Send uploads the file at localPath as a multipart form. The body is
// streamed so large files are never held in memory.
func (w *Webhook) Send(ctx context.Context, userID int64, localPath, displayName, caption string) error {
	if err := w.wait(ctx, userID); err != nil {
		return err
	}

	mtype, err := mimetype.DetectFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", localPath, err)
	}
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(form, file, userID, displayName, caption, mtype.String()))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, pr)
	if err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("%w: %v", transfer.ErrTransport, err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	err = w.do(req)
	pr.CloseWithError(io.ErrClosedPipe)
	return err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writeForm(form *multipart.Writer, file io.Reader, userID int64, displayName, caption, contentType string) error {
	fields := [][2]string{
		{"type", "document"},
		{"user_id", strconv.FormatInt(userID, 10)},
		{"caption", caption},
	}
	for _, f := range fields {
		if err := form.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="document"; filename="%s"`, quoteEscaper.Replace(displayName)))
	header.Set("Content-Type", contentType)
	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	return form.Close()
}

func (w *Webhook) do(req *http.Request) error {
	resp, err := w.client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return req.Context().Err()
		}
		return fmt.Errorf("%w: %v", transfer.ErrTransport, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: webhook returned %d", transfer.ErrQuotaExceeded, resp.StatusCode)
	default:
		return fmt.Errorf("%w: webhook returned %d", transfer.ErrTransport, resp.StatusCode)
	}
}

// wait blocks until the user's limiter admits one more delivery.
func (w *Webhook) wait(ctx context.Context, userID int64) error {
	return w.limiter(userID).Wait(ctx)
}

func (w *Webhook) limiter(userID int64) *rate.Limiter {
	w.mu.Lock()
	defer w.mu.Unlock()

	if l := w.limiters.Get(userID); l != nil {
		return l
	}
	l := rate.NewLimiter(w.limit, w.burst)
	w.limiters.Set(userID, l)
	return l
}
