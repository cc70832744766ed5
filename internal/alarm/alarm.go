// Package alarm delivers operator alarms for slots whose built root or
// commitment disagreed with what the cluster reported.
package alarm

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/accountproof/internal/metrics"
	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Accountproof-Signature"

// Alarm is the payload POSTed to every webhook.
type Alarm struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	Slot      uint64    `json:"slot"`
	Record    uint64    `json:"record"`
	Expected  string    `json:"expected"`
	Built     string    `json:"built"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier raises alarms. Raise must not block the caller on delivery.
type Notifier interface {
	Raise(ctx context.Context, a Alarm)
}

// LogNotifier only logs. It is used when no webhook is configured.
type LogNotifier struct {
	Logger *zap.Logger
}

// Raise implements Notifier.
func (n LogNotifier) Raise(_ context.Context, a Alarm) {
	n.Logger.Error("alarm raised",
		zap.String("type", a.Type),
		zap.Uint64("slot", a.Slot),
		zap.String("expected", a.Expected),
		zap.String("built", a.Built),
	)
}

// Webhook POSTs each alarm to a fixed set of URLs with retries.
type Webhook struct {
	urls       []string
	secret     string
	httpClient *http.Client
	delays     []time.Duration
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// Option configures a Webhook.
type Option func(*Webhook)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(w *Webhook) { w.httpClient = c }
}

// WithRetryDelays sets the wait before each retry; its length is the number
// of retries.
func WithRetryDelays(d ...time.Duration) Option {
	return func(w *Webhook) { w.delays = d }
}

// NewWebhook creates a Webhook notifier.
func NewWebhook(urls []string, secret string, logger *zap.Logger, opts ...Option) *Webhook {
	w := &Webhook{
		urls:       urls,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		delays:     []time.Duration{time.Second, 5 * time.Second},
		logger:     logger.Named("alarm"),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Raise implements Notifier. Delivery runs in the background; a missing ID
// or timestamp is filled in.
func (w *Webhook) Raise(ctx context.Context, a Alarm) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(a)
	if err != nil {
		w.logger.Error("alarm: marshal", zap.Error(err))
		return
	}
	signature := Sign(body, w.secret)

	// Delivery outlives the caller's request.
	ctx = context.WithoutCancel(ctx)
	for _, url := range w.urls {
		w.wg.Add(1)
		go func(url string) {
			defer w.wg.Done()
			w.deliver(ctx, url, body, signature)
		}(url)
	}
}

// Wait blocks until every pending delivery has finished.
func (w *Webhook) Wait() { w.wg.Wait() }

func (w *Webhook) deliver(ctx context.Context, url string, body []byte, signature string) {
	for attempt := 0; attempt <= len(w.delays); attempt++ {
		if attempt > 0 {
			time.Sleep(w.delays[attempt-1])
		}
		err := w.post(ctx, url, body, signature)
		metrics.RecordAlarmDelivery(err == nil)
		if err == nil {
			return
		}
		w.logger.Warn("alarm: delivery failed",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	w.logger.Error("alarm: giving up", zap.String("url", url))
}

func (w *Webhook) post(ctx context.Context, url string, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
