// Package notify delivers payment notifications to a merchant webhook
// without blocking the confirmation path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/settleops/internal/integration"
)

// EventPaymentConfirmed is the only notification sent today.
const EventPaymentConfirmed = "payment.confirmed"

// Notification is the JSON body posted to the merchant webhook.
type Notification struct {
	Event          string          `json:"event"`
	PaymentLinkID  uuid.UUID       `json:"payment_link_id"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	PaymentEventID uuid.UUID       `json:"payment_event_id"`
	CorrelationID  string          `json:"correlation_id"`
	Provider       string          `json:"provider"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// Notifier accepts notifications for asynchronous delivery.
type Notifier interface {
	Notify(n Notification)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(Notification) {}

// Webhook posts notifications from a background worker. Notify never
// blocks; when the buffer is full the notification is dropped and logged.
type Webhook struct {
	endpoint string
	host     string
	client   *http.Client
	handler  *integration.Handler
	log      *zap.Logger

	queue  chan Notification
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewWebhook(endpoint string, client *http.Client, handler *integration.Handler, log *zap.Logger, buffer int) (*Webhook, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid notification url %q", endpoint)
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Webhook{
		endpoint: endpoint,
		host:     u.Host,
		client:   client,
		handler:  handler,
		log:      log,
		queue:    make(chan Notification, buffer),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the delivery worker.
func (w *Webhook) Start() {
	w.wg.Add(1)
	go w.worker()
}

// Stop drains queued notifications and waits for the worker to exit.
func (w *Webhook) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Webhook) Notify(n Notification) {
	select {
	case w.queue <- n:
	default:
		w.log.Warn("notification dropped, queue full",
			zap.String("payment_link_id", n.PaymentLinkID.String()),
			zap.String("correlation_id", n.CorrelationID))
	}
}

func (w *Webhook) worker() {
	defer w.wg.Done()
	for {
		select {
		case n := <-w.queue:
			w.deliver(n)
		case <-w.stopCh:
			for {
				select {
				case n := <-w.queue:
					w.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (w *Webhook) deliver(n Notification) {
	err := w.Send(context.Background(), n)
	if err != nil {
		w.log.Warn("notification delivery failed",
			zap.String("payment_link_id", n.PaymentLinkID.String()),
			zap.String("correlation_id", n.CorrelationID),
			zap.Error(err))
	}
}

// Send posts one notification synchronously.
func (w *Webhook) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	return w.handler.Call(ctx, integration.WebhookDelivery, w.host, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Correlation-ID", n.CorrelationID)

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &integration.StatusError{StatusCode: resp.StatusCode, Body: string(msg)}
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	})
}
