package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Prismer-AI/chatsync"
)

// WebhookSender POSTs every notification, signed, to one URL. Delivery runs
// on a background worker with a bounded queue and a few retries.
type WebhookSender struct {
	url     string
	secret  string
	client  *http.Client
	log     zerolog.Logger
	metrics *serverMetrics

	queue chan chatsync.Notification
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func newWebhookSender(url, secret string, log zerolog.Logger, metrics *serverMetrics) *WebhookSender {
	w := &WebhookSender{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
		metrics: metrics,
		queue:   make(chan chatsync.Notification, 256),
		stop:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Enqueue schedules n for delivery. It never blocks.
func (w *WebhookSender) Enqueue(n chatsync.Notification) {
	select {
	case w.queue <- n:
	default:
		w.metrics.webhookFailures.Inc()
		w.log.Warn().Str("scope", n.Scope.String()).Msg("webhook_queue_full")
	}
}

// Close stops the worker after the queued notifications are sent.
func (w *WebhookSender) Close() {
	w.once.Do(func() { close(w.stop) })
	w.wg.Wait()
}

func (w *WebhookSender) run() {
	defer w.wg.Done()
	for {
		select {
		case n := <-w.queue:
			w.deliver(n)
		case <-w.stop:
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

func (w *WebhookSender) deliver(n chatsync.Notification) {
	body, err := json.Marshal(chatsync.WebhookPayload{
		Source:       chatsync.WebhookSource,
		Event:        n.Type,
		Timestamp:    time.Now().Unix(),
		Notification: n,
	})
	if err != nil {
		w.log.Error().Err(err).Msg("webhook_marshal_failed")
		return
	}
	sig := chatsync.SignWebhookBody(body, w.secret)

	delay := 200 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err = w.post(body, sig)
		if err == nil {
			w.metrics.webhooks.Inc()
			return
		}
		w.log.Warn().Err(err).Int("attempt", attempt).Msg("webhook_delivery_failed")
		if attempt == 3 {
			break
		}
		// Retries skip the wait once the sender is closing.
		select {
		case <-time.After(delay):
		case <-w.stop:
		}
		delay *= 2
	}
	w.metrics.webhookFailures.Inc()
}

func (w *WebhookSender) post(body []byte, sig string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(chatsync.SignatureHeader, sig)
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook HTTP %d", resp.StatusCode)
	}
	return nil
}
