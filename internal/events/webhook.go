package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// WebhookConfig holds configuration for the webhook notifier
type WebhookConfig struct {
	URL           string
	APIKey        string
	BatchSize     int
	FlushInterval time.Duration
}

// WebhookNotifier batches updates and POSTs them as JSON
type WebhookNotifier struct {
	config WebhookConfig
	client *retryablehttp.Client
	now    func() time.Time

	mutex     sync.Mutex
	batch     []interface{}
	lastFlush time.Time
	flushing  sync.WaitGroup

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWebhookNotifier creates a notifier. Call Start to enable periodic flushing.
func NewWebhookNotifier(config WebhookConfig) (*WebhookNotifier, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("webhook URL not configured")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 10 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &WebhookNotifier{
		config: config,
		client: client,
		now:    time.Now,
		batch:  make([]interface{}, 0, config.BatchSize),
	}, nil
}

// Start runs the periodic flush until Stop is called or ctx ends
func (w *WebhookNotifier) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.config.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.Flush(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	logrus.WithField("url", w.config.URL).Info("Webhook notifier started")
}

// Stop ends periodic flushing and delivers what is still queued
func (w *WebhookNotifier) Stop(ctx context.Context) {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.flushing.Wait()
	w.Flush(ctx)
}

func (w *WebhookNotifier) PublishBalanceUpdate(ctx context.Context, u BalanceUpdate) error {
	w.add(u)
	return nil
}

func (w *WebhookNotifier) PublishPriceUpdate(ctx context.Context, u PriceUpdate) error {
	w.add(u)
	return nil
}

func (w *WebhookNotifier) PublishFillDecision(ctx context.Context, d FillDecision) error {
	w.add(d)
	return nil
}

// Pending returns the number of queued messages
func (w *WebhookNotifier) Pending() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return len(w.batch)
}

func (w *WebhookNotifier) add(e Event) {
	w.mutex.Lock()
	w.batch = append(w.batch, toMessage(e))
	full := len(w.batch) >= w.config.BatchSize
	w.mutex.Unlock()

	// If we've reached batch size, export immediately
	if full {
		w.flushing.Add(1)
		go func() {
			defer w.flushing.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			w.Flush(ctx)
		}()
	}
}

// Flush sends the current batch. A failed batch is logged and discarded.
func (w *WebhookNotifier) Flush(ctx context.Context) {
	w.mutex.Lock()
	if len(w.batch) == 0 {
		w.mutex.Unlock()
		return
	}
	messages := w.batch
	w.batch = make([]interface{}, 0, w.config.BatchSize)
	w.lastFlush = w.now()
	w.mutex.Unlock()

	if err := w.send(ctx, messages); err != nil {
		logrus.WithError(err).WithField("count", len(messages)).Error("Failed to deliver webhook batch")
		return
	}
	logrus.WithField("count", len(messages)).Debug("Delivered webhook batch")
}

func (w *WebhookNotifier) send(ctx context.Context, messages []interface{}) error {
	payload := struct {
		Events     []interface{} `json:"events"`
		ExportTime string        `json:"export_time"`
		Count      int           `json:"count"`
	}{
		Events:     messages,
		ExportTime: w.now().UTC().Format(time.RFC3339),
		Count:      len(messages),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.APIKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// Status returns the current state of the notifier for the admin API
func (w *WebhookNotifier) Status() map[string]interface{} {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	status := map[string]interface{}{
		"batch_size":     w.config.BatchSize,
		"flush_interval": w.config.FlushInterval.String(),
		"current_batch":  len(w.batch),
	}
	if !w.lastFlush.IsZero() {
		status["last_flush"] = w.lastFlush.Format(time.RFC3339)
	}
	return status
}
