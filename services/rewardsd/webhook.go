package rewardsd

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"surveyrewards/observability"
)

const maxDeliveryAttempts = 5

// Subscription is one webhook endpoint from the subscriptions manifest.
type Subscription struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// SecretEnv names the environment variable holding the signing secret.
	SecretEnv string   `yaml:"secret_env"`
	Events    []string `yaml:"events"`

	secret string
}

type subscriptionsFile struct {
	Subscriptions []Subscription `yaml:"subscriptions"`
}

// LoadSubscriptions reads the YAML subscriptions manifest. A missing path
// yields an empty list.
func LoadSubscriptions(path string) ([]Subscription, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read subscriptions: %w", err)
	}
	var file subscriptionsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse subscriptions: %w", err)
	}
	subs := make([]Subscription, 0, len(file.Subscriptions))
	for _, sub := range file.Subscriptions {
		if strings.TrimSpace(sub.Name) == "" || strings.TrimSpace(sub.URL) == "" {
			return nil, fmt.Errorf("subscription requires name and url")
		}
		if sub.SecretEnv != "" {
			sub.secret = os.Getenv(sub.SecretEnv)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *Subscription) wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, candidate := range s.Events {
		if candidate == eventType {
			return true
		}
	}
	return false
}

// Dispatcher drains the event queue and delivers notifications to
// subscribers with exponential backoff on failure.
type Dispatcher struct {
	queue   *EventQueue
	subs    []Subscription
	client  *http.Client
	logger  *slog.Logger
	metrics *observability.RewardsMetrics
	nowFn   func() time.Time
}

// NewDispatcher constructs a Dispatcher over the supplied queue and
// subscription list.
func NewDispatcher(queue *EventQueue, subs []Subscription, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:   queue,
		subs:    subs,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		metrics: observability.Rewards(),
		nowFn:   time.Now,
	}
}

// Run processes delivery tasks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		task, ok := d.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			d.expand(task)
			continue
		}
		d.deliver(ctx, task)
	}
}

func (d *Dispatcher) expand(task DeliveryTask) {
	for i := range d.subs {
		sub := d.subs[i]
		if !sub.wants(task.Event.Type) {
			continue
		}
		d.queue.Requeue(DeliveryTask{Event: task.Event, Subscription: &sub})
	}
}

func (d *Dispatcher) deliver(ctx context.Context, task DeliveryTask) {
	sub := task.Subscription
	body := map[string]interface{}{
		"type":       task.Event.Type,
		"sequence":   task.Event.Sequence,
		"attributes": task.Event.Attributes,
		"timestamp":  task.Event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		d.logger.Error("encode webhook payload", "destination", sub.Name, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.logger.Error("build webhook request", "destination", sub.Name, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if sub.secret != "" {
		req.Header.Set("X-Webhook-Signature", signPayload(sub.secret, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.retryLater(task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.retryLater(task, resp.Status)
		return
	}
}

func (d *Dispatcher) retryLater(task DeliveryTask, reason string) {
	d.metrics.ObserveWebhookFailure(task.Subscription.Name)
	attempt := task.Attempt + 1
	if attempt >= maxDeliveryAttempts {
		d.logger.Warn("webhook delivery abandoned",
			"destination", task.Subscription.Name,
			"event", task.Event.Type,
			"sequence", task.Event.Sequence,
			"reason", reason)
		return
	}
	task.Attempt = attempt
	task.NotBefore = d.nowFn().Add(backoffDuration(attempt))
	d.queue.Requeue(task)
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
