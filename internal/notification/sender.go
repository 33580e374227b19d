package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/backapp/backapp/internal/models"
)

// ErrSubscriptionGone is returned when the push service reports that a
// subscription no longer exists
var ErrSubscriptionGone = errors.New("push subscription is gone")

// Payload is the JSON body delivered to the service worker
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Tag   string            `json:"tag,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// Sender delivers a payload to one subscription
type Sender interface {
	Send(ctx context.Context, sub models.PushSubscription, payload Payload) error
}

// WebPushSender delivers notifications through the browser push services
// using VAPID authentication
type WebPushSender struct {
	keys       models.VAPIDKeys
	subscriber string
	ttl        int
	client     *http.Client
}

// NewWebPushSender creates a sender signing with keys
func NewWebPushSender(keys models.VAPIDKeys, subscriber string, ttl int) *WebPushSender {
	if ttl <= 0 {
		ttl = 3600
	}
	return &WebPushSender{
		keys:       keys,
		subscriber: subscriber,
		ttl:        ttl,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *WebPushSender) Send(ctx context.Context, sub models.PushSubscription, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.subscriber,
		VAPIDPublicKey:  w.keys.PublicKey,
		VAPIDPrivateKey: w.keys.PrivateKey,
		TTL:             w.ttl,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return ErrSubscriptionGone
	case resp.StatusCode >= 400:
		return fmt.Errorf("push service returned status %d", resp.StatusCode)
	}
	return nil
}

// MockSender records payloads instead of sending them
type MockSender struct {
	mu   sync.Mutex
	sent []Sent
	// Gone lists endpoints that answer with ErrSubscriptionGone
	Gone map[string]bool
}

// Sent is one recorded delivery
type Sent struct {
	Endpoint string
	Payload  Payload
}

func (m *MockSender) Send(ctx context.Context, sub models.PushSubscription, payload Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Gone[sub.Endpoint] {
		return ErrSubscriptionGone
	}
	m.sent = append(m.sent, Sent{Endpoint: sub.Endpoint, Payload: payload})
	return nil
}

// Sent returns the deliveries so far
func (m *MockSender) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// CountType returns how many deliveries carried the given data type
func (m *MockSender) CountType(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sent {
		if s.Payload.Data["type"] == kind {
			n++
		}
	}
	return n
}
