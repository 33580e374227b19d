package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/backapp/backapp/internal/config"
	"github.com/backapp/backapp/internal/models"
	"github.com/backapp/backapp/internal/store"
)

// Event types carried in Payload.Data["type"]
const (
	TypeBackupStarted       = "backup_started"
	TypeBackupSuccess       = "backup_success"
	TypeBackupFailed        = "backup_failed"
	TypeConsecutiveFailures = "consecutive_failures"
	TypeLowStorage          = "low_storage"
	TypeTest                = "test"
)

// Service manages push subscriptions and delivers notifications
type Service struct {
	store  *store.Store
	config config.NotificationConfig

	mu     sync.RWMutex
	keys   *models.VAPIDKeys
	sender Sender

	wg sync.WaitGroup
}

// NewService creates a notification service. Initialize must run before
// notifications can be sent.
func NewService(st *store.Store, cfg config.NotificationConfig) *Service {
	return &Service{store: st, config: cfg}
}

// Initialize loads the VAPID key pair, generating and persisting one on
// first start
func (s *Service) Initialize() error {
	keys, err := s.store.GetVAPIDKeys()
	if errors.Is(err, store.ErrNotFound) {
		priv, pub, genErr := webpush.GenerateVAPIDKeys()
		if genErr != nil {
			return fmt.Errorf("failed to generate VAPID keys: %w", genErr)
		}
		keys = &models.VAPIDKeys{PublicKey: pub, PrivateKey: priv}
		if err := s.store.SaveVAPIDKeys(*keys); err != nil {
			return fmt.Errorf("failed to save VAPID keys: %w", err)
		}
		log.Printf("[Notifications] Generated new VAPID keys")
	} else if err != nil {
		return fmt.Errorf("failed to load VAPID keys: %w", err)
	}

	s.mu.Lock()
	s.keys = keys
	if s.sender == nil {
		s.sender = NewWebPushSender(*keys, s.config.Subscriber, s.config.TTL)
	}
	s.mu.Unlock()
	return nil
}

// SetSender replaces the delivery mechanism
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

// PublicKey returns the VAPID public key browsers subscribe with
func (s *Service) PublicKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keys == nil {
		return ""
	}
	return s.keys.PublicKey
}

// Subscribe stores a subscription. A new endpoint gets a default global
// preference.
func (s *Service) Subscribe(req models.SubscribeRequest, userAgent string) (*models.PushSubscription, error) {
	_, lookupErr := s.store.GetSubscriptionByEndpoint(req.Endpoint)
	isNew := errors.Is(lookupErr, store.ErrNotFound)

	sub, err := s.store.UpsertSubscription(models.PushSubscription{
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
		UserAgent: userAgent,
	})
	if err != nil {
		return nil, err
	}
	if isNew {
		pref := models.DefaultPreference()
		pref.SubscriptionID = sub.ID
		if _, err := s.store.CreatePreference(pref); err != nil {
			log.Printf("[Notifications] Failed to create default preference for subscription %d: %v", sub.ID, err)
		}
	}
	return sub, nil
}

// Unsubscribe removes a subscription and its preferences
func (s *Service) Unsubscribe(endpoint string) error {
	return s.store.DeleteSubscription(endpoint)
}

// Preferences returns the preferences of the subscription at endpoint
func (s *Service) Preferences(endpoint string) ([]models.NotificationPreference, error) {
	sub, err := s.store.GetSubscriptionByEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	prefs, err := s.store.ListPreferences(sub.ID)
	if prefs == nil && err == nil {
		prefs = []models.NotificationPreference{}
	}
	return prefs, err
}

// CreatePreference adds a preference to the subscription at endpoint
func (s *Service) CreatePreference(endpoint string, req models.PreferenceRequest) (*models.NotificationPreference, error) {
	sub, err := s.store.GetSubscriptionByEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	pref := models.DefaultPreference()
	req.Apply(&pref)
	pref.SubscriptionID = sub.ID
	return s.store.CreatePreference(pref)
}

// UpdatePreference applies req to a stored preference
func (s *Service) UpdatePreference(id int64, req models.PreferenceRequest) (*models.NotificationPreference, error) {
	pref, err := s.store.GetPreference(id)
	if err != nil {
		return nil, err
	}
	req.Apply(pref)
	return s.store.UpdatePreference(*pref)
}

// DeletePreference removes a preference
func (s *Service) DeletePreference(id int64) error {
	return s.store.DeletePreference(id)
}

// SendTest delivers a test notification to one subscription and waits
// for the result
func (s *Service) SendTest(ctx context.Context, endpoint string) error {
	sub, err := s.store.GetSubscriptionByEndpoint(endpoint)
	if err != nil {
		return err
	}
	return s.deliver(ctx, *sub, Payload{
		Title: "Test Notification",
		Body:  "Push notifications are working",
		Tag:   "test-notification",
		Data:  map[string]string{"type": TypeTest},
	})
}

// Notify delivers payload to each subscription in the background
func (s *Service) Notify(subscriptionIDs []int64, payload Payload) {
	if !s.config.Enabled {
		return
	}
	for _, id := range subscriptionIDs {
		sub, err := s.store.GetSubscription(id)
		if err != nil {
			log.Printf("[Notifications] Subscription %d: %v", id, err)
			continue
		}
		s.wg.Add(1)
		go func(sub models.PushSubscription) {
			defer s.wg.Done()
			if err := s.deliver(context.Background(), sub, payload); err != nil {
				log.Printf("[Notifications] Failed to notify %s: %v", sub.Endpoint, err)
			}
		}(*sub)
	}
}

// Wait blocks until background deliveries finish
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) deliver(ctx context.Context, sub models.PushSubscription, payload Payload) error {
	s.mu.RLock()
	sender := s.sender
	s.mu.RUnlock()
	if sender == nil {
		return fmt.Errorf("notifications are not initialized")
	}

	err := sender.Send(ctx, sub, payload)
	if errors.Is(err, ErrSubscriptionGone) {
		log.Printf("[Notifications] Subscription expired, removing: %s", sub.Endpoint)
		if delErr := s.store.DeleteSubscription(sub.Endpoint); delErr != nil && !errors.Is(delErr, store.ErrNotFound) {
			log.Printf("[Notifications] Failed to remove subscription %d: %v", sub.ID, delErr)
		}
		return nil
	}
	return err
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}
