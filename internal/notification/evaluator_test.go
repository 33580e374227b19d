package notification

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/backapp/backapp/internal/config"
	"github.com/backapp/backapp/internal/crypto"
	"github.com/backapp/backapp/internal/database"
	"github.com/backapp/backapp/internal/models"
	"github.com/backapp/backapp/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	enc, err := crypto.NewEncryptionManagerFromKey(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	if err != nil {
		t.Fatalf("failed to create encryption manager: %v", err)
	}
	return store.New(db, enc)
}

type fixture struct {
	store   *store.Store
	service *Service
	sender  *MockSender
	profile *models.BackupProfile
	sub     *models.PushSubscription
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := newTestStore(t)
	srv, err := st.CreateServer(models.ServerRequest{Name: "game-01", Host: "10.0.0.5", Username: "backup"})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	loc, err := st.CreateStorageLocation(models.StorageLocationRequest{Name: "disk", Type: models.StorageLocal, BasePath: t.TempDir()})
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}
	profile, err := st.CreateProfile(models.BackupProfileRequest{Name: "nightly", ServerID: srv.ID, StorageLocationID: loc.ID, NamingRuleID: 1})
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}

	svc := NewService(st, config.NotificationConfig{Enabled: true, Subscriber: "mailto:ops@example.com", TTL: 60})
	if err := svc.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	sender := &MockSender{}
	svc.SetSender(sender)

	var req models.SubscribeRequest
	req.Endpoint = "https://push.example.com/sub/1"
	req.Keys.P256dh = "p256"
	req.Keys.Auth = "auth"
	sub, err := svc.Subscribe(req, "test-agent")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return &fixture{store: st, service: svc, sender: sender, profile: profile, sub: sub}
}

func finishedRun(profileID int64, status string) models.BackupRun {
	start := time.Now().Add(-time.Minute)
	end := time.Now()
	return models.BackupRun{ID: 1, ProfileID: profileID, Status: status, StartTime: start, EndTime: &end, ErrorMessage: "boom"}
}

func TestInitializePersistsVAPIDKeys(t *testing.T) {
	f := newFixture(t)
	first := f.service.PublicKey()
	if first == "" {
		t.Fatalf("public key should be set")
	}
	again := NewService(f.store, config.NotificationConfig{Enabled: true})
	if err := again.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if again.PublicKey() != first {
		t.Fatalf("keys should be loaded, not regenerated")
	}
}

func TestSubscribeCreatesDefaultPreferenceOnce(t *testing.T) {
	f := newFixture(t)
	var req models.SubscribeRequest
	req.Endpoint = f.sub.Endpoint
	req.Keys.P256dh = "rotated"
	req.Keys.Auth = "auth"
	if _, err := f.service.Subscribe(req, "test-agent"); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	prefs, err := f.service.Preferences(f.sub.Endpoint)
	if err != nil {
		t.Fatalf("preferences: %v", err)
	}
	if len(prefs) != 1 {
		t.Fatalf("expected one default preference, got %d", len(prefs))
	}
	p := prefs[0]
	if !p.NotifyOnFailure || p.NotifyOnSuccess || p.ConsecutiveFailureThreshold != 3 || p.LowStorageThreshold != 10 {
		t.Fatalf("unexpected defaults %+v", p)
	}
}

func TestConsecutiveFailureAlertFiresOncePerStreak(t *testing.T) {
	f := newFixture(t)
	ev := NewEvaluator(f.store, f.service, nil)

	for i := 0; i < 5; i++ {
		ev.RunFinished(finishedRun(f.profile.ID, models.RunFailed), *f.profile)
	}
	f.service.Wait()
	if n := f.sender.CountType(TypeConsecutiveFailures); n != 1 {
		t.Fatalf("expected 1 streak alert after 5 failures, got %d", n)
	}
	if n := f.sender.CountType(TypeBackupFailed); n != 5 {
		t.Fatalf("expected 5 failure notifications, got %d", n)
	}

	ev.RunFinished(finishedRun(f.profile.ID, models.RunSuccess), *f.profile)
	for i := 0; i < 3; i++ {
		ev.RunFinished(finishedRun(f.profile.ID, models.RunFailed), *f.profile)
	}
	f.service.Wait()
	if n := f.sender.CountType(TypeConsecutiveFailures); n != 2 {
		t.Fatalf("a new streak should alert again, got %d", n)
	}
	if n := f.sender.CountType(TypeBackupSuccess); n != 0 {
		t.Fatalf("success notifications are off by default, got %d", n)
	}
}

func TestStartAndSuccessFollowPreferences(t *testing.T) {
	f := newFixture(t)
	on := true
	if _, err := f.service.CreatePreference(f.sub.Endpoint, models.PreferenceRequest{
		ProfileID: &f.profile.ID, NotifyOnStart: &on, NotifyOnSuccess: &on,
	}); err != nil {
		t.Fatalf("create preference: %v", err)
	}

	ev := NewEvaluator(f.store, f.service, nil)
	ev.RunStarted(models.BackupRun{ID: 1, ProfileID: f.profile.ID}, *f.profile)
	ev.RunFinished(finishedRun(f.profile.ID, models.RunSuccess), *f.profile)
	f.service.Wait()

	// two matching preferences still deliver once per subscription
	if len(f.sender.Sent()) != 2 {
		t.Fatalf("expected start and success, got %+v", f.sender.Sent())
	}
	success := f.sender.Sent()[1].Payload
	if success.Data["type"] != TypeBackupSuccess || success.Data["profile_id"] != idString(f.profile.ID) || success.Title == "" {
		t.Fatalf("unexpected payload %+v", success)
	}
}

type fakeUsage struct {
	usage []models.StorageUsage
}

func (f *fakeUsage) AllUsage(ctx context.Context) ([]models.StorageUsage, error) {
	return f.usage, nil
}

func TestLowStorageAlertHysteresis(t *testing.T) {
	f := newFixture(t)
	usage := &fakeUsage{}
	ev := NewEvaluator(f.store, f.service, usage)

	for _, free := range []float64{15, 8, 8, 12, 9} {
		usage.usage = []models.StorageUsage{{
			StorageLocationID: f.profile.StorageLocationID,
			Name:              "disk",
			Enabled:           true,
			CapacityKnown:     true,
			FreePercent:       free,
		}}
		if err := ev.CheckStorage(context.Background()); err != nil {
			t.Fatalf("check storage: %v", err)
		}
		f.service.Wait()
	}
	if n := f.sender.CountType(TypeLowStorage); n != 2 {
		t.Fatalf("expected 2 low storage alerts, got %d", n)
	}

	// unknown capacity never alerts
	usage.usage[0].CapacityKnown = false
	usage.usage[0].FreePercent = 0
	if err := ev.CheckStorage(context.Background()); err != nil {
		t.Fatalf("check storage: %v", err)
	}
	f.service.Wait()
	if n := f.sender.CountType(TypeLowStorage); n != 2 {
		t.Fatalf("unknown capacity should be skipped, got %d", n)
	}
}

func TestGoneSubscriptionIsRemoved(t *testing.T) {
	f := newFixture(t)
	f.sender.Gone = map[string]bool{f.sub.Endpoint: true}

	if err := f.service.SendTest(context.Background(), f.sub.Endpoint); err != nil {
		t.Fatalf("send test: %v", err)
	}
	if _, err := f.store.GetSubscriptionByEndpoint(f.sub.Endpoint); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("subscription should be removed, got %v", err)
	}
}

func TestDisabledNotificationsSendNothing(t *testing.T) {
	f := newFixture(t)
	f.service.config.Enabled = false
	ev := NewEvaluator(f.store, f.service, nil)
	ev.RunFinished(finishedRun(f.profile.ID, models.RunFailed), *f.profile)
	f.service.Wait()
	if len(f.sender.Sent()) != 0 {
		t.Fatalf("expected no deliveries")
	}
}
