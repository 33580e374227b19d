package notification

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/backapp/backapp/internal/logging"
	"github.com/backapp/backapp/internal/models"
	"github.com/backapp/backapp/internal/store"
)

// UsageSource reports storage usage for every location
type UsageSource interface {
	AllUsage(ctx context.Context) ([]models.StorageUsage, error)
}

// Notifier delivers a payload to a set of subscriptions
type Notifier interface {
	Notify(subscriptionIDs []int64, payload Payload)
}

// Evaluator turns run transitions and storage observations into push
// notifications according to each subscription's preferences
type Evaluator struct {
	store    *store.Store
	notifier Notifier
	usage    UsageSource
}

// NewEvaluator creates an evaluator. usage may be nil when no storage
// sweep runs.
func NewEvaluator(st *store.Store, notifier Notifier, usage UsageSource) *Evaluator {
	return &Evaluator{store: st, notifier: notifier, usage: usage}
}

// RunStarted notifies subscriptions that asked for start events
func (e *Evaluator) RunStarted(run models.BackupRun, profile models.BackupProfile) {
	prefs, err := e.store.MatchingPreferences(profile.ID, profile.ServerID)
	if err != nil {
		log.Printf("[Notifications] Run %d: failed to load preferences: %v", run.ID, err)
		return
	}
	subs := selectSubscriptions(prefs, func(p models.NotificationPreference) bool { return p.NotifyOnStart })
	e.send(subs, Payload{
		Title: "Backup Started",
		Body:  fmt.Sprintf("Backup '%s' has started", profile.Name),
		Tag:   fmt.Sprintf("backup-started-%d", profile.ID),
		Data:  profileData(TypeBackupStarted, profile.ID),
	})
}

// RunFinished notifies success or failure and advances the profile's
// failure streak. The streak alert fires once, when the streak first
// reaches a preference's threshold.
func (e *Evaluator) RunFinished(run models.BackupRun, profile models.BackupProfile) {
	failed := run.Status == models.RunFailed
	streak, err := e.store.RecordRunOutcome(profile.ID, failed)
	if err != nil {
		log.Printf("[Notifications] Run %d: %v", run.ID, err)
	}

	prefs, err := e.store.MatchingPreferences(profile.ID, profile.ServerID)
	if err != nil {
		log.Printf("[Notifications] Run %d: failed to load preferences: %v", run.ID, err)
		return
	}

	if !failed {
		var elapsed time.Duration
		if run.EndTime != nil {
			elapsed = run.EndTime.Sub(run.StartTime).Round(time.Second)
		}
		subs := selectSubscriptions(prefs, func(p models.NotificationPreference) bool { return p.NotifyOnSuccess })
		e.send(subs, Payload{
			Title: "Backup Completed",
			Body:  fmt.Sprintf("Backup '%s' completed successfully in %s", profile.Name, elapsed),
			Tag:   fmt.Sprintf("backup-success-%d", profile.ID),
			Data:  profileData(TypeBackupSuccess, profile.ID),
		})
		return
	}

	subs := selectSubscriptions(prefs, func(p models.NotificationPreference) bool { return p.NotifyOnFailure })
	e.send(subs, Payload{
		Title: "Backup Failed",
		Body:  fmt.Sprintf("Backup '%s' failed: %s", profile.Name, run.ErrorMessage),
		Tag:   fmt.Sprintf("backup-failed-%d", profile.ID),
		Data:  profileData(TypeBackupFailed, profile.ID),
	})

	if streak == 0 {
		return
	}
	subs = selectSubscriptions(prefs, func(p models.NotificationPreference) bool {
		return p.NotifyOnConsecutiveFailures && p.ConsecutiveFailureThreshold > 0 && streak == p.ConsecutiveFailureThreshold
	})
	if len(subs) > 0 {
		logging.L().Warn("consecutive_failure_alert", "profile_id", profile.ID, "failures", streak)
	}
	e.send(subs, Payload{
		Title: "Multiple Backup Failures",
		Body:  fmt.Sprintf("Backup '%s' has failed %d times in a row", profile.Name, streak),
		Tag:   fmt.Sprintf("backup-consecutive-failures-%d", profile.ID),
		Data:  profileData(TypeConsecutiveFailures, profile.ID),
	})
}

// CheckStorage compares each location's free space against every low
// storage preference. A preference is alerted when a location drops below
// its threshold and re-armed once the location is back at or above it.
// Locations that cannot report capacity are skipped.
func (e *Evaluator) CheckStorage(ctx context.Context) error {
	if e.usage == nil {
		return nil
	}
	prefs, err := e.store.LowStoragePreferences()
	if err != nil {
		return fmt.Errorf("failed to load low storage preferences: %w", err)
	}
	if len(prefs) == 0 {
		return nil
	}
	usages, err := e.usage.AllUsage(ctx)
	if err != nil {
		return err
	}

	for _, u := range usages {
		if !u.CapacityKnown || !u.Enabled {
			continue
		}
		for _, p := range prefs {
			below := u.FreePercent < float64(p.LowStorageThreshold)
			wasBelow, err := e.store.LowStorageState(p.ID, u.StorageLocationID)
			if err != nil {
				log.Printf("[Notifications] Low storage state for preference %d: %v", p.ID, err)
				continue
			}
			if err := e.store.SetLowStorageState(p.ID, u.StorageLocationID, below, u.FreePercent); err != nil {
				log.Printf("[Notifications] Failed to record low storage state: %v", err)
				continue
			}
			if !below || wasBelow {
				continue
			}
			logging.L().Warn("low_storage_alert", "storage_location_id", u.StorageLocationID, "free_percent", u.FreePercent, "threshold", p.LowStorageThreshold)
			e.send([]int64{p.SubscriptionID}, Payload{
				Title: "Low Storage Warning",
				Body:  fmt.Sprintf("Storage location '%s' has only %.1f%% free space remaining", u.Name, u.FreePercent),
				Tag:   fmt.Sprintf("low-storage-%d", u.StorageLocationID),
				Data:  map[string]string{"type": TypeLowStorage, "storage_location_id": idString(u.StorageLocationID)},
			})
		}
	}
	return nil
}

// StartSweep runs CheckStorage every interval until ctx is canceled
func (e *Evaluator) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 || e.usage == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.CheckStorage(ctx); err != nil {
					log.Printf("[Notifications] Storage sweep failed: %v", err)
				}
			}
		}
	}()
}

func (e *Evaluator) send(subscriptionIDs []int64, payload Payload) {
	if len(subscriptionIDs) == 0 {
		return
	}
	e.notifier.Notify(subscriptionIDs, payload)
}

// selectSubscriptions returns each subscription at most once, even when
// several of its preferences match
func selectSubscriptions(prefs []models.NotificationPreference, match func(models.NotificationPreference) bool) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, p := range prefs {
		if seen[p.SubscriptionID] || !match(p) {
			continue
		}
		seen[p.SubscriptionID] = true
		ids = append(ids, p.SubscriptionID)
	}
	return ids
}

func profileData(kind string, profileID int64) map[string]string {
	return map[string]string{"type": kind, "profile_id": idString(profileID)}
}
