package store

import (
	"database/sql"
	"fmt"

	"github.com/backapp/backapp/internal/models"
)

// GetVAPIDKeys returns the stored key pair, or ErrNotFound
func (s *Store) GetVAPIDKeys() (*models.VAPIDKeys, error) {
	var pub, privEnc string
	err := s.db.QueryRow(`SELECT public_key, private_key_enc FROM vapid_keys ORDER BY id LIMIT 1`).Scan(&pub, &privEnc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("vapid keys: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	priv, err := s.open(privEnc)
	if err != nil {
		return nil, err
	}
	return &models.VAPIDKeys{PublicKey: pub, PrivateKey: priv}, nil
}

// SaveVAPIDKeys persists a key pair
func (s *Store) SaveVAPIDKeys(keys models.VAPIDKeys) error {
	privEnc, err := s.seal(keys.PrivateKey)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO vapid_keys (public_key, private_key_enc, created_at) VALUES (?, ?, ?)`,
		keys.PublicKey, privEnc, now())
	return err
}

const subscriptionColumns = `id, endpoint, p256dh, auth, user_agent, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*models.PushSubscription, error) {
	var sub models.PushSubscription
	if err := row.Scan(&sub.ID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.UserAgent, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpsertSubscription stores a subscription keyed by endpoint
func (s *Store) UpsertSubscription(sub models.PushSubscription) (*models.PushSubscription, error) {
	ts := now()
	_, err := s.db.Exec(`
		INSERT INTO push_subscriptions (endpoint, p256dh, auth, user_agent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET p256dh = excluded.p256dh, auth = excluded.auth,
			user_agent = excluded.user_agent, updated_at = excluded.updated_at
	`, sub.Endpoint, sub.P256dh, sub.Auth, sub.UserAgent, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to save subscription: %w", err)
	}
	return s.GetSubscriptionByEndpoint(sub.Endpoint)
}

// GetSubscriptionByEndpoint looks up a subscription
func (s *Store) GetSubscriptionByEndpoint(endpoint string) (*models.PushSubscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(`SELECT `+subscriptionColumns+` FROM push_subscriptions WHERE endpoint = ?`, endpoint))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("subscription: %w", ErrNotFound)
	}
	return sub, err
}

// GetSubscription returns a subscription by id
func (s *Store) GetSubscription(id int64) (*models.PushSubscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(`SELECT `+subscriptionColumns+` FROM push_subscriptions WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "subscription", id)
	}
	return sub, nil
}

// ListSubscriptions returns every subscription
func (s *Store) ListSubscriptions() ([]models.PushSubscription, error) {
	rows, err := s.db.Query(`SELECT ` + subscriptionColumns + ` FROM push_subscriptions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.PushSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// DeleteSubscription removes a subscription and its preferences
func (s *Store) DeleteSubscription(endpoint string) error {
	res, err := s.db.Exec(`DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription: %w", ErrNotFound)
	}
	return nil
}

const preferenceColumns = `id, subscription_id, backup_profile_id, server_id, notify_on_start, notify_on_success,
	notify_on_failure, notify_on_consecutive_failures, consecutive_failure_threshold, notify_on_low_storage,
	low_storage_threshold, created_at, updated_at`

func scanPreference(row interface{ Scan(...any) error }) (*models.NotificationPreference, error) {
	var (
		p                   models.NotificationPreference
		profileID, serverID sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.SubscriptionID, &profileID, &serverID, &p.NotifyOnStart, &p.NotifyOnSuccess,
		&p.NotifyOnFailure, &p.NotifyOnConsecutiveFailures, &p.ConsecutiveFailureThreshold, &p.NotifyOnLowStorage,
		&p.LowStorageThreshold, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.ProfileID = int64Ptr(profileID)
	p.ServerID = int64Ptr(serverID)
	return &p, nil
}

func collectPreferences(rows *sql.Rows) ([]models.NotificationPreference, error) {
	defer rows.Close()
	var prefs []models.NotificationPreference
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, err
		}
		prefs = append(prefs, *p)
	}
	return prefs, rows.Err()
}

// ListPreferences returns a subscription's preferences
func (s *Store) ListPreferences(subscriptionID int64) ([]models.NotificationPreference, error) {
	rows, err := s.db.Query(`SELECT `+preferenceColumns+` FROM notification_preferences WHERE subscription_id = ? ORDER BY id`, subscriptionID)
	if err != nil {
		return nil, err
	}
	return collectPreferences(rows)
}

// GetPreference returns a preference
func (s *Store) GetPreference(id int64) (*models.NotificationPreference, error) {
	p, err := scanPreference(s.db.QueryRow(`SELECT `+preferenceColumns+` FROM notification_preferences WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "notification preference", id)
	}
	return p, nil
}

// CreatePreference inserts a preference
func (s *Store) CreatePreference(p models.NotificationPreference) (*models.NotificationPreference, error) {
	if p.ProfileID != nil && p.ServerID != nil {
		return nil, fmt.Errorf("a preference is scoped to a profile or a server, not both: %w", ErrInvalidReference)
	}
	ts := now()
	res, err := s.db.Exec(`
		INSERT INTO notification_preferences (subscription_id, backup_profile_id, server_id, notify_on_start,
			notify_on_success, notify_on_failure, notify_on_consecutive_failures, consecutive_failure_threshold,
			notify_on_low_storage, low_storage_threshold, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.SubscriptionID, nullInt64(p.ProfileID), nullInt64(p.ServerID), p.NotifyOnStart, p.NotifyOnSuccess,
		p.NotifyOnFailure, p.NotifyOnConsecutiveFailures, p.ConsecutiveFailureThreshold, p.NotifyOnLowStorage,
		p.LowStorageThreshold, ts, ts)
	if isForeignKeyViolation(err) {
		return nil, fmt.Errorf("notification preference references: %w", ErrInvalidReference)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create preference: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetPreference(id)
}

// UpdatePreference stores a modified preference
func (s *Store) UpdatePreference(p models.NotificationPreference) (*models.NotificationPreference, error) {
	if p.ProfileID != nil && p.ServerID != nil {
		return nil, fmt.Errorf("a preference is scoped to a profile or a server, not both: %w", ErrInvalidReference)
	}
	res, err := s.db.Exec(`
		UPDATE notification_preferences
		SET backup_profile_id = ?, server_id = ?, notify_on_start = ?, notify_on_success = ?, notify_on_failure = ?,
		    notify_on_consecutive_failures = ?, consecutive_failure_threshold = ?, notify_on_low_storage = ?,
		    low_storage_threshold = ?, updated_at = ?
		WHERE id = ?
	`, nullInt64(p.ProfileID), nullInt64(p.ServerID), p.NotifyOnStart, p.NotifyOnSuccess, p.NotifyOnFailure,
		p.NotifyOnConsecutiveFailures, p.ConsecutiveFailureThreshold, p.NotifyOnLowStorage, p.LowStorageThreshold,
		now(), p.ID)
	if isForeignKeyViolation(err) {
		return nil, fmt.Errorf("notification preference references: %w", ErrInvalidReference)
	}
	if err := s.affected(res, err, "notification preference", p.ID); err != nil {
		return nil, err
	}
	return s.GetPreference(p.ID)
}

// DeletePreference removes a preference
func (s *Store) DeletePreference(id int64) error {
	res, err := s.db.Exec(`DELETE FROM notification_preferences WHERE id = ?`, id)
	return s.affected(res, err, "notification preference", id)
}

// MatchingPreferences returns preferences that apply to a run of the given
// profile: global ones, ones scoped to the profile, and ones scoped to its server
func (s *Store) MatchingPreferences(profileID, serverID int64) ([]models.NotificationPreference, error) {
	rows, err := s.db.Query(`
		SELECT `+preferenceColumns+` FROM notification_preferences
		WHERE (backup_profile_id IS NULL AND server_id IS NULL)
		   OR backup_profile_id = ?
		   OR server_id = ?
		ORDER BY id
	`, profileID, serverID)
	if err != nil {
		return nil, err
	}
	return collectPreferences(rows)
}

// LowStoragePreferences returns preferences with low storage alerts on
func (s *Store) LowStoragePreferences() ([]models.NotificationPreference, error) {
	rows, err := s.db.Query(`SELECT ` + preferenceColumns + ` FROM notification_preferences WHERE notify_on_low_storage = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return collectPreferences(rows)
}

// RecordRunOutcome updates a profile's failure streak and returns the new count
func (s *Store) RecordRunOutcome(profileID int64, failed bool) (int, error) {
	var count int
	err := s.inTx(func(tx *sql.Tx) error {
		if !failed {
			_, err := tx.Exec(`
				INSERT INTO profile_failure_streaks (backup_profile_id, consecutive_failures, updated_at)
				VALUES (?, 0, ?)
				ON CONFLICT(backup_profile_id) DO UPDATE SET consecutive_failures = 0, updated_at = excluded.updated_at
			`, profileID, now())
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO profile_failure_streaks (backup_profile_id, consecutive_failures, updated_at)
			VALUES (?, 1, ?)
			ON CONFLICT(backup_profile_id) DO UPDATE SET consecutive_failures = consecutive_failures + 1,
				updated_at = excluded.updated_at
		`, profileID, now()); err != nil {
			return err
		}
		return tx.QueryRow(`SELECT consecutive_failures FROM profile_failure_streaks WHERE backup_profile_id = ?`, profileID).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record run outcome: %w", err)
	}
	return count, nil
}

// LowStorageState returns whether a preference last saw a location below threshold
func (s *Store) LowStorageState(preferenceID, locationID int64) (bool, error) {
	var below bool
	err := s.db.QueryRow(`
		SELECT below_threshold FROM low_storage_alerts WHERE preference_id = ? AND storage_location_id = ?
	`, preferenceID, locationID).Scan(&below)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return below, err
}

// SetLowStorageState records the latest observation for a preference and location
func (s *Store) SetLowStorageState(preferenceID, locationID int64, below bool, freePercent float64) error {
	_, err := s.db.Exec(`
		INSERT INTO low_storage_alerts (preference_id, storage_location_id, below_threshold, last_free_percent, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(preference_id, storage_location_id) DO UPDATE SET below_threshold = excluded.below_threshold,
			last_free_percent = excluded.last_free_percent, updated_at = excluded.updated_at
	`, preferenceID, locationID, below, freePercent, now())
	return err
}
