package models

import "time"

// PushSubscription is a browser push endpoint
type PushSubscription struct {
	ID        int64     `json:"id"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubscribeRequest mirrors the browser PushSubscription JSON
type SubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required,url"`
	Keys     struct {
		P256dh string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys"`
}

// NotificationPreference selects which events reach a subscription.
// A nil ProfileID and ServerID make the preference global.
type NotificationPreference struct {
	ID                          int64     `json:"id"`
	SubscriptionID              int64     `json:"subscription_id"`
	ProfileID                   *int64    `json:"backup_profile_id,omitempty"`
	ServerID                    *int64    `json:"server_id,omitempty"`
	NotifyOnStart               bool      `json:"notify_on_start"`
	NotifyOnSuccess             bool      `json:"notify_on_success"`
	NotifyOnFailure             bool      `json:"notify_on_failure"`
	NotifyOnConsecutiveFailures bool      `json:"notify_on_consecutive_failures"`
	ConsecutiveFailureThreshold int       `json:"consecutive_failure_threshold"`
	NotifyOnLowStorage          bool      `json:"notify_on_low_storage"`
	LowStorageThreshold         int       `json:"low_storage_threshold"`
	CreatedAt                   time.Time `json:"created_at"`
	UpdatedAt                   time.Time `json:"updated_at"`
}

// DefaultPreference returns the settings a new preference starts with
func DefaultPreference() NotificationPreference {
	return NotificationPreference{
		NotifyOnFailure:             true,
		NotifyOnConsecutiveFailures: true,
		ConsecutiveFailureThreshold: 3,
		NotifyOnLowStorage:          true,
		LowStorageThreshold:         10,
	}
}

// PreferenceRequest is the create/update payload for a preference
type PreferenceRequest struct {
	ProfileID                   *int64 `json:"backup_profile_id" binding:"excluded_with=ServerID"`
	ServerID                    *int64 `json:"server_id"`
	NotifyOnStart               *bool  `json:"notify_on_start"`
	NotifyOnSuccess             *bool  `json:"notify_on_success"`
	NotifyOnFailure             *bool  `json:"notify_on_failure"`
	NotifyOnConsecutiveFailures *bool  `json:"notify_on_consecutive_failures"`
	ConsecutiveFailureThreshold *int   `json:"consecutive_failure_threshold" binding:"omitempty,min=1"`
	NotifyOnLowStorage          *bool  `json:"notify_on_low_storage"`
	LowStorageThreshold         *int   `json:"low_storage_threshold" binding:"omitempty,min=1,max=100"`
}

// Apply copies set fields onto a preference
func (r *PreferenceRequest) Apply(p *NotificationPreference) {
	p.ProfileID = r.ProfileID
	p.ServerID = r.ServerID
	if r.NotifyOnStart != nil {
		p.NotifyOnStart = *r.NotifyOnStart
	}
	if r.NotifyOnSuccess != nil {
		p.NotifyOnSuccess = *r.NotifyOnSuccess
	}
	if r.NotifyOnFailure != nil {
		p.NotifyOnFailure = *r.NotifyOnFailure
	}
	if r.NotifyOnConsecutiveFailures != nil {
		p.NotifyOnConsecutiveFailures = *r.NotifyOnConsecutiveFailures
	}
	if r.ConsecutiveFailureThreshold != nil {
		p.ConsecutiveFailureThreshold = *r.ConsecutiveFailureThreshold
	}
	if r.NotifyOnLowStorage != nil {
		p.NotifyOnLowStorage = *r.NotifyOnLowStorage
	}
	if r.LowStorageThreshold != nil {
		p.LowStorageThreshold = *r.LowStorageThreshold
	}
}

// VAPIDKeys is the server's web push key pair
type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
}
