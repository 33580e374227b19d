package backup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/backapp/backapp/internal/models"
	"github.com/backapp/backapp/internal/store"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a standard five-field expression (m h dom mon dow)
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(strings.TrimSpace(expr))
}

// ValidateCron reports whether expr is a valid five-field expression
func ValidateCron(expr string) error {
	if _, err := ParseCron(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextRunAt returns the first fire time of expr strictly after from
func NextRunAt(expr string, from time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// RunStarter is the part of the orchestrator the scheduler drives
type RunStarter interface {
	StartRun(ctx context.Context, profileID int64, opts StartOptions) (int64, error)
	IsRunning(profileID int64) bool
}

// Scheduler keeps one cron entry per schedulable profile. Missed ticks
// are not replayed: after downtime the next fire time is computed from now.
type Scheduler struct {
	store   *store.Store
	starter RunStarter
	cron    *cron.Cron

	mu      sync.Mutex
	entries map[int64]scheduledEntry
}

type scheduledEntry struct {
	id   cron.EntryID
	spec string
}

// NewScheduler creates a scheduler evaluating expressions in loc
func NewScheduler(st *store.Store, starter RunStarter, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		store:   st,
		starter: starter,
		cron:    cron.New(cron.WithParser(cronParser), cron.WithLocation(loc)),
		entries: make(map[int64]scheduledEntry),
	}
}

// Start loads every schedulable profile and starts the cron loop
func (s *Scheduler) Start() error {
	if err := s.Reload(); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("[Scheduler] Started with %d scheduled profile(s)", s.Len())
	return nil
}

// Stop halts the cron loop. Runs already started keep going.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Printf("[Scheduler] Stopped")
}

// Reload replaces all entries with the current schedulable profiles
func (s *Scheduler) Reload() error {
	profiles, err := s.store.ListSchedulableProfiles()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		s.cron.Remove(e.id)
		delete(s.entries, id)
	}
	for _, p := range profiles {
		if err := s.addLocked(p.ID, p.ScheduleCron); err != nil {
			log.Printf("[Scheduler] Profile %d has an invalid schedule %q: %v", p.ID, p.ScheduleCron, err)
		}
	}
	return nil
}

// Sync re-reads one profile and admits, updates or removes its entry.
// It is called after any change to the profile or its storage location.
func (s *Scheduler) Sync(profileID int64) error {
	profile, err := s.store.GetProfile(profileID)
	if errors.Is(err, store.ErrNotFound) {
		s.Remove(profileID)
		return nil
	}
	if err != nil {
		return err
	}

	schedulable := profile.Enabled && strings.TrimSpace(profile.ScheduleCron) != ""
	if schedulable {
		loc, err := s.store.GetStorageLocation(profile.StorageLocationID)
		if err != nil {
			return err
		}
		schedulable = loc.Enabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.entries[profileID]
	if !schedulable {
		if ok {
			s.cron.Remove(existing.id)
			delete(s.entries, profileID)
			log.Printf("[Scheduler] Profile %d removed from schedule", profileID)
		}
		return nil
	}
	if ok && existing.spec == profile.ScheduleCron {
		return nil
	}
	if ok {
		s.cron.Remove(existing.id)
		delete(s.entries, profileID)
	}
	return s.addLocked(profileID, profile.ScheduleCron)
}

// SyncAll syncs several profiles, e.g. those disabled with a storage location
func (s *Scheduler) SyncAll(profileIDs []int64) {
	for _, id := range profileIDs {
		if err := s.Sync(id); err != nil {
			log.Printf("[Scheduler] Failed to sync profile %d: %v", id, err)
		}
	}
}

// Remove drops a profile's entry
func (s *Scheduler) Remove(profileID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[profileID]; ok {
		s.cron.Remove(e.id)
		delete(s.entries, profileID)
	}
}

func (s *Scheduler) addLocked(profileID int64, spec string) error {
	sched, err := ParseCron(spec)
	if err != nil {
		return err
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(profileID) }))
	s.entries[profileID] = scheduledEntry{id: id, spec: spec}
	return nil
}

// fire runs on cron's goroutine. StartRun only validates and hands the
// run to its own worker, so a slow server never delays other entries.
func (s *Scheduler) fire(profileID int64) {
	if s.starter.IsRunning(profileID) {
		log.Printf("[Scheduler] Skipping tick for profile %d: a run is still in progress", profileID)
		return
	}
	runID, err := s.starter.StartRun(context.Background(), profileID, StartOptions{Trigger: models.TriggerSchedule})
	switch {
	case errors.Is(err, ErrRunAlreadyInProgress):
		log.Printf("[Scheduler] Skipping tick for profile %d: a run is still in progress", profileID)
	case errors.Is(err, ErrProfileDisabled), errors.Is(err, ErrStorageDisabled):
		log.Printf("[Scheduler] Profile %d is no longer schedulable: %v", profileID, err)
		s.Remove(profileID)
	case err != nil:
		log.Printf("[Scheduler] Failed to start run for profile %d: %v", profileID, err)
	default:
		log.Printf("[Scheduler] Started run %d for profile %d", runID, profileID)
	}
}

// NextRun returns the next fire time of a scheduled profile
func (s *Scheduler) NextRun(profileID int64) *time.Time {
	s.mu.Lock()
	e, ok := s.entries[profileID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	next := s.cron.Entry(e.id).Next
	if next.IsZero() {
		// not started yet; compute from now
		sched, err := ParseCron(e.spec)
		if err != nil {
			return nil
		}
		next = sched.Next(time.Now())
	}
	return &next
}

// Len returns the number of scheduled profiles
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
