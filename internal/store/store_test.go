package store

import (
	"encoding/base64"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/backapp/backapp/internal/crypto"
	"github.com/backapp/backapp/internal/database"
	"github.com/backapp/backapp/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	key := make([]byte, 32)
	enc, err := crypto.NewEncryptionManagerFromKey(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("failed to create encryption manager: %v", err)
	}
	return New(db, enc)
}

func boolPtr(b bool) *bool { return &b }

func seedProfile(t *testing.T, s *Store) (*models.Server, *models.StorageLocation, *models.BackupProfile) {
	t.Helper()
	srv, err := s.CreateServer(models.ServerRequest{Name: "web", Host: "10.0.0.1", Username: "root", Password: "pw"})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	loc, err := s.CreateStorageLocation(models.StorageLocationRequest{Name: "disk", Type: "local", BasePath: t.TempDir()})
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}
	p, err := s.CreateProfile(models.BackupProfileRequest{
		Name: "nightly", ServerID: srv.ID, StorageLocationID: loc.ID, NamingRuleID: 1, ScheduleCron: "0 3 * * *",
	})
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}
	return srv, loc, p
}

func TestServerSecretsEncryptedAtRest(t *testing.T) {
	s := newTestStore(t)
	srv, err := s.CreateServer(models.ServerRequest{Name: "db", Host: "db.local", Username: "backup", Password: "s3cret"})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	if srv.Port != 22 || srv.ConnectionType != models.ConnectionSSH || srv.Password != "s3cret" {
		t.Fatalf("unexpected server %+v", srv)
	}

	var raw string
	if err := s.DB().QueryRow(`SELECT password_enc FROM servers WHERE id = ?`, srv.ID).Scan(&raw); err != nil {
		t.Fatalf("query: %v", err)
	}
	if strings.Contains(raw, "s3cret") || raw == "" {
		t.Fatalf("password stored in clear: %q", raw)
	}

	updated, err := s.UpdateServer(srv.ID, models.ServerRequest{Name: "db2", Host: "db.local", Username: "backup"})
	if err != nil {
		t.Fatalf("update server: %v", err)
	}
	if updated.Password != "s3cret" {
		t.Fatalf("empty password on update should keep the stored one")
	}
}

func TestZipPasswordIsCleared(t *testing.T) {
	s := newTestStore(t)
	_, _, p := seedProfile(t, s)

	rule, err := s.CreateFileRule(p.ID, models.FileRuleRequest{
		RemotePath: "/srv/data", Compress: true, CompressFormat: "zip", CompressPassword: "secret",
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if rule.CompressPassword != "" || rule.HasPassword {
		t.Fatalf("zip rule kept a password")
	}

	var raw string
	if err := s.DB().QueryRow(`SELECT compress_password_enc FROM file_rules WHERE id = ?`, rule.ID).Scan(&raw); err != nil {
		t.Fatalf("query: %v", err)
	}
	if raw != "" {
		t.Fatalf("expected empty stored password, got %q", raw)
	}

	sevenZip, err := s.UpdateFileRule(rule.ID, models.FileRuleRequest{
		RemotePath: "/srv/data", Compress: true, CompressFormat: "7z", CompressPassword: "secret",
	})
	if err != nil {
		t.Fatalf("update rule: %v", err)
	}
	if sevenZip.CompressPassword != "secret" {
		t.Fatalf("7z rule should keep its password")
	}

	back, err := s.UpdateFileRule(rule.ID, models.FileRuleRequest{
		RemotePath: "/srv/data", Compress: true, CompressFormat: "zip",
	})
	if err != nil {
		t.Fatalf("update rule: %v", err)
	}
	if back.CompressPassword != "" {
		t.Fatalf("switching to zip should clear the password")
	}
}

func TestDisablingStorageDisablesProfiles(t *testing.T) {
	s := newTestStore(t)
	_, loc, p := seedProfile(t, s)

	affected, err := s.SetStorageEnabled(loc.ID, false)
	if err != nil {
		t.Fatalf("disable storage: %v", err)
	}
	if len(affected) != 1 || affected[0] != p.ID {
		t.Fatalf("expected profile %d affected, got %v", p.ID, affected)
	}

	got, err := s.GetProfile(p.ID)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if got.Enabled {
		t.Fatalf("profile should be disabled")
	}

	schedulable, err := s.ListSchedulableProfiles()
	if err != nil {
		t.Fatalf("list schedulable: %v", err)
	}
	if len(schedulable) != 0 {
		t.Fatalf("expected no schedulable profiles, got %d", len(schedulable))
	}

	_, err = s.UpdateProfile(p.ID, models.BackupProfileRequest{
		Name: "nightly", ServerID: got.ServerID, StorageLocationID: loc.ID, NamingRuleID: 1, Enabled: boolPtr(true),
	})
	if !errors.Is(err, ErrLocationDisabled) {
		t.Fatalf("expected ErrLocationDisabled, got %v", err)
	}
}

func TestCreateRunRejectsSecondActiveRun(t *testing.T) {
	s := newTestStore(t)
	_, _, p := seedProfile(t, s)

	run, err := s.CreateRun(p.ID, p.StorageLocationID, models.TriggerManual)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := s.CreateRun(p.ID, p.StorageLocationID, models.TriggerSchedule); !errors.Is(err, ErrActiveRun) {
		t.Fatalf("expected ErrActiveRun, got %v", err)
	}

	run.Status = models.RunSuccess
	if err := s.FinishRun(run); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if _, err := s.CreateRun(p.ID, p.StorageLocationID, models.TriggerSchedule); err != nil {
		t.Fatalf("expected new run after finish, got %v", err)
	}

	// A terminal run cannot be reopened.
	run.Status = models.RunFailed
	if err := s.FinishRun(run); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	again, _ := s.GetRun(run.ID)
	if again.Status != models.RunSuccess {
		t.Fatalf("terminal status changed to %s", again.Status)
	}
}

func TestDeletionImpactIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	srv, loc, p := seedProfile(t, s)

	run, err := s.CreateRun(p.ID, p.StorageLocationID, models.TriggerManual)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	for _, size := range []int64{100, 250} {
		if err := s.AddFile(&models.BackupFile{RunID: run.ID, RemotePath: "/a", LocalPath: "a", SizeBytes: size}); err != nil {
			t.Fatalf("add file: %v", err)
		}
	}

	first, err := s.DeletionImpact(models.ScopeServer, srv.ID)
	if err != nil {
		t.Fatalf("impact: %v", err)
	}
	second, err := s.DeletionImpact(models.ScopeServer, srv.ID)
	if err != nil {
		t.Fatalf("impact: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("impact changed between calls: %+v vs %+v", first, second)
	}
	if first.Profiles != 1 || first.Runs != 1 || first.Files != 2 || first.TotalSizeBytes != 350 {
		t.Fatalf("unexpected impact %+v", first)
	}
	if !first.Blocked {
		t.Fatalf("impact with an active run should be blocked")
	}

	storageImpact, err := s.DeletionImpact(models.ScopeStorage, loc.ID)
	if err != nil {
		t.Fatalf("impact: %v", err)
	}
	if storageImpact.Files != 2 {
		t.Fatalf("unexpected storage impact %+v", storageImpact)
	}

	if _, err := s.DeletionImpact(models.ScopeProfile, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateProfile(t *testing.T) {
	s := newTestStore(t)
	_, _, p := seedProfile(t, s)

	if _, err := s.CreateCommand(p.ID, models.CommandRequest{Command: "systemctl stop app", RunStage: "pre"}); err != nil {
		t.Fatalf("create command: %v", err)
	}
	if _, err := s.CreateFileRule(p.ID, models.FileRuleRequest{RemotePath: "/srv", Compress: true, CompressPassword: "pw"}); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	dup, err := s.DuplicateProfile(p.ID)
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if dup.Name != "nightly (Copy)" || dup.Enabled {
		t.Fatalf("unexpected duplicate %+v", dup)
	}
	if len(dup.Commands) != 1 || len(dup.FileRules) != 1 || dup.FileRules[0].CompressPassword != "pw" {
		t.Fatalf("children not copied: %+v", dup)
	}
}

func TestCommandOrdering(t *testing.T) {
	s := newTestStore(t)
	_, _, p := seedProfile(t, s)

	reqs := []models.CommandRequest{
		{Command: "post-a", RunStage: "post", RunOrder: 1},
		{Command: "pre-b", RunStage: "pre", RunOrder: 2},
		{Command: "pre-a", RunStage: "pre", RunOrder: 1},
		{Command: "pre-a2", RunStage: "pre", RunOrder: 1},
	}
	for _, req := range reqs {
		if _, err := s.CreateCommand(p.ID, req); err != nil {
			t.Fatalf("create command: %v", err)
		}
	}

	cmds, err := s.ListCommands(p.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var order []string
	for _, c := range cmds {
		order = append(order, c.Command)
	}
	want := []string{"pre-a", "pre-a2", "pre-b", "post-a"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
}

func TestLogsAfterCursor(t *testing.T) {
	s := newTestStore(t)
	_, _, p := seedProfile(t, s)
	run, _ := s.CreateRun(p.ID, p.StorageLocationID, models.TriggerManual)

	var ids []int64
	for _, msg := range []string{"one", "two", "three"} {
		l, err := s.AppendLog(run.ID, models.LogInfo, "pre", msg)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, l.ID)
	}

	all, _ := s.ListLogs(run.ID, 0)
	if len(all) != 3 || all[0].Message != "one" || all[2].Message != "three" {
		t.Fatalf("unexpected logs %+v", all)
	}
	tail, _ := s.ListLogs(run.ID, ids[0])
	if len(tail) != 2 || tail[0].Message != "two" {
		t.Fatalf("unexpected tail %+v", tail)
	}
}

func TestFailureStreak(t *testing.T) {
	s := newTestStore(t)
	_, _, p := seedProfile(t, s)

	for want := 1; want <= 3; want++ {
		got, err := s.RecordRunOutcome(p.ID, true)
		if err != nil || got != want {
			t.Fatalf("expected streak %d, got %d (%v)", want, got, err)
		}
	}
	if got, _ := s.RecordRunOutcome(p.ID, false); got != 0 {
		t.Fatalf("success should reset the streak, got %d", got)
	}
	if got, _ := s.RecordRunOutcome(p.ID, true); got != 1 {
		t.Fatalf("expected a fresh streak, got %d", got)
	}
}
