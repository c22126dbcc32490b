package report

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	adsync "github.com/xtxerr/adsync/internal/sync"
)

func TestReport_Stats(t *testing.T) {
	r, err := New(Config{SyncType: "ad_user", RunID: "run-1"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 1; i <= 100; i++ {
		r.Observe("get", "CN=x", time.Duration(i)*time.Millisecond, nil)
	}
	r.Observe("modify", "CN=x", 5*time.Millisecond, errors.New("denied"))

	stats := r.Stats()
	if len(stats) != 2 || stats[0].Op != "get" || stats[1].Op != "modify" {
		t.Fatalf("Stats() = %+v, want get and modify", stats)
	}
	get := stats[0]
	if get.Count != 100 {
		t.Errorf("get Count = %d, want 100", get.Count)
	}
	if get.P50 < 45*time.Millisecond || get.P50 > 55*time.Millisecond {
		t.Errorf("get P50 = %v, want about 50ms", get.P50)
	}
	if get.Max != 100*time.Millisecond {
		t.Errorf("get Max = %v, want 100ms", get.Max)
	}
	if stats[1].Errors != 1 {
		t.Errorf("modify Errors = %d, want 1", stats[1].Errors)
	}
}

func TestReport_AuditRecordsMutationsOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit", "run.parquet")
	r, err := New(Config{SyncType: "ad_user", RunID: "run-1", AuditPath: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	r.Observe("enumerate", "OU=Users", time.Millisecond, nil)
	r.Observe("get", "bob", time.Millisecond, nil)
	r.Observe("create", "CN=bob,OU=Users", 2*time.Millisecond, nil)
	r.Observe("modify", "CN=carol,OU=Users", 3*time.Millisecond, errors.New("permission denied"))

	if err := r.Finish(nil); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	rows, err := ReadAudit(path)
	if err != nil {
		t.Fatalf("ReadAudit() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].Operation != "create" || rows[0].DN != "CN=bob,OU=Users" || rows[0].RunID != "run-1" {
		t.Errorf("rows[0] = %+v", rows[0])
	}
	if rows[1].Error != "permission denied" {
		t.Errorf("rows[1].Error = %q, want permission denied", rows[1].Error)
	}
}

func TestWriteTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adsync_ad_user.prom")
	res := &adsync.Result{
		SyncType:  "ad_user",
		StartedAt: time.Unix(1700000000, 0),
		Duration:  90 * time.Second,
		Entities:  12,
		Objects:   10,
		Counts:    map[adsync.Action]int{adsync.ActionCreate: 2, adsync.ActionUpdate: 3},
		Failures:  []adsync.Failure{{Object: "bob", Operation: "update", Err: "denied"}},
	}
	stats := []OpStats{{Op: "modify", Count: 4, Errors: 1, P50: 10 * time.Millisecond}}

	if err := WriteTextfile(path, res, stats); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	out := string(data)
	for _, want := range []string{
		`adsync_actions{action="create",sync_type="ad_user"} 2`,
		`adsync_failed_objects{sync_type="ad_user"} 1`,
		`adsync_run_duration_seconds{sync_type="ad_user"} 90`,
		`adsync_directory_operations{op="modify",result="error",sync_type="ad_user"} 1`,
		`adsync_last_run_timestamp_seconds{sync_type="ad_user"} 1.70000009e+09`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("textfile missing %q:\n%s", want, out)
		}
	}
}

func TestPruneAudit(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	old := AuditFileName(now.Add(-10*24*time.Hour), "run-old")
	recent := AuditFileName(now.Add(-time.Hour), "run-new")
	for _, name := range []string{old, recent, "notes.parquet", "README"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	res := PruneAudit(dir, 7*24*time.Hour, now)
	if len(res.Errors) != 0 {
		t.Fatalf("PruneAudit() errors = %v", res.Errors)
	}
	if res.FilesDeleted != 1 || res.BytesFreed != 1 {
		t.Errorf("PruneAudit() = %+v, want one file of one byte deleted", res)
	}
	if res.FilesSkipped != 2 {
		t.Errorf("FilesSkipped = %d, want 2", res.FilesSkipped)
	}
	if _, err := os.Stat(filepath.Join(dir, old)); !os.IsNotExist(err) {
		t.Errorf("%s still present", old)
	}
	if _, err := os.Stat(filepath.Join(dir, recent)); err != nil {
		t.Errorf("%s removed: %v", recent, err)
	}
}

func TestPruneAudit_MissingDirOrNoRetention(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")
	if res := PruneAudit(missing, time.Hour, time.Now()); len(res.Errors) != 0 {
		t.Errorf("PruneAudit(missing) errors = %v", res.Errors)
	}

	dir := t.TempDir()
	name := AuditFileName(time.Now().Add(-48*time.Hour), "run-1")
	if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if res := PruneAudit(dir, 0, time.Now()); res.FilesDeleted != 0 {
		t.Errorf("PruneAudit(retention 0) deleted %d files", res.FilesDeleted)
	}
}
