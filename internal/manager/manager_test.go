package manager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/adsync/internal/attr"
	"github.com/xtxerr/adsync/internal/directory"
	"github.com/xtxerr/adsync/internal/directory/memdir"
	"github.com/xtxerr/adsync/internal/entity"
	"github.com/xtxerr/adsync/internal/errors"
	"github.com/xtxerr/adsync/internal/loader"
	"github.com/xtxerr/adsync/internal/report"
	"github.com/xtxerr/adsync/internal/runlock"
	"github.com/xtxerr/adsync/internal/store"
	adsync "github.com/xtxerr/adsync/internal/sync"
	testutil "github.com/xtxerr/adsync/internal/testing"
)

const (
	usersOU    = "OU=Users,DC=example,DC=org"
	userSpread = "AD_account"
)

type fixture struct {
	cfg *loader.Config
	src *testutil.Source
	log *testutil.ChangeLog
	dir *memdir.Dir
	mgr *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()

	cfg := loader.DefaultConfig()
	cfg.Directory.URL = "ldap://unused"
	cfg.Lock.Dir = filepath.Join(base, "lock")
	cfg.Report.AuditDir = filepath.Join(base, "audit")
	cfg.Report.TextfileDir = base
	f := false
	cfg.Notify.Log = &f
	cfg.SyncTypes = map[string]*loader.SyncTypeConfig{
		"ad_user": {
			Kind:         loader.KindUser,
			TargetSpread: userSpread,
			SearchOU:     usersOU,
			Attributes: []attr.Spec{
				{Name: "displayName", Source: attr.KindName, Variants: []string{"FULL"}},
			},
		},
	}
	if err := loader.Validate(cfg); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	fx := &fixture{
		cfg: cfg,
		src: testutil.NewSource(),
		log: testutil.NewChangeLog(),
		dir: memdir.New(usersOU),
	}
	fx.mgr = New(cfg, Deps{
		Source:    fx.src,
		ChangeLog: fx.log,
		Dial: func(ctx context.Context) (directory.Directory, error) {
			return fx.dir, nil
		},
	})
	return fx
}

func TestManager_FullSync(t *testing.T) {
	fx := newFixture(t)
	fx.src.Owned(1, entity.TypeAccount, "bob", 100, entity.TypePerson, userSpread).
		Name(100, "SAP", "FULL", "Bob Builder")

	res, err := fx.mgr.FullSync(context.Background(), "ad_user", Options{})
	if err != nil {
		t.Fatalf("FullSync() error = %v", err)
	}
	if res.Count(adsync.ActionCreate) != 1 {
		t.Errorf("Count(create) = %d, want 1", res.Count(adsync.ActionCreate))
	}
	if _, ok := fx.dir.Find("SamAccountName", "bob"); !ok {
		t.Fatalf("bob not created; mutations = %v", fx.dir.Mutations())
	}
	if !fx.dir.Closed() {
		t.Error("directory not closed after run")
	}

	data, err := os.ReadFile(filepath.Join(fx.cfg.Report.TextfileDir, "adsync_ad_user.prom"))
	if err != nil {
		t.Fatalf("textfile: %v", err)
	}
	if !strings.Contains(string(data), `adsync_actions{action="create",sync_type="ad_user"} 1`) {
		t.Errorf("textfile missing create count:\n%s", data)
	}

	audits, _ := filepath.Glob(filepath.Join(fx.cfg.Report.AuditDir, "ad_user", "*.parquet"))
	if len(audits) != 1 {
		t.Fatalf("audit files = %v, want one", audits)
	}
	rows, err := report.ReadAudit(audits[0])
	if err != nil {
		t.Fatalf("ReadAudit() error = %v", err)
	}
	if len(rows) == 0 || rows[0].Operation != "create" || rows[0].RunID != res.RunID {
		t.Errorf("audit rows = %+v, want create of run %s first", rows, res.RunID)
	}
}

func TestManager_DryRunLeavesDirectoryUntouched(t *testing.T) {
	fx := newFixture(t)
	fx.src.Entity(1, entity.TypeAccount, "bob", userSpread)

	res, err := fx.mgr.FullSync(context.Background(), "ad_user", Options{DryRun: true})
	if err != nil {
		t.Fatalf("FullSync() error = %v", err)
	}
	if res.Count(adsync.ActionCreate) != 1 {
		t.Errorf("Count(create) = %d, want 1", res.Count(adsync.ActionCreate))
	}
	if m := fx.dir.Mutations(); len(m) != 0 {
		t.Errorf("mutations = %v, want none", m)
	}
}

func TestManager_Locked(t *testing.T) {
	fx := newFixture(t)

	held, err := runlock.Acquire(fx.cfg.Lock.Dir, "ad_user")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer held.Release()

	if _, err := fx.mgr.FullSync(context.Background(), "ad_user", Options{}); !errors.Is(err, errors.ErrLocked) {
		t.Errorf("FullSync() error = %v, want ErrLocked", err)
	}
}

func TestManager_UnknownSyncType(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.mgr.FullSync(context.Background(), "ad_printer", Options{}); !errors.IsNotFound(err) {
		t.Errorf("FullSync() error = %v, want not found", err)
	}
}

func TestManager_Quicksync(t *testing.T) {
	fx := newFixture(t)
	fx.src.Entity(1, entity.TypeAccount, "bob", userSpread)
	id := fx.log.Append(store.ChangeEvent{Type: store.EventSpreadAdd, SubjectID: 1})

	res, err := fx.mgr.Quicksync(context.Background(), "ad_user", Options{})
	if err != nil {
		t.Fatalf("Quicksync() error = %v", err)
	}
	if res.Handled != 1 {
		t.Errorf("Handled = %d, want 1", res.Handled)
	}
	if _, ok := fx.dir.Find("SamAccountName", "bob"); !ok {
		t.Errorf("bob not created; mutations = %v", fx.dir.Mutations())
	}
	if got := fx.log.Confirmed("ad_user"); len(got) != 1 || got[0] != id {
		t.Errorf("Confirmed() = %v, want [%d]", got, id)
	}

	// an explicit replay handles the confirmed event again
	fx.dir.ResetMutations()
	res, err = fx.mgr.Replay(context.Background(), "ad_user", []int64{id}, Options{})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if res.Handled != 1 {
		t.Errorf("Replay Handled = %d, want 1", res.Handled)
	}
	if m := fx.dir.Mutations(); len(m) != 0 {
		t.Errorf("replay mutations = %v, want none for an up to date object", m)
	}
}

func TestManager_ReplayRequiresIDs(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.mgr.Replay(context.Background(), "ad_user", nil, Options{}); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("Replay() error = %v, want missing field", err)
	}
}

func TestManager_PrunesOldAuditFiles(t *testing.T) {
	fx := newFixture(t)
	fx.cfg.Report.AuditRetention = loader.Duration(24 * time.Hour)

	dir := filepath.Join(fx.cfg.Report.AuditDir, "ad_user")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	old := filepath.Join(dir, report.AuditFileName(time.Now().Add(-72*time.Hour), "run-old"))
	if err := os.WriteFile(old, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := fx.mgr.FullSync(context.Background(), "ad_user", Options{}); err != nil {
		t.Fatalf("FullSync() error = %v", err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Errorf("old audit file still present (stat error = %v)", err)
	}
	if files, _ := filepath.Glob(filepath.Join(dir, "*.parquet")); len(files) != 1 {
		t.Errorf("audit files = %v, want only this run's", files)
	}
}

func TestOpen_ChecksSourceStore(t *testing.T) {
	cfg := newFixture(t).cfg
	cfg.Source.DSN = filepath.Join(t.TempDir(), "source.duckdb")

	mgr, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
