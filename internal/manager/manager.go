// Package manager runs sync types: it wires the source store, the
// directory connection, the run report and the notifiers around the sync
// engine and keeps concurrent runs of one sync type apart.
//
// Within a process, concurrent requests for the same run share one
// execution. Across processes, the run lock file of the sync type makes a
// second run fail with errors.ErrLocked.
package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/adsync/internal/agent"
	"github.com/xtxerr/adsync/internal/directory"
	"github.com/xtxerr/adsync/internal/directory/ldapdir"
	"github.com/xtxerr/adsync/internal/errors"
	"github.com/xtxerr/adsync/internal/loader"
	"github.com/xtxerr/adsync/internal/logging"
	"github.com/xtxerr/adsync/internal/notify"
	"github.com/xtxerr/adsync/internal/quicksync"
	"github.com/xtxerr/adsync/internal/report"
	"github.com/xtxerr/adsync/internal/runlock"
	"github.com/xtxerr/adsync/internal/secret"
	"github.com/xtxerr/adsync/internal/store"
	adsync "github.com/xtxerr/adsync/internal/sync"
)

var log = logging.Component("manager")

var _ ldapdir.ScriptRunner = (*agent.Client)(nil)

// =============================================================================
// Manager
// =============================================================================

// Dialer opens a directory connection for one run.
type Dialer func(ctx context.Context) (directory.Directory, error)

// Deps are the collaborators of a Manager. Passwords and Notifier are
// optional.
type Deps struct {
	Source    store.Source
	ChangeLog store.ChangeLog
	Passwords secret.Opener
	Notifier  notify.Notifier
	Dial      Dialer

	// close releases resources opened by Open
	close func() error
}

// Options modify one run.
type Options struct {
	// DryRun logs remote writes instead of performing them and rolls back
	// change log confirmations.
	DryRun bool

	// Subset restricts a full sync to these source names.
	Subset []string
}

func (o Options) key() string {
	return strconv.FormatBool(o.DryRun) + "/" + strings.Join(o.Subset, ",")
}

// Manager runs the sync types of one configuration.
//
// Manager is safe for concurrent use.
type Manager struct {
	cfg  *loader.Config
	deps Deps

	group singleflight.Group
}

// Open creates a Manager backed by the configured source store, LDAP
// directory and script agent.
func Open(cfg *loader.Config) (*Manager, error) {
	sc := store.DefaultConfig()
	sc.DSN = cfg.Source.DSN
	if cfg.Source.MaxOpenConns > 0 {
		sc.MaxOpenConns = cfg.Source.MaxOpenConns
	}
	if d := cfg.Source.QueryTimeout.Duration(); d > 0 {
		sc.QueryTimeout = d
	}
	st, err := store.New(sc)
	if err != nil {
		return nil, fmt.Errorf("open source store: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sc.QueryTimeout)
	err = st.Health(ctx)
	cancel()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("source store: %w: %v", errors.ErrDatabase, err)
	}

	deps := Deps{
		Source:    st,
		ChangeLog: st,
		Notifier:  notifierFor(cfg.Notify),
		Dial:      ldapDialer(cfg.Directory),
		close:     st.Close,
	}
	if cfg.Source.Keyring != "" {
		kr, err := secret.LoadKeyring(cfg.Source.Keyring)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("load keyring: %w", err)
		}
		deps.Passwords = kr
	}

	return New(cfg, deps), nil
}

// New creates a Manager with explicit collaborators.
func New(cfg *loader.Config, deps Deps) *Manager {
	return &Manager{cfg: cfg, deps: deps}
}

// Close releases the source store.
func (m *Manager) Close() error {
	if m.deps.close == nil {
		return nil
	}
	return m.deps.close()
}

// ldapDialer dials the configured directory with an agent client for
// script execution.
func ldapDialer(cfg loader.DirectoryConfig) Dialer {
	return func(ctx context.Context) (directory.Directory, error) {
		var runner ldapdir.ScriptRunner
		if cfg.Agent.Addr != "" {
			runner = agent.New(agent.Config{
				Addr:           cfg.Agent.Addr,
				TLS:            cfg.Agent.TLS,
				TLSSkipVerify:  cfg.Agent.TLSSkipVerify,
				ConnectTimeout: cfg.Timeout.Duration(),
				RequestTimeout: cfg.Agent.Timeout.Duration(),
				MaxMessageSize: int(cfg.Agent.MaxMessageSize.Bytes()),
			})
		}
		d, err := ldapdir.Dial(ldapdir.Config{
			URL:                cfg.URL,
			BindDN:             cfg.BindDN,
			Password:           cfg.Password,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Timeout:            cfg.Timeout.Duration(),
			PageSize:           cfg.PageSize,
			Buffer:             cfg.EnumerationBuffer,
		}, runner)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// notifierFor builds the configured notification sinks.
func notifierFor(cfg loader.NotifyConfig) notify.Notifier {
	var sinks notify.Multi
	if cfg.Log == nil || *cfg.Log {
		sinks = append(sinks, notify.LogNotifier{})
	}
	if m := cfg.SMTP; m != nil {
		sinks = append(sinks, notify.NewMailNotifier(notify.MailConfig{
			Addr:     m.Addr,
			From:     m.From,
			To:       m.To,
			Subject:  m.Subject,
			Username: m.Username,
			Password: m.Password,
		}))
	}
	if len(sinks) == 0 {
		return nil
	}
	return sinks
}

// =============================================================================
// Runs
// =============================================================================

// FullSync runs a full sync of sync type name.
func (m *Manager) FullSync(ctx context.Context, name string, opts Options) (*adsync.Result, error) {
	v, err, shared := m.group.Do("full/"+name+"/"+opts.key(), func() (interface{}, error) {
		return m.fullSync(ctx, name, opts)
	})
	if shared {
		log.Debug("joined running full sync", "sync_type", name)
	}
	res, _ := v.(*adsync.Result)
	return res, err
}

// Quicksync replays the unconfirmed change log events of sync type name.
func (m *Manager) Quicksync(ctx context.Context, name string, opts Options) (*quicksync.Result, error) {
	v, err, _ := m.group.Do("quick/"+name+"/"+opts.key(), func() (interface{}, error) {
		return m.quicksync(ctx, name, opts, nil)
	})
	res, _ := v.(*quicksync.Result)
	return res, err
}

// Replay replays the given change log events for sync type name, whether
// or not they were confirmed before.
func (m *Manager) Replay(ctx context.Context, name string, ids []int64, opts Options) (*quicksync.Result, error) {
	if len(ids) == 0 {
		return nil, errors.NewMissingField("change id")
	}
	return m.quicksync(ctx, name, opts, ids)
}

// run is the state shared by every kind of run.
type run struct {
	ctx    context.Context
	st     *loader.SyncType
	sync   *adsync.Sync
	report *report.Report
	lock   *runlock.Lock

	// auditDir is pruned of files older than retention when the run ends
	auditDir  string
	retention time.Duration
}

// begin takes the run lock, builds the sync type and connects the
// directory wrapped in its decorators.
func (m *Manager) begin(ctx context.Context, name string, opts Options) (*run, error) {
	st, err := m.cfg.Build(name, opts.Subset)
	if err != nil {
		return nil, err
	}
	if m.deps.Dial == nil {
		return nil, errors.NewMissingField("directory")
	}

	lock, err := runlock.Acquire(m.cfg.Lock.Dir, name)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logging.ContextWithRunID(ctx, runID)
	ctx = logging.ContextWithSyncType(ctx, name)

	rep, err := report.New(report.Config{
		SyncType:     name,
		RunID:        runID,
		AuditPath:    m.auditPath(name, runID),
		TextfilePath: m.textfilePath(name),
		Accuracy:     m.cfg.Report.Accuracy,
	})
	if err != nil {
		lock.Release()
		return nil, err
	}

	dir, err := m.deps.Dial(ctx)
	if err != nil {
		rep.Finish(nil)
		lock.Release()
		return nil, fmt.Errorf("connect directory: %w", err)
	}
	dir = directory.Instrumented(dir, rep)
	if rate := m.cfg.Directory.RateLimit; rate > 0 {
		dir = directory.Throttled(dir, rate)
	}
	if opts.DryRun {
		dir = directory.DryRun(dir)
	}

	cfg := st.Config
	cfg.DryRun = opts.DryRun
	s, err := adsync.New(cfg, st.Kind, adsync.Deps{
		Source:    m.deps.Source,
		ChangeLog: m.deps.ChangeLog,
		Directory: dir,
		Passwords: m.deps.Passwords,
		Notifier:  m.deps.Notifier,
	})
	if err != nil {
		dir.Close()
		rep.Finish(nil)
		lock.Release()
		return nil, err
	}

	return &run{
		ctx:       ctx,
		st:        st,
		sync:      s,
		report:    rep,
		lock:      lock,
		auditDir:  m.auditDir(name),
		retention: m.cfg.Report.AuditRetention.Duration(),
	}, nil
}

// end closes the directory, writes the report and releases the lock.
func (r *run) end(res *adsync.Result) {
	logger := logging.FromContext(r.ctx, log)
	if err := r.sync.Close(); err != nil {
		logger.Warn("closing directory failed", "error", err)
	}
	if err := r.report.Finish(res); err != nil {
		logger.Warn("run report incomplete", "error", err)
	}
	if summary := r.report.Summary(); summary != "" {
		logger.Info("directory operations", "stats", summary)
	}
	if r.auditDir != "" {
		for _, err := range report.PruneAudit(r.auditDir, r.retention, time.Now()).Errors {
			logger.Warn("audit retention", "error", err)
		}
	}
	if err := r.lock.Release(); err != nil {
		logger.Warn("releasing run lock failed", "error", err)
	}
}

func (m *Manager) fullSync(ctx context.Context, name string, opts Options) (*adsync.Result, error) {
	r, err := m.begin(ctx, name, opts)
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(r.ctx, log)
	logger.Info("full sync started", "dry_run", opts.DryRun, "subset", len(opts.Subset))

	res, err := r.sync.FullSync(r.ctx)
	r.end(res)
	if err != nil {
		logger.Error("full sync failed", "error", err)
		return res, err
	}

	logger.Info("full sync finished", "result", res.String())
	return res, nil
}

func (m *Manager) quicksync(ctx context.Context, name string, opts Options, ids []int64) (*quicksync.Result, error) {
	if m.deps.ChangeLog == nil {
		return nil, errors.NewMissingField("change log")
	}
	r, err := m.begin(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	defer r.end(nil)

	replayer, err := quicksync.New(quicksync.Config{
		Key:      r.sync.Config().ChangeKey,
		StaleAge: r.st.StaleAge,
		Types:    r.st.EventTypes,
		DryRun:   opts.DryRun,
	}, m.deps.ChangeLog, quicksync.DefaultHandlers(r.sync))
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(r.ctx, log)
	logger.Info("quicksync started", "dry_run", opts.DryRun, "change_ids", len(ids))

	var res *quicksync.Result
	if len(ids) > 0 {
		res, err = replayer.RunIDs(r.ctx, ids)
	} else {
		res, err = replayer.Run(r.ctx)
	}
	if err != nil {
		logger.Error("quicksync failed", "error", err)
		return res, err
	}

	logger.Info("quicksync finished", "result", res.String())
	return res, nil
}

// =============================================================================
// Report paths
// =============================================================================

func (m *Manager) auditDir(name string) string {
	if m.cfg.Report.AuditDir == "" {
		return ""
	}
	return filepath.Join(m.cfg.Report.AuditDir, name)
}

func (m *Manager) auditPath(name, runID string) string {
	dir := m.auditDir(name)
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, report.AuditFileName(time.Now(), runID))
}

func (m *Manager) textfilePath(name string) string {
	if m.cfg.Report.TextfileDir == "" {
		return ""
	}
	return filepath.Join(m.cfg.Report.TextfileDir, "adsync_"+name+".prom")
}
