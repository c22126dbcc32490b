// Package report collects what a sync run did to the directory.
//
// A Report is the directory.Recorder of one run. It keeps a latency sketch
// per remote operation, writes one audit row per mutation to a Parquet file
// and, once the run has finished, exports the run result as a Prometheus
// textfile for the node exporter.
package report

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/adsync/config"
	"github.com/xtxerr/adsync/internal/directory"
	"github.com/xtxerr/adsync/internal/logging"
	adsync "github.com/xtxerr/adsync/internal/sync"
)

var log = logging.Component("report")

// Config configures a Report. Empty paths disable the respective output.
type Config struct {
	SyncType string
	RunID    string

	// AuditPath is the Parquet file receiving one row per mutation
	AuditPath string

	// TextfilePath is the Prometheus textfile written by Finish
	TextfilePath string

	// Accuracy is the relative accuracy of latency quantiles
	Accuracy float64
}

// mutations are the operations recorded in the audit file.
var mutations = map[string]bool{
	"create":           true,
	"modify":           true,
	"move":             true,
	"disable":          true,
	"enable":           true,
	"delete":           true,
	"set_password":     true,
	"create_container": true,
	"execute_script":   true,
}

// OpStats summarizes one remote operation.
type OpStats struct {
	Op     string
	Count  int64
	Errors int64
	P50    time.Duration
	P90    time.Duration
	P99    time.Duration
	Max    time.Duration
}

type opSketch struct {
	count  int64
	errors int64
	max    float64
	sketch *ddsketch.DDSketch
}

// Report records the remote operations of one run.
type Report struct {
	cfg Config

	mu    sync.Mutex
	ops   map[string]*opSketch
	audit *AuditWriter
}

// New creates a Report. The audit file is created right away so a bad path
// fails before the run touches the directory.
func New(cfg Config) (*Report, error) {
	if cfg.Accuracy <= 0 {
		cfg.Accuracy = config.DefaultSketchAccuracy
	}
	r := &Report{cfg: cfg, ops: make(map[string]*opSketch)}
	if cfg.AuditPath != "" {
		w, err := NewAuditWriter(cfg.AuditPath)
		if err != nil {
			return nil, fmt.Errorf("audit file: %w", err)
		}
		r.audit = w
	}
	return r, nil
}

// Observe implements directory.Recorder.
func (r *Report) Observe(op, dn string, elapsed time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.ops[op]
	if !ok {
		sketch, serr := ddsketch.NewDefaultDDSketch(r.cfg.Accuracy)
		if serr != nil {
			log.Warn("latency sketch unavailable", "op", op, "error", serr)
		}
		s = &opSketch{sketch: sketch}
		r.ops[op] = s
	}
	s.count++
	if err != nil {
		s.errors++
	}
	ms := float64(elapsed) / float64(time.Millisecond)
	if ms > s.max {
		s.max = ms
	}
	if s.sketch != nil {
		s.sketch.Add(ms)
	}

	if r.audit == nil || !mutations[op] {
		return
	}
	row := AuditRow{
		RunID:       r.cfg.RunID,
		SyncType:    r.cfg.SyncType,
		TimestampMs: time.Now().UnixMilli(),
		Operation:   op,
		DN:          dn,
		ElapsedMs:   ms,
	}
	if err != nil {
		row.Error = err.Error()
	}
	if werr := r.audit.Write(row); werr != nil {
		log.Warn("audit row not written", "op", op, "dn", dn, "error", werr)
	}
}

// Stats returns the per-operation statistics sorted by operation.
func (r *Report) Stats() []OpStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]OpStats, 0, len(r.ops))
	for op, s := range r.ops {
		st := OpStats{Op: op, Count: s.count, Errors: s.errors, Max: millis(s.max)}
		if s.sketch != nil && s.count > 0 {
			p50, _ := s.sketch.GetValueAtQuantile(0.50)
			p90, _ := s.sketch.GetValueAtQuantile(0.90)
			p99, _ := s.sketch.GetValueAtQuantile(0.99)
			st.P50, st.P90, st.P99 = millis(p50), millis(p90), millis(p99)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Op < out[j].Op })
	return out
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// Finish closes the audit file and writes the textfile for res.
func (r *Report) Finish(res *adsync.Result) error {
	var errs []string
	if r.audit != nil {
		if err := r.audit.Close(); err != nil {
			errs = append(errs, err.Error())
		} else {
			log.Debug("audit file written", "path", r.audit.Path(), "rows", r.audit.RowCount())
		}
	}
	if r.cfg.TextfilePath != "" && res != nil {
		if err := WriteTextfile(r.cfg.TextfilePath, res, r.Stats()); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("report: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Summary renders the statistics as one log-friendly line.
func (r *Report) Summary() string {
	var b strings.Builder
	for i, st := range r.Stats() {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%d/p50:%s/p99:%s", st.Op, st.Count,
			st.P50.Round(time.Microsecond), st.P99.Round(time.Microsecond))
		if st.Errors > 0 {
			fmt.Fprintf(&b, "/err:%d", st.Errors)
		}
	}
	return b.String()
}

var _ directory.Recorder = (*Report)(nil)
