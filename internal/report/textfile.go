package report

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	adsync "github.com/xtxerr/adsync/internal/sync"
)

const namespace = "adsync"

// WriteTextfile writes the run result and operation statistics in the
// Prometheus text format to path, for the node exporter textfile
// collector. The file is replaced atomically.
func WriteTextfile(path string, res *adsync.Result, stats []OpStats) error {
	reg := prometheus.NewRegistry()

	labels := prometheus.Labels{"sync_type": res.SyncType}

	actions := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "actions",
		Help:        "Remote actions performed by the last run.",
		ConstLabels: labels,
	}, []string{"action"})
	for a, n := range res.Counts {
		actions.WithLabelValues(string(a)).Set(float64(n))
	}

	failed := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "failed_objects",
		Help:        "Objects the last run could not reconcile.",
		ConstLabels: labels,
	})
	failed.Set(float64(res.Failed()))

	entities := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "source_entities",
		Help:        "Source entities handled by the last run.",
		ConstLabels: labels,
	})
	entities.Set(float64(res.Entities))

	objects := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "remote_objects",
		Help:        "Remote objects seen by the last run.",
		ConstLabels: labels,
	})
	objects.Set(float64(res.Objects))

	duration := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "run_duration_seconds",
		Help:        "Duration of the last run.",
		ConstLabels: labels,
	})
	duration.Set(res.Duration.Seconds())

	finished := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "last_run_timestamp_seconds",
		Help:        "Unix time the last run finished.",
		ConstLabels: labels,
	})
	finished.Set(float64(res.StartedAt.Add(res.Duration).Unix()))

	latency := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "directory_latency_seconds",
		Help:        "Directory operation latency quantiles of the last run.",
		ConstLabels: labels,
	}, []string{"op", "quantile"})
	calls := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "directory_operations",
		Help:        "Directory operations of the last run.",
		ConstLabels: labels,
	}, []string{"op", "result"})
	for _, st := range stats {
		latency.WithLabelValues(st.Op, "0.5").Set(st.P50.Seconds())
		latency.WithLabelValues(st.Op, "0.9").Set(st.P90.Seconds())
		latency.WithLabelValues(st.Op, "0.99").Set(st.P99.Seconds())
		calls.WithLabelValues(st.Op, "ok").Set(float64(st.Count - st.Errors))
		calls.WithLabelValues(st.Op, "error").Set(float64(st.Errors))
	}

	reg.MustRegister(actions, failed, entities, objects, duration, finished, latency, calls)

	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("write textfile %s: %w", path, err)
	}
	return nil
}
