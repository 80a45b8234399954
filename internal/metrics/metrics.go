package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LinesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fail3band_lines_processed_total",
		Help: "Log lines read per source.",
	}, []string{"source"})

	ThreatsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fail3band_threats_classified_total",
		Help: "Positive signature matches per jail.",
	}, []string{"jail"})

	ParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fail3band_parse_failures_total",
		Help: "Lines that matched a grammar but broke mid-parse.",
	})

	WhitelistSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fail3band_whitelist_skips_total",
		Help: "Threats suppressed by the whitelist.",
	})

	DedupSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fail3band_dedup_skips_total",
		Help: "Threats suppressed by the dedup window.",
	})

	TasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fail3band_tasks_executed_total",
		Help: "Enforcement tasks executed, by operation and outcome.",
	}, []string{"operation", "outcome"})

	TasksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fail3band_tasks_dropped_total",
		Help: "Enforcement tasks dropped because the queue was saturated or closed.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fail3band_queue_depth",
		Help: "Enforcement tasks currently waiting.",
	})

	BansExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fail3band_bans_expired_total",
		Help: "Ban rows swept by the reaper.",
	})

	StorageRetryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fail3band_storage_transient_failures_total",
		Help: "Ledger operations that exhausted the transient-error retries.",
	})

	ConfigReloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fail3band_config_reloads_total",
		Help: "Successful SIGHUP configuration reloads.",
	})
)

// StartServer serves the default registry on addr. Blocks.
func StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
