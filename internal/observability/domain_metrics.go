package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	schemaLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_schema_loads_total",
			Help: "Total number of schema list loads by outcome.",
		},
		[]string{"outcome"},
	)
	summariesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_metadata_summaries_total",
			Help: "Total number of catalog metadata summaries by outcome.",
		},
		[]string{"outcome"},
	)
	summaryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlassist_metadata_summary_duration_seconds",
			Help:    "Wall time spent walking catalog metadata for one summary.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
	summaryTablesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlassist_metadata_tables_total",
			Help: "Total number of tables rendered into metadata summaries.",
		},
	)
	summaryColumnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlassist_metadata_columns_total",
			Help: "Total number of columns rendered into metadata summaries.",
		},
	)
	agentBuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_agent_builds_total",
			Help: "Total number of LLM agent constructions by model.",
		},
		[]string{"model"},
	)
	agentRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_agent_runs_total",
			Help: "Total number of LLM agent invocations by model and outcome.",
		},
		[]string{"model", "outcome"},
	)
	agentRunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlassist_agent_run_duration_seconds",
			Help:    "LLM agent invocation latency.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"model"},
	)
	turnsRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_turns_recorded_total",
			Help: "Total number of chat turns written to the turn log by outcome.",
		},
		[]string{"outcome"},
	)
	transcriptExportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_transcript_exports_total",
			Help: "Total number of transcript exports by outcome.",
		},
		[]string{"outcome"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlassist_active_sessions",
			Help: "Current number of live chat sessions.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		schemaLoadsTotal,
		summariesTotal,
		summaryDurationSeconds,
		summaryTablesTotal,
		summaryColumnsTotal,
		agentBuildsTotal,
		agentRunsTotal,
		agentRunDurationSeconds,
		turnsRecordedTotal,
		transcriptExportsTotal,
		activeSessions,
	)
}

func ObserveSchemaLoad(err error) {
	schemaLoadsTotal.WithLabelValues(outcome(err)).Inc()
}

func ObserveSummary(tables, columns int, elapsed time.Duration, err error) {
	summariesTotal.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		return
	}
	summaryDurationSeconds.Observe(elapsed.Seconds())
	summaryTablesTotal.Add(float64(tables))
	summaryColumnsTotal.Add(float64(columns))
}

func ObserveAgentBuild(model string) {
	agentBuildsTotal.WithLabelValues(model).Inc()
}

// ObserveAgentRun records one agent call. Outcome is "sql", "empty" or "error".
func ObserveAgentRun(model, result string, elapsed time.Duration) {
	agentRunsTotal.WithLabelValues(model, result).Inc()
	agentRunDurationSeconds.WithLabelValues(model).Observe(elapsed.Seconds())
}

func ObserveTurnRecorded(err error) {
	turnsRecordedTotal.WithLabelValues(outcome(err)).Inc()
}

func ObserveTranscriptExport(err error) {
	transcriptExportsTotal.WithLabelValues(outcome(err)).Inc()
}

func SetActiveSessions(count int) {
	if count < 0 {
		count = 0
	}
	activeSessions.Set(float64(count))
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
