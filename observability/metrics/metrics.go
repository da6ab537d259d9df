// Package metrics is the daemon-wide prometheus registry, following the same
// lazily-initialized pattern internal/analytics uses for its own counters.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every counter/histogram the voting, rule-synthesis, and
// change-set-commit paths increment.
type Registry struct {
	VotesCast            *prometheus.CounterVec
	StateTransitions     *prometheus.CounterVec
	RulesSynthesized     *prometheus.CounterVec
	ChangeSetsCommitted  prometheus.Counter
	ChangeSetsFailed     prometheus.Counter
	ChangeSetCommitDelay prometheus.Histogram
}

var (
	once   sync.Once
	shared *Registry
)

// Shared returns the process-wide Registry, constructing and registering it
// with the default prometheus registry on first call.
func Shared() *Registry {
	once.Do(func() {
		shared = &Registry{
			VotesCast: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ballot",
				Subsystem: "voting",
				Name:      "votes_cast_total",
				Help:      "Votes cast, labeled by polarity.",
			}, []string{"polarity"}),
			StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ballot",
				Subsystem: "voting",
				Name:      "state_transitions_total",
				Help:      "Blockable state transitions, labeled by resulting state.",
			}, []string{"state"}),
			RulesSynthesized: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ballot",
				Subsystem: "voting",
				Name:      "rules_synthesized_total",
				Help:      "Rules synthesized, labeled by policy.",
			}, []string{"policy"}),
			ChangeSetsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ballot",
				Subsystem: "committer",
				Name:      "changesets_committed_total",
				Help:      "Change sets successfully committed to the external policy API.",
			}),
			ChangeSetsFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ballot",
				Subsystem: "committer",
				Name:      "changesets_failed_total",
				Help:      "Change sets permanently dropped by the committer.",
			}),
			ChangeSetCommitDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "ballot",
				Subsystem: "committer",
				Name:      "changeset_commit_delay_seconds",
				Help:      "Time from change-set creation to successful commit.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			}),
		}
		prometheus.MustRegister(
			shared.VotesCast,
			shared.StateTransitions,
			shared.RulesSynthesized,
			shared.ChangeSetsCommitted,
			shared.ChangeSetsFailed,
			shared.ChangeSetCommitDelay,
		)
	})
	return shared
}

// Handler returns the HTTP handler the admin surface mounts at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
