package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rebasebot"

var (
	pullRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pull_requests_processed_total",
			Help:      "Pull requests evaluated, by the action taken",
		},
		[]string{"action"},
	)

	rebases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebases_total",
			Help:      "Rebase attempts, by outcome",
		},
		[]string{"status"},
	)

	repositoryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repository_failures_total",
			Help:      "Repository passes aborted by an error",
		},
		[]string{"repository"},
	)

	gitMaintenance = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "git_maintenance_total",
			Help:      "Local clone maintenance operations (clone, reclone, gc)",
		},
		[]string{"operation"},
	)

	webhooks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "Webhooks accepted, by provider",
		},
		[]string{"provider"},
	)

	passDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of a full polling pass over all repositories",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"trigger"},
	)
)

// PullRequestProcessed counts one reconciled pull request.
func PullRequestProcessed(action string) { pullRequests.WithLabelValues(action).Inc() }

// RebaseFinished counts one rebase attempt.
func RebaseFinished(status string) { rebases.WithLabelValues(status).Inc() }

// RepositoryFailed counts a repository pass that ended with an error.
func RepositoryFailed(repo string) { repositoryFailures.WithLabelValues(repo).Inc() }

// GitMaintenance counts a clone, reclone or gc of a local clone.
func GitMaintenance(operation string) { gitMaintenance.WithLabelValues(operation).Inc() }

// WebhookReceived counts an accepted webhook.
func WebhookReceived(provider string) { webhooks.WithLabelValues(provider).Inc() }

// PassCompleted records the duration of a polling pass.
func PassCompleted(trigger string, d time.Duration) {
	passDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

// Reset resets all metrics to zero (useful for testing).
func Reset() {
	pullRequests.Reset()
	rebases.Reset()
	repositoryFailures.Reset()
	gitMaintenance.Reset()
	webhooks.Reset()
	passDuration.Reset()
}
