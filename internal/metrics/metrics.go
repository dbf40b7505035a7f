// Package metrics exposes Prometheus metrics for the Arkivo server.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActivationsTotal counts successful device activations.
	ActivationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arkivo_activations_total",
		Help: "Number of devices activated by a user.",
	})

	// ActivationCodesIssued counts activation codes handed out to devices.
	ActivationCodesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arkivo_activation_codes_issued_total",
		Help: "Number of fresh activation codes issued.",
	})

	// TasksCreated counts queued tasks by type.
	TasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arkivo_tasks_created_total",
		Help: "Number of agent tasks created, by task type.",
	}, []string{"type"})

	// TasksClaimed counts successful task claims.
	TasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arkivo_tasks_claimed_total",
		Help: "Number of tasks handed to a polling agent.",
	})

	// EmptyClaims counts claim polls that found no pending work.
	EmptyClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arkivo_task_claims_empty_total",
		Help: "Number of claim polls that returned no task.",
	})

	// TasksCompleted counts task completions by terminal status.
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arkivo_tasks_completed_total",
		Help: "Number of tasks reported complete, by terminal status.",
	}, []string{"status"})

	// LeasesReaped counts RUNNING tasks returned to PENDING after their
	// lease expired.
	LeasesReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arkivo_task_leases_reaped_total",
		Help: "Number of expired task leases reset to pending.",
	})

	// TasksCleaned counts terminal tasks removed by retention cleanup.
	TasksCleaned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arkivo_tasks_cleaned_total",
		Help: "Number of terminal tasks removed by retention cleanup.",
	})
)

// Handler returns a Gin handler serving the Prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
