package portal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctf_submissions_total",
		Help: "The total number of flag submissions by outcome",
	}, []string{"outcome"})

	challengesStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctf_challenges_started_total",
		Help: "The total number of challenge activations",
	}, []string{"challenge"})

	workshopStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctf_workshop_starts_total",
		Help: "The total number of administrative workshop start requests that started at least one team",
	})

	solveSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ctf_solve_seconds",
		Help:    "Time from challenge start to a valid submission (seconds)",
		Buckets: prometheus.ExponentialBucketsRange(5, 7200, 12),
	}, []string{"challenge"})
)

const (
	outcomeValid       = "valid"
	outcomeInvalid     = "invalid"
	outcomeNotActive   = "not_active"
	outcomeRateLimited = "rate_limited"
)
