// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesProcessed counts pipeline outcomes per message.
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailpilot_messages_processed_total",
		Help: "Messages run through the rule pipeline, by outcome",
	}, []string{"outcome"}) // executed, pending_approval, unhandled, duplicate, failed

	// AICalls counts LLM invocations by purpose and outcome.
	AICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailpilot_ai_calls_total",
		Help: "LLM calls issued by the engine, by purpose and outcome",
	}, []string{"purpose", "outcome"}) // purpose: condition, arggen, summary, categorize

	// ActionsExecuted counts individual action attempts.
	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailpilot_actions_executed_total",
		Help: "Executed rule actions, by type and status",
	}, []string{"type", "status"})

	// DigestItems counts accumulated digest lines.
	DigestItems = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailpilot_digest_items_total",
		Help: "Items appended to digest windows",
	})

	// RateLimitPauses counts account passes paused by provider rate limits.
	RateLimitPauses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailpilot_rate_limit_pauses_total",
		Help: "Ingestion passes paused by provider rate limiting",
	})

	// PassDuration observes end-to-end notification pass latency.
	PassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailpilot_pass_duration_seconds",
		Help:    "Duration of one notification-to-execution pass",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)
