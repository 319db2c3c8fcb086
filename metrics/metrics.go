// Package metrics defines the Prometheus collectors shared across the
// platform. Collectors are registered on the default registry at init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksTotal counts task lifecycle outcomes by terminal-ish status.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmend_tasks_total",
		Help: "Tasks by lifecycle status transition.",
	}, []string{"status"})

	// RepairsTotal counts auto-repair outcomes.
	RepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmend_repairs_total",
		Help: "Auto-repair attempts by outcome.",
	}, []string{"outcome"})

	// APIDispatchTotal counts outbound provider API dispatches.
	APIDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmend_api_dispatch_total",
		Help: "Outbound API requests dispatched per provider.",
	}, []string{"provider"})

	// RateLimitWaitsTotal counts dispatches delayed by rate limiting.
	RateLimitWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmend_rate_limit_waits_total",
		Help: "Dispatches that waited on a provider rate limit.",
	}, []string{"provider"})

	// LLMTokensTotal accumulates LLM token usage.
	LLMTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskmend_llm_tokens_total",
		Help: "Total LLM tokens consumed.",
	})

	// SandboxCompilesTotal counts template compilations by result.
	SandboxCompilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmend_sandbox_compiles_total",
		Help: "Template compilations by result.",
	}, []string{"result"})
)
