// Package metrics exposes Prometheus collectors for the gateway.
//
// Completion, tool, and failover counts arrive through the hooks bus, so
// the orchestrator and tool executor never import this package. HTTP
// counts are recorded by gateway middleware.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/hooks"
	"github.com/soyeahso/llmgate/internal/routing"
)

// Metrics holds every collector the gateway exports.
type Metrics struct {
	// Completions counts finished requests.
	// Labels: provider, status (success|error)
	Completions *prometheus.CounterVec

	// CompletionDuration measures end-to-end completion latency.
	// Labels: provider
	CompletionDuration *prometheus.HistogramVec

	// Tokens counts token usage.
	// Labels: provider, type (prompt|completion)
	Tokens *prometheus.CounterVec

	// EstimatedCost accumulates the routing-table cost estimate in USD.
	// Labels: provider
	EstimatedCost *prometheus.CounterVec

	// Errors counts failed completions by error code.
	// Labels: provider, code
	Errors *prometheus.CounterVec

	// Failovers counts provider switches after a retryable failure.
	// Labels: from, to
	Failovers *prometheus.CounterVec

	// ToolExecutions counts tool calls.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool call latency.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// HTTPRequests counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequests *prometheus.CounterVec

	// HTTPDuration measures HTTP request latency.
	// Labels: method, path
	HTTPDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Completions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_completions_total",
			Help: "Total completions by provider and status",
		}, []string{"provider", "status"}),

		CompletionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmgate_completion_duration_seconds",
			Help:    "Duration of completions in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider"}),

		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_tokens_total",
			Help: "Total tokens by provider and type",
		}, []string{"provider", "type"}),

		EstimatedCost: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_estimated_cost_usd_total",
			Help: "Estimated spend in USD from the routing cost table",
		}, []string{"provider"}),

		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_completion_errors_total",
			Help: "Failed completions by provider and error code",
		}, []string{"provider", "code"}),

		Failovers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_provider_failovers_total",
			Help: "Provider failovers after retryable errors",
		}, []string{"from", "to"}),

		ToolExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_tool_executions_total",
			Help: "Tool executions by tool and status",
		}, []string{"tool", "status"}),

		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmgate_tool_execution_duration_seconds",
			Help:    "Duration of tool executions in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_http_requests_total",
			Help: "HTTP requests by method, path, and status code",
		}, []string{"method", "path", "status_code"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmgate_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"method", "path"}),

		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// CompletionFinished records a successful completion.
func (m *Metrics) CompletionFinished(provider domain.Provider, usage domain.Usage, elapsed time.Duration) {
	p := string(provider)
	m.Completions.WithLabelValues(p, "success").Inc()
	m.CompletionDuration.WithLabelValues(p).Observe(elapsed.Seconds())
	m.Tokens.WithLabelValues(p, "prompt").Add(float64(usage.PromptTokens))
	m.Tokens.WithLabelValues(p, "completion").Add(float64(usage.CompletionTokens))
	if prof, ok := routing.ProfileFor(provider); ok {
		m.EstimatedCost.WithLabelValues(p).Add(prof.Cost(usage.TotalTokens))
	}
}

// CompletionFailed records a failed completion.
func (m *Metrics) CompletionFailed(provider domain.Provider, code string) {
	p := string(provider)
	if p == "" {
		p = "none"
	}
	m.Completions.WithLabelValues(p, "error").Inc()
	m.Errors.WithLabelValues(p, code).Inc()
}

// Failover records a switch from one provider to another.
func (m *Metrics) Failover(from, to domain.Provider) {
	m.Failovers.WithLabelValues(string(from), string(to)).Inc()
}

// ToolExecuted records one tool call.
func (m *Metrics) ToolExecuted(tool string, failed bool, elapsed time.Duration) {
	status := "success"
	if failed {
		status = "error"
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// HTTPRequest records one served HTTP request.
func (m *Metrics) HTTPRequest(method, path string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// Subscribe feeds lifecycle events from hm into the collectors.
func (m *Metrics) Subscribe(hm *hooks.Manager) {
	if hm == nil {
		return
	}
	hm.On(hooks.EventCompletionFinished, "metrics", func(_ context.Context, p hooks.Payload) error {
		usage := domain.NewUsage(intField(p.Data, "promptTokens"), intField(p.Data, "completionTokens"))
		m.CompletionFinished(providerField(p.Data, "provider"), usage, secondsField(p.Data, "seconds"))
		return nil
	})
	hm.On(hooks.EventCompletionFailed, "metrics", func(_ context.Context, p hooks.Payload) error {
		code, _ := p.Data["code"].(string)
		m.CompletionFailed(providerField(p.Data, "provider"), code)
		return nil
	})
	hm.On(hooks.EventProviderFailover, "metrics", func(_ context.Context, p hooks.Payload) error {
		m.Failover(providerField(p.Data, "from"), providerField(p.Data, "to"))
		return nil
	})
	hm.On(hooks.EventToolExecuted, "metrics", func(_ context.Context, p hooks.Payload) error {
		tool, _ := p.Data["tool"].(string)
		failed, _ := p.Data["failed"].(bool)
		m.ToolExecuted(tool, failed, secondsField(p.Data, "seconds"))
		return nil
	})
}

func providerField(data map[string]any, key string) domain.Provider {
	switch v := data[key].(type) {
	case domain.Provider:
		return v
	case string:
		return domain.Provider(v)
	}
	return ""
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func secondsField(data map[string]any, key string) time.Duration {
	if v, ok := data[key].(float64); ok {
		return time.Duration(v * float64(time.Second))
	}
	return 0
}
