package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "l402"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests handled by the API server.",
	}, []string{"handler", "method", "code"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"handler", "method"})

	intents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "router_intents_total",
		Help:      "Questions classified per intent; classification failures use intent=\"invalid\".",
	}, []string{"intent"})

	agentRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_runs_total",
		Help:      "Agent executions by terminal state.",
	}, []string{"outcome"})

	agentSteps = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "agent_steps",
		Help:      "Number of steps taken per agent execution.",
		Buckets:   prometheus.LinearBuckets(1, 1, 10),
	})

	toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool invocations by tool and result.",
	}, []string{"tool", "result"})

	toolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_duration_seconds",
		Help:      "Duration of tool invocations.",
	}, []string{"tool"})

	challenges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "challenges_total",
		Help:      "HTTP 402 challenges received per target host.",
	}, []string{"host"})

	payments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_total",
		Help:      "Invoice payments by status and failure kind.",
	}, []string{"status", "kind"})

	paidSats = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "paid_sats_total",
		Help:      "Satoshis spent on invoices and routing fees.",
	}, []string{"type"})

	tasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Asynchronous task status transitions.",
	}, []string{"status"})

	queueDeliveries = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "queue_delivery_duration_seconds",
		Help:      "Time spent handling one task delivery, by queue driver and outcome.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
	}, []string{"driver", "outcome"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpDuration,
		intents, agentRuns, agentSteps,
		toolCalls, toolDuration,
		challenges, payments, paidSats,
		tasks, queueDeliveries,
	)
}

// Registry 返回本进程使用的指标注册表，测试可直接 Gather。
func Registry() *prometheus.Registry {
	return registry
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveIntent records one router classification.
func ObserveIntent(intent string) {
	intents.WithLabelValues(intent).Inc()
}

// ObserveAgentRun records the terminal state and length of an agent execution.
func ObserveAgentRun(outcome string, steps int) {
	agentRuns.WithLabelValues(outcome).Inc()
	agentSteps.Observe(float64(steps))
}

// ObserveToolCall records a tool invocation.
func ObserveToolCall(tool, result string, duration time.Duration) {
	toolCalls.WithLabelValues(tool, result).Inc()
	toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveChallenge records a 402 challenge from host.
func ObserveChallenge(host string) {
	challenges.WithLabelValues(host).Inc()
}

// ObservePayment records a payment attempt. kind is empty on success.
func ObservePayment(status, kind string, amountSat, feeSat int64) {
	payments.WithLabelValues(status, kind).Inc()
	if amountSat > 0 {
		paidSats.WithLabelValues("amount").Add(float64(amountSat))
	}
	if feeSat > 0 {
		paidSats.WithLabelValues("fee").Add(float64(feeSat))
	}
}

// ObserveTask records a task status transition.
func ObserveTask(status string) {
	tasks.WithLabelValues(status).Inc()
}

// ObserveQueueDelivery records how one queue delivery was handled.
func ObserveQueueDelivery(driver, outcome string, duration time.Duration) {
	queueDeliveries.WithLabelValues(driver, outcome).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// StartServer launches a standalone HTTP server exposing the metrics endpoint.
func StartServer(ctx context.Context, addr, path string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
