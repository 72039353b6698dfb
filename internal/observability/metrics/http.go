package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type errorKey struct {
	handler string
	method  string
}

type latencyKey struct {
	handler string
	method  string
}

type sessionKey struct {
	agent  string
	status string
}

type toolKey struct {
	tool    string
	outcome string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	errors   map[errorKey]uint64
	latency  map[latencyKey]*histogram
	sessions map[sessionKey]uint64
	tools    map[toolKey]uint64
}

var defaultCollector = &collector{
	requests: make(map[requestKey]uint64),
	errors:   make(map[errorKey]uint64),
	latency:  make(map[latencyKey]*histogram),
	sessions: make(map[sessionKey]uint64),
	tools:    make(map[toolKey]uint64),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observe(handler, method, status, duration)
}

// ObserveSessionOutcome counts terminated sessions by agent and final status.
func ObserveSessionOutcome(agentID, status string) {
	defaultCollector.mu.Lock()
	defaultCollector.sessions[sessionKey{agent: agentID, status: status}]++
	defaultCollector.mu.Unlock()
}

// ObserveToolInvocation counts tool invocations by tool name and outcome.
func ObserveToolInvocation(tool string, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	defaultCollector.mu.Lock()
	defaultCollector.tools[toolKey{tool: tool, outcome: outcome}]++
	defaultCollector.mu.Unlock()
}

func (c *collector) observe(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	if status >= 500 {
		c.errors[errorKey{handler: handler, method: method}]++
	}

	latKey := latencyKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
	// Values greater than the last bucket only show up in the +Inf bucket via h.count.
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

// family buffers the pre-formatted sample lines of one metric family.
// Lines are sorted before writing so the output is deterministic.
type family struct {
	name  string
	help  string
	kind  string
	lines []string
}

func (f *family) addf(format string, args ...any) {
	f.lines = append(f.lines, fmt.Sprintf(format, args...))
}

func (f *family) writeTo(builder *strings.Builder, presorted bool) {
	builder.WriteString("# HELP " + f.name + " " + f.help + "\n")
	builder.WriteString("# TYPE " + f.name + " " + f.kind + "\n")
	if !presorted {
		sort.Strings(f.lines)
	}
	for _, line := range f.lines {
		builder.WriteString(line)
		builder.WriteString("\n")
	}
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	requests := family{
		name: "agenthive_http_requests_total",
		help: "Total number of HTTP requests processed.",
		kind: "counter",
	}
	for key, value := range c.requests {
		requests.addf(`agenthive_http_requests_total{handler="%s",method="%s",code="%s"} %d`,
			escape(key.handler), escape(key.method), escape(key.code), value)
	}

	failures := family{
		name: "agenthive_http_request_errors_total",
		help: "Total number of HTTP requests that resulted in a server error.",
		kind: "counter",
	}
	for key, value := range c.errors {
		failures.addf(`agenthive_http_request_errors_total{handler="%s",method="%s"} %d`,
			escape(key.handler), escape(key.method), value)
	}

	sessions := family{
		name: "agenthive_sessions_total",
		help: "Terminated sessions by agent and final status.",
		kind: "counter",
	}
	for key, value := range c.sessions {
		sessions.addf(`agenthive_sessions_total{agent="%s",status="%s"} %d`,
			escape(key.agent), escape(key.status), value)
	}

	tools := family{
		name: "agenthive_tool_invocations_total",
		help: "Tool invocations by tool name and outcome.",
		kind: "counter",
	}
	for key, value := range c.tools {
		tools.addf(`agenthive_tool_invocations_total{tool="%s",outcome="%s"} %d`,
			escape(key.tool), escape(key.outcome), value)
	}

	var builder strings.Builder
	builder.Grow(1024)
	requests.writeTo(&builder, false)
	failures.writeTo(&builder, false)
	c.renderLatency(&builder)
	sessions.writeTo(&builder, false)
	tools.writeTo(&builder, false)
	return builder.String()
}

// renderLatency emits the duration histogram. Bucket lines of one series must
// stay in bound order, so series are sorted by key and emitted as a block.
func (c *collector) renderLatency(builder *strings.Builder) {
	keys := make([]latencyKey, 0, len(c.latency))
	for key := range c.latency {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler == keys[j].handler {
			return keys[i].method < keys[j].method
		}
		return keys[i].handler < keys[j].handler
	})

	durations := family{
		name: "agenthive_http_request_duration_seconds",
		help: "HTTP request duration in seconds.",
		kind: "histogram",
	}
	for _, key := range keys {
		hist := c.latency[key]
		handler, method := escape(key.handler), escape(key.method)
		for idx, bound := range hist.buckets {
			durations.addf(`agenthive_http_request_duration_seconds_bucket{handler="%s",method="%s",le="%s"} %d`,
				handler, method, formatFloat(bound), hist.counts[idx])
		}
		durations.addf(`agenthive_http_request_duration_seconds_bucket{handler="%s",method="%s",le="+Inf"} %d`,
			handler, method, hist.count)
		durations.addf(`agenthive_http_request_duration_seconds_sum{handler="%s",method="%s"} %s`,
			handler, method, formatFloat(hist.sum))
		durations.addf(`agenthive_http_request_duration_seconds_count{handler="%s",method="%s"} %d`,
			handler, method, hist.count)
	}
	durations.writeTo(builder, true)
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
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
