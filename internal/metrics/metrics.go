// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for levelq.
//
// # Label keys
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without nested maps.
//
//	Enqueued                     key = "outcome"
//	Failed                       key = "reason"
//	ProcessMs / ProcessCnt       key = "outcome"
//	Claimed, Succeeded, ...      key = "" (unlabelled)
//	HTTPReqs                     key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt       key = "method\tpath"
//
// Depth by state is a gauge read from a DepthFunc at scrape time, since the
// shared store is the only place that knows it.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current value for key.
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair in key order.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	var keys []string
	lc.vals.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	for _, k := range keys {
		fn(k, lc.Value(k))
	}
}

// Depth is the number of keys in each lifecycle state.
type Depth struct {
	Queued       int64
	Leased       int64
	DeadLettered int64
}

// DepthFunc reports the current depth. It is called on every scrape.
type DepthFunc func(ctx context.Context) (Depth, error)

// Registry holds all levelq application metrics. The zero value is ready to use.
type Registry struct {
	// Receiver.
	Enqueued labelCounter

	// Dispatcher.
	Claimed        labelCounter
	ClaimConflicts labelCounter
	Succeeded      labelCounter
	Failed         labelCounter
	Requeued       labelCounter
	DeadLettered   labelCounter
	LeaseLost      labelCounter
	WaitMs         labelCounter // enqueue-to-claim latency sum
	WaitCnt        labelCounter
	ProcessMs      labelCounter // reconciler call latency sum
	ProcessCnt     labelCounter

	// Dead-letter manager.
	Reenqueued labelCounter

	// HTTP.
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter
	HTTPDurCnt labelCounter

	depthMu sync.RWMutex
	depth   DepthFunc
}

// SetDepthFunc installs the source of the depth gauge.
func (r *Registry) SetDepthFunc(fn DepthFunc) {
	r.depthMu.Lock()
	r.depth = fn
	r.depthMu.Unlock()
}

// ObserveWait records how long a key waited between becoming eligible and
// being claimed.
func (r *Registry) ObserveWait(d time.Duration) {
	r.WaitMs.Add("", d.Milliseconds())
	r.WaitCnt.Inc("")
}

// ObserveProcess records one reconciler call.
func (r *Registry) ObserveProcess(outcome string, d time.Duration) {
	r.ProcessMs.Add(outcome, d.Milliseconds())
	r.ProcessCnt.Inc(outcome)
}

type family struct {
	name, help, typ string
	c               *labelCounter
	labels          func(key string) string
}

func (r *Registry) families() []family {
	none := func(string) string { return "" }
	one := func(name string) func(string) string {
		return func(k string) string { return fmt.Sprintf(`%s=%q`, name, k) }
	}
	return []family{
		{"levelq_enqueued_total", "Enqueue calls by outcome", "counter", &r.Enqueued, one("outcome")},
		{"levelq_claimed_total", "Items claimed by this dispatcher", "counter", &r.Claimed, none},
		{"levelq_claim_conflicts_total", "Claims lost to another instance", "counter", &r.ClaimConflicts, none},
		{"levelq_succeeded_total", "Reconciles that succeeded", "counter", &r.Succeeded, none},
		{"levelq_failed_total", "Reconciles that failed, by reason", "counter", &r.Failed, one("reason")},
		{"levelq_requeued_total", "Failed items requeued with backoff", "counter", &r.Requeued, none},
		{"levelq_dead_lettered_total", "Items moved to the dead-letter set", "counter", &r.DeadLettered, none},
		{"levelq_lease_lost_total", "Outcomes discarded because the lease was lost", "counter", &r.LeaseLost, none},
		{"levelq_reenqueued_total", "Dead-letter entries re-enqueued", "counter", &r.Reenqueued, none},
		{"levelq_wait_milliseconds_sum", "Sum of eligible-to-claim latency", "counter", &r.WaitMs, none},
		{"levelq_wait_milliseconds_count", "Count of observed waits", "counter", &r.WaitCnt, none},
		{"levelq_process_milliseconds_sum", "Sum of reconciler call latency", "counter", &r.ProcessMs, one("outcome")},
		{"levelq_process_milliseconds_count", "Count of reconciler calls", "counter", &r.ProcessCnt, one("outcome")},
		{"levelq_http_requests_total", "HTTP requests by method, path, and status code", "counter", &r.HTTPReqs,
			func(k string) string {
				m, p, s := splitThree(k)
				return fmt.Sprintf(`method=%q,path=%q,status=%q`, m, p, s)
			}},
		{"levelq_http_request_duration_milliseconds_sum", "Sum of HTTP request durations in milliseconds", "counter", &r.HTTPDurMs, httpDurLabels},
		{"levelq_http_request_duration_milliseconds_count", "Count of observed HTTP request durations", "counter", &r.HTTPDurCnt, httpDurLabels},
	}
}

func httpDurLabels(k string) string {
	m, p := splitTwo(k)
	return fmt.Sprintf(`method=%q,path=%q`, m, p)
}

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var b strings.Builder
		r.writeDepth(req.Context(), &b)
		for _, f := range r.families() {
			writeFamily(&b, f.name, f.help, f.typ, func(fn func(labels, val string)) {
				f.c.Each(func(key string, val int64) {
					fn(f.labels(key), fmt.Sprintf("%d", val))
				})
			})
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, b.String())
	})
}

func (r *Registry) writeDepth(ctx context.Context, b *strings.Builder) {
	r.depthMu.RLock()
	fn := r.depth
	r.depthMu.RUnlock()
	if fn == nil {
		return
	}
	d, err := fn(ctx)
	if err != nil {
		slog.Warn("metrics: depth unavailable", "err", err)
		return
	}
	writeFamily(b, "levelq_depth", "Keys by lifecycle state", "gauge",
		func(fn func(labels, val string)) {
			fn(`state="queued"`, fmt.Sprintf("%d", d.Queued))
			fn(`state="leased"`, fmt.Sprintf("%d", d.Leased))
			fn(`state="dead_lettered"`, fmt.Sprintf("%d", d.DeadLettered))
		})
}

// writeFamily writes a single Prometheus metric family to b, skipping it
// entirely when fill produces no samples.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	var lines []string
	fill(func(labels, val string) {
		if labels == "" {
			lines = append(lines, fmt.Sprintf("%s %s\n", name, val))
			return
		}
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
