package metrics_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/levelq/internal/metrics"
)

func TestRegistry_Counters(t *testing.T) {
	var reg metrics.Registry

	reg.Enqueued.Inc("created")
	reg.Enqueued.Inc("created")
	reg.Enqueued.Add("merged", 3)

	if got := reg.Enqueued.Value("created"); got != 2 {
		t.Fatalf("Enqueued[created] = %d, want 2", got)
	}
	if got := reg.Enqueued.Value("merged"); got != 3 {
		t.Fatalf("Enqueued[merged] = %d, want 3", got)
	}
	if got := reg.Enqueued.Value("missing"); got != 0 {
		t.Fatalf("Enqueued[missing] = %d, want 0", got)
	}
}

func TestRegistry_Observe(t *testing.T) {
	var reg metrics.Registry

	reg.ObserveWait(40 * time.Millisecond)
	reg.ObserveWait(20 * time.Millisecond)
	reg.ObserveProcess("success", 15*time.Millisecond)

	if reg.WaitMs.Value("") != 60 || reg.WaitCnt.Value("") != 2 {
		t.Fatalf("wait: want 60/2, got %d/%d", reg.WaitMs.Value(""), reg.WaitCnt.Value(""))
	}
	if reg.ProcessMs.Value("success") != 15 || reg.ProcessCnt.Value("success") != 1 {
		t.Fatalf("process: want 15/1, got %d/%d", reg.ProcessMs.Value("success"), reg.ProcessCnt.Value("success"))
	}
}

func scrape(t *testing.T, reg *metrics.Registry) string {
	t.Helper()
	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Fatalf("Content-Type = %q, want text/plain", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func mustContain(t *testing.T, body, substr string) {
	t.Helper()
	if !strings.Contains(body, substr) {
		t.Errorf("expected body to contain %q\nbody:\n%s", substr, body)
	}
}

func TestHandler_EmptyRegistry(t *testing.T) {
	var reg metrics.Registry
	if body := scrape(t, &reg); body != "" {
		t.Fatalf("expected empty body for empty registry, got:\n%s", body)
	}
}

func TestHandler_Families(t *testing.T) {
	var reg metrics.Registry

	reg.Enqueued.Inc("created")
	reg.Claimed.Inc("")
	reg.Failed.Inc("timeout")
	reg.DeadLettered.Inc("")
	reg.HTTPReqs.Inc(metrics.HTTPKey("POST", "/v1/enqueue", "202"))
	reg.HTTPDurMs.Add(metrics.HTTPDurKey("POST", "/v1/enqueue"), 5)
	reg.HTTPDurCnt.Inc(metrics.HTTPDurKey("POST", "/v1/enqueue"))

	body := scrape(t, &reg)

	mustContain(t, body, "# TYPE levelq_enqueued_total counter")
	mustContain(t, body, `levelq_enqueued_total{outcome="created"} 1`)
	mustContain(t, body, "levelq_claimed_total 1\n")
	mustContain(t, body, `levelq_failed_total{reason="timeout"} 1`)
	mustContain(t, body, "levelq_dead_lettered_total 1\n")
	mustContain(t, body, `method="POST",path="/v1/enqueue",status="202"`)
	mustContain(t, body, "levelq_http_request_duration_milliseconds_sum")
	if strings.Contains(body, "levelq_requeued_total") {
		t.Errorf("empty families must be omitted:\n%s", body)
	}
}

func TestHandler_DepthGauge(t *testing.T) {
	var reg metrics.Registry
	reg.SetDepthFunc(func(context.Context) (metrics.Depth, error) {
		return metrics.Depth{Queued: 7, Leased: 2, DeadLettered: 1}, nil
	})

	body := scrape(t, &reg)
	mustContain(t, body, "# TYPE levelq_depth gauge")
	mustContain(t, body, `levelq_depth{state="queued"} 7`)
	mustContain(t, body, `levelq_depth{state="leased"} 2`)
	mustContain(t, body, `levelq_depth{state="dead_lettered"} 1`)
}

func TestHandler_DepthErrorOmitsGauge(t *testing.T) {
	var reg metrics.Registry
	reg.SetDepthFunc(func(context.Context) (metrics.Depth, error) {
		return metrics.Depth{}, errors.New("store down")
	})
	if body := scrape(t, &reg); strings.Contains(body, "levelq_depth") {
		t.Fatalf("depth gauge must be omitted on error:\n%s", body)
	}
}

func TestRegistry_ConcurrentInc(t *testing.T) {
	var reg metrics.Registry

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Succeeded.Inc("")
		}()
	}
	wg.Wait()

	if got := reg.Succeeded.Value(""); got != 100 {
		t.Fatalf("concurrent Inc: got %d, want 100", got)
	}
}
