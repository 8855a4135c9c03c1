package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/snehjoshi/levelq/internal/broker"
	"github.com/snehjoshi/levelq/internal/cli"
	"github.com/snehjoshi/levelq/internal/config"
	"github.com/snehjoshi/levelq/internal/node"
	"github.com/snehjoshi/levelq/internal/reconciler"
	transphttp "github.com/snehjoshi/levelq/internal/transport/http"
)

func newServer(t *testing.T) (string, *broker.Broker) {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Reconciler.URL = "http://reconciler.invalid"
	cfg.Workqueue.MaxRetry = 0
	cfg.RateLimit.Rate = 0

	n, err := node.New(cfg.Node.DataDir, "")
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	s, err := broker.OpenStore(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	fail := reconciler.Func(func(context.Context, string) error { return errors.New("nope") })
	b, err := broker.New(cfg, n, s, fail)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	ts := httptest.NewServer(transphttp.New(b, cfg).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = b.Close()
	})
	return ts.URL, b
}

func run(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	root := cli.NewRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--server", server}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestCLI_EnqueueAndList(t *testing.T) {
	url, _ := newServer(t)

	out, err := run(t, url, "enqueue", "org/repo#1", "--priority", "3")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !strings.Contains(out, `"outcome": "created"`) {
		t.Errorf("enqueue output: %s", out)
	}

	out, err = run(t, url, "queue", "list", "--eligible")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	var items []map[string]any
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		t.Fatalf("decode list: %v: %s", err, out)
	}
	if len(items) != 1 || items[0]["key"] != "org/repo#1" || items[0]["priority"] != float64(3) {
		t.Errorf("items: %v", items)
	}

	out, err = run(t, url, "queue", "stats")
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	if !strings.Contains(out, `"queued": 1`) {
		t.Errorf("stats output: %s", out)
	}
}

func TestCLI_DeadLetter(t *testing.T) {
	url, b := newServer(t)
	if _, err := run(t, url, "enqueue", "bad"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := b.Dispatcher().Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	b.Dispatcher().Wait()

	out, err := run(t, url, "dlq", "list")
	if err != nil {
		t.Fatalf("dlq list: %v", err)
	}
	if !strings.Contains(out, `"key": "bad"`) || !strings.Contains(out, "nope") {
		t.Errorf("dlq list output: %s", out)
	}

	if out, err = run(t, url, "dlq", "reenqueue", "bad"); err != nil {
		t.Fatalf("dlq reenqueue: %v", err)
	}
	if !strings.Contains(out, `"reenqueued": 1`) {
		t.Errorf("reenqueue output: %s", out)
	}

	if _, err := run(t, url, "dlq", "reenqueue", "bad"); err == nil || !strings.Contains(err.Error(), "not dead-lettered") {
		t.Errorf("second reenqueue: want not dead-lettered error, got %v", err)
	}

	out, err = run(t, url, "dlq", "reenqueue", "--all")
	if err != nil {
		t.Fatalf("reenqueue --all: %v", err)
	}
	if !strings.Contains(out, `"reenqueued": 0`) {
		t.Errorf("reenqueue --all output: %s", out)
	}
}

func TestCLI_ReenqueueArgValidation(t *testing.T) {
	url, _ := newServer(t)
	if _, err := run(t, url, "dlq", "reenqueue"); err == nil {
		t.Error("expected error without KEY or --all")
	}
	if _, err := run(t, url, "dlq", "reenqueue", "k", "--all"); err == nil {
		t.Error("expected error with both KEY and --all")
	}
	if _, err := run(t, url, "enqueue"); err == nil {
		t.Error("expected error without KEY")
	}
}
