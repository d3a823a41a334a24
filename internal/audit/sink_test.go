package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"jobfiles/internal/testutil"
	"jobfiles/pkg/backoff"
	"jobfiles/pkg/cloudevent"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var fastRetry = backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3}

func newTestWebhook(t *testing.T, url string, cfg Config) *Webhook {
	t.Helper()
	cfg.URL = url
	if cfg.Retry == (backoff.Policy{}) {
		cfg.Retry = fastRetry
	}
	w, err := NewWebhook(cfg, nil)
	if err != nil {
		t.Fatalf("NewWebhook() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = w.Close(ctx)
	})
	return w
}

func deniedRecord() Record {
	return Record{
		JobID:     "42",
		Operation: "write",
		Path:      "/tmp/unrelated",
		Reason:    "insufficient_permissions",
		Code:      403002,
		Detail:    "write of \"/tmp/unrelated\" is outside the allow-list",
	}
}

func TestNewWebhook_InvalidURL(t *testing.T) {
	t.Parallel()
	for _, u := range []string{"", "not a url", "ftp://collector/x", "http://"} {
		if _, err := NewWebhook(Config{URL: u}, nil); err == nil {
			t.Errorf("NewWebhook(%q) should fail", u)
		}
	}
}

func TestWebhook_DeliversSignedEvent(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		bodies [][]byte
		sigs   []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		sigs = append(sigs, r.Header.Get(cloudevent.SignatureHeader))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	w := newTestWebhook(t, server.URL, Config{Key: "audit-key"})
	if err := w.Record(deniedRecord()); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	testutil.MustWaitFor(t, 5*time.Second, func() bool { return w.Stats().Delivered == 1 })

	mu.Lock()
	defer mu.Unlock()
	if !cloudevent.VerifySignature(bodies[0], "audit-key", sigs[0]) {
		t.Error("delivered event signature does not verify")
	}
	var event cloudevent.CloudEvent
	if err := json.Unmarshal(bodies[0], &event); err != nil {
		t.Fatal(err)
	}
	if event.Type != TypeDenied || event.Subject != "jobs/42" || event.Source != defaultSource {
		t.Errorf("event = %+v", event)
	}
	var got Record
	if err := event.DecodeData(&got); err != nil {
		t.Fatal(err)
	}
	if got.Code != 403002 || got.Detail == "" || got.Allowed {
		t.Errorf("record = %+v", got)
	}
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	w := newTestWebhook(t, server.URL, Config{})
	_ = w.Record(Record{JobID: "42", Operation: "read", Allowed: true})

	testutil.MustWaitFor(t, 5*time.Second, func() bool { return w.Stats().Delivered == 1 })
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestWebhook_NoRetryOnClientError(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	w := newTestWebhook(t, server.URL, Config{})
	_ = w.Record(deniedRecord())

	testutil.MustWaitFor(t, 5*time.Second, func() bool { return w.Stats().Failed == 1 })
	if n := attempts.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestWebhook_GivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	w := newTestWebhook(t, server.URL, Config{})
	_ = w.Record(deniedRecord())

	testutil.MustWaitFor(t, 5*time.Second, func() bool { return w.Stats().Failed == 1 })
	if n := attempts.Load(); n != int32(fastRetry.MaxAttempts) {
		t.Errorf("attempts = %d, want %d", n, fastRetry.MaxAttempts)
	}
}

func TestWebhook_BufferFull(t *testing.T) {
	t.Parallel()

	var inFlight atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inFlight.Add(1)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	w := newTestWebhook(t, server.URL, Config{BufferSize: 2, Workers: 1})

	// Park the only worker on a request so the queue can fill.
	if err := w.Record(deniedRecord()); err != nil {
		t.Fatal(err)
	}
	testutil.MustWaitFor(t, 5*time.Second, func() bool { return inFlight.Load() == 1 })

	var full int
	for range 10 {
		if err := w.Record(deniedRecord()); errors.Is(err, ErrBufferFull) {
			full++
		}
	}
	if full == 0 {
		t.Error("expected some records to be dropped")
	}
	if got := w.Stats().Dropped; got != int64(full) {
		t.Errorf("Dropped = %d, want %d", got, full)
	}
	if err := w.Ready(context.Background()); err == nil {
		t.Error("Ready() should fail while the queue is full")
	}
}

func TestWebhook_CloseDrainsQueue(t *testing.T) {
	t.Parallel()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	w, err := NewWebhook(Config{URL: server.URL, Workers: 1, Retry: fastRetry}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for range 5 {
		if err := w.Record(deniedRecord()); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := received.Load(); n != 5 {
		t.Errorf("received = %d, want 5", n)
	}
	if err := w.Record(deniedRecord()); !errors.Is(err, ErrClosed) {
		t.Errorf("Record() after Close error = %v, want ErrClosed", err)
	}
	if err := w.Close(ctx); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestWebhook_ConcurrentRecordAndClose(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	w, err := NewWebhook(Config{URL: server.URL, Retry: fastRetry}, nil)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = w.Record(deniedRecord())
			}
		}()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = w.Close(ctx)
	wg.Wait()
}

func TestNop(t *testing.T) {
	t.Parallel()
	var s Sink = Nop{}
	if err := s.Record(deniedRecord()); err != nil {
		t.Errorf("Record() error = %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("AUDIT_BUFFER_SIZE", "5")
	t.Setenv("AUDIT_WORKERS", "0")
	t.Setenv("AUDIT_HTTP_TIMEOUT", "2s")

	cfg := LoadConfigFromEnv("http://collector/events", "k")
	if cfg.BufferSize != 5 || cfg.Workers != defaultWorkers || cfg.HTTPTimeout != 2*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.URL != "http://collector/events" || cfg.Key != "k" || cfg.Source != defaultSource {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestRecord_Type(t *testing.T) {
	t.Parallel()
	if (Record{Allowed: true}).Type() != TypeAllowed {
		t.Error("allowed record has wrong type")
	}
	if (Record{}).Type() != TypeDenied {
		t.Error("denied record has wrong type")
	}
}
